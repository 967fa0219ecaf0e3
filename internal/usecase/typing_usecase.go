package usecase

import (
	"context"
	"sort"
	"sync"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/infrastructure/ratelimit"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

const ActionTypingStatus = "typing_status"

// TypingUseCase tracks who is typing in which conversation and tells the
// other online participants.
type TypingUseCase struct {
	conversations repository.ConversationRepository
	presence      Presence
	rateLimiter   *ratelimit.RateLimiter

	mutex  sync.Mutex
	typing map[string]map[string]struct{}
}

func NewTypingUseCase(conversations repository.ConversationRepository, presence Presence, rateLimiter *ratelimit.RateLimiter) *TypingUseCase {
	return &TypingUseCase{
		conversations: conversations,
		presence:      presence,
		rateLimiter:   rateLimiter,
		typing:        make(map[string]map[string]struct{}),
	}
}

// SetTyping records the user's typing flag and broadcasts the new set. Only
// participants of an existing conversation may signal typing in it; a
// conversation without messages yet is tracked without a broadcast.
func (uc *TypingUseCase) SetTyping(ctx context.Context, userID, conversationID string, isTyping bool) error {
	if conversationID == "" {
		return errors.Validation("conversationId is required", nil)
	}
	if conv, err := uc.conversations.GetByID(ctx, conversationID); err == nil && !conv.HasParticipant(userID) {
		logger.Warn("SetTyping: User %s is not a participant of %s", userID, conversationID)
		return errors.Forbidden("Conversation not found or access denied", nil)
	}
	if uc.rateLimiter != nil {
		if allowed, wait := uc.rateLimiter.Allow(userID, ActionTypingStatus); !allowed {
			logger.Debug("SetTyping: User %s rate limited for %v", userID, wait)
			return errors.TooManyRequests("Too many typing updates, please slow down")
		}
	}

	if isTyping {
		uc.add(conversationID, userID)
	} else {
		uc.remove(conversationID, userID)
	}
	uc.Broadcast(ctx, conversationID)
	return nil
}

// Clear removes the user's flag in one conversation and broadcasts the result.
func (uc *TypingUseCase) Clear(ctx context.Context, conversationID, userID string) {
	uc.remove(conversationID, userID)
	uc.Broadcast(ctx, conversationID)
}

// ClearUser removes the user from every conversation, broadcasting each one
// that changed. Used when the user disconnects.
func (uc *TypingUseCase) ClearUser(ctx context.Context, userID string) {
	uc.mutex.Lock()
	changed := make([]string, 0)
	for conversationID, users := range uc.typing {
		if _, ok := users[userID]; ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(uc.typing, conversationID)
			}
			changed = append(changed, conversationID)
		}
	}
	uc.mutex.Unlock()

	for _, conversationID := range changed {
		uc.Broadcast(ctx, conversationID)
	}
}

// TypingIn returns the ids currently typing in a conversation, sorted.
func (uc *TypingUseCase) TypingIn(conversationID string) []string {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	ids := make([]string, 0, len(uc.typing[conversationID]))
	for userID := range uc.typing[conversationID] {
		ids = append(ids, userID)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of conversations with at least one typist.
func (uc *TypingUseCase) Count() int {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()
	return len(uc.typing)
}

// Broadcast sends every online participant the typists other than themselves.
func (uc *TypingUseCase) Broadcast(ctx context.Context, conversationID string) {
	conv, err := uc.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return
	}

	typists := uc.TypingIn(conversationID)
	for _, participantID := range conv.Participants() {
		if _, online := uc.presence.Lookup(participantID); !online {
			continue
		}

		others := make([]entity.TypingUser, 0, len(typists))
		for _, typistID := range typists {
			if typistID == participantID {
				continue
			}
			others = append(others, entity.TypingUser{
				UserID:   typistID,
				UserName: uc.displayName(conv, typistID),
			})
		}

		uc.presence.SendToUser(participantID, ws.MessageTypeTypingStatus, ws.TypingStatusUpdateData{
			ConversationID: conversationID,
			TypingUsers:    others,
		})
	}
}

func (uc *TypingUseCase) displayName(conv *entity.Conversation, userID string) string {
	if identity, ok := uc.presence.Lookup(userID); ok && identity.UserName != "" {
		return identity.UserName
	}
	return knownName(conv, userID)
}

func (uc *TypingUseCase) add(conversationID, userID string) {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	users, ok := uc.typing[conversationID]
	if !ok {
		users = make(map[string]struct{})
		uc.typing[conversationID] = users
	}
	users[userID] = struct{}{}
}

func (uc *TypingUseCase) remove(conversationID, userID string) {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	users, ok := uc.typing[conversationID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(uc.typing, conversationID)
	}
}

// knownName finds the latest display name a conversation recorded for userID.
func knownName(conv *entity.Conversation, userID string) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if msg.SenderID == userID && msg.SenderName != "" {
			return msg.SenderName
		}
		if msg.RecipientID == userID && msg.RecipientName != "" {
			return msg.RecipientName
		}
	}
	return userID
}
