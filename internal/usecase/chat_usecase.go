package usecase

import (
	"context"
	"crypto/rand"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/infrastructure/metrics"
	"marketchat/internal/infrastructure/ratelimit"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

const ActionSendMessage = "send_message"

// ChatUseCase routes messages between customers and sellers and serves
// conversation queries.
type ChatUseCase struct {
	conversations repository.ConversationRepository
	ownership     OwnershipResolver
	typing        TypingNotifier
	presence      Presence
	rateLimiter   *ratelimit.RateLimiter

	newID   func() string
	refresh func(func())
}

func NewChatUseCase(
	conversations repository.ConversationRepository,
	ownership OwnershipResolver,
	typing TypingNotifier,
	presence Presence,
	rateLimiter *ratelimit.RateLimiter,
) *ChatUseCase {
	return &ChatUseCase{
		conversations: conversations,
		ownership:     ownership,
		typing:        typing,
		presence:      presence,
		rateLimiter:   rateLimiter,
		newID:         newMessageID(),
		refresh:       func(fn func()) { go fn() },
	}
}

// newMessageID returns a generator of lexically sortable, unique message ids.
func newMessageID() func() string {
	var mutex sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return func() string {
		mutex.Lock()
		defer mutex.Unlock()
		return "msg_" + ulid.MustNew(ulid.Now(), entropy).String()
	}
}

type SendMessageInput struct {
	RecipientID   string
	RecipientName string
	Text          string
	ProductID     string
	ProductName   string
}

// SendMessage validates and stores a message, then delivers it. For customer
// messages about a product the recipient is whoever currently owns it.
func (uc *ChatUseCase) SendMessage(ctx context.Context, sender entity.Identity, input SendMessageInput) (*entity.Message, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return nil, errors.Validation("Message cannot be empty", nil)
	}

	if uc.rateLimiter != nil {
		if allowed, wait := uc.rateLimiter.Allow(sender.UserID, ActionSendMessage); !allowed {
			logger.Warn("SendMessage Rate Limited: User %s must wait %v", sender.UserID, wait)
			return nil, errors.TooManyRequests("You are sending messages too quickly. Please slow down.")
		}
	}

	recipientID := input.RecipientID
	recipientName := input.RecipientName

	if input.ProductID != "" {
		switch sender.Role {
		case entity.RoleCustomer:
			owner := uc.ownership.FindOwner(ctx, input.ProductID)
			switch {
			case owner == "":
				logger.Warn("SendMessage: No connected owner for product %s, using client recipient %q", input.ProductID, recipientID)
			case owner != recipientID:
				logger.Warn("SendMessage: Recipient for product %s corrected from %q to %s", input.ProductID, recipientID, owner)
				metrics.RecipientOverrides.Inc()
				recipientID = owner
				recipientName = ""
			}
		case entity.RoleSeller:
			if !uc.ownership.ValidateOwnership(ctx, sender.UserID, input.ProductID) {
				logger.Warn("SendMessage Error: Seller %s does not own product %s", sender.UserID, input.ProductID)
				return nil, errors.Forbidden("You are not authorized to discuss this product", nil)
			}
		}
	}

	if recipientID == "" {
		return nil, errors.Validation("recipientId is required", nil)
	}
	if recipientID == sender.UserID {
		return nil, errors.Validation("You cannot send a message to yourself", nil)
	}

	recipient, recipientOnline := uc.presence.Lookup(recipientID)
	if recipientOnline && recipient.UserName != "" {
		recipientName = recipient.UserName
	}
	if recipientName == "" {
		recipientName = recipientID
	}

	message := &entity.Message{
		ID:             uc.newID(),
		ConversationID: entity.ConversationID(sender.UserID, recipientID, input.ProductID),
		SenderID:       sender.UserID,
		SenderName:     sender.UserName,
		SenderRole:     sender.Role,
		RecipientID:    recipientID,
		RecipientName:  recipientName,
		ProductID:      input.ProductID,
		ProductName:    input.ProductName,
		Text:           text,
		Read:           false,
		Status:         entity.StatusSent,
	}

	if _, err := uc.conversations.AppendMessage(ctx, message); err != nil {
		logger.Error("SendMessage Error: Failed to store message in %s: %v", message.ConversationID, err)
		return nil, err
	}

	uc.typing.Clear(ctx, message.ConversationID, sender.UserID)

	uc.presence.SendToUser(sender.UserID, ws.MessageTypeMessageSent, message)

	if recipientOnline && uc.presence.SendToUser(recipientID, ws.MessageTypeNewMessage, message) {
		metrics.MessagesRouted.WithLabelValues("online").Inc()
	} else {
		metrics.MessagesRouted.WithLabelValues("offline").Inc()
		logger.Debug("SendMessage: Recipient %s offline, message %s stored", recipientID, message.ID)
	}

	uc.refresh(func() {
		uc.PushConversations(context.Background(), sender.UserID)
		uc.PushConversations(context.Background(), recipientID)
	})

	return message, nil
}

// GetConversations builds the user's conversation summaries, newest first.
// Sellers only see product conversations for products they currently own.
func (uc *ChatUseCase) GetConversations(ctx context.Context, user entity.Identity) ([]entity.ConversationSummary, error) {
	convs, err := uc.conversations.ListByParticipant(ctx, user.UserID)
	if err != nil {
		return nil, err
	}

	var owned map[string]struct{}
	summaries := make([]entity.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		if user.IsSeller() && conv.ProductID != "" {
			if owned == nil {
				owned = uc.ownership.OwnedProducts(ctx, user.UserID)
			}
			if _, ok := owned[conv.ProductID]; !ok {
				continue
			}
		}
		summaries = append(summaries, uc.summarize(conv, user.UserID))
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].LastMessageTime.Equal(summaries[j].LastMessageTime) {
			return summaries[i].ConversationID < summaries[j].ConversationID
		}
		return summaries[i].LastMessageTime.After(summaries[j].LastMessageTime)
	})
	return summaries, nil
}

func (uc *ChatUseCase) summarize(conv *entity.Conversation, userID string) entity.ConversationSummary {
	summary := entity.ConversationSummary{
		ConversationID: conv.ID,
		UnreadCount:    conv.UnreadFor(userID),
		MessageCount:   len(conv.Messages),
		ProductID:      conv.ProductID,
		ProductName:    conv.ProductName,
	}

	if last := conv.LastMessage(); last != nil {
		summary.LastMessage = last
		summary.LastMessageTime = last.Timestamp
	}

	for _, msg := range conv.Messages {
		if msg.Involves(userID) {
			summary.OtherUserID, _ = msg.Counterpart(userID)
			break
		}
	}
	if identity, ok := uc.presence.Lookup(summary.OtherUserID); ok && identity.UserName != "" {
		summary.OtherUserName = identity.UserName
	} else {
		summary.OtherUserName = knownName(conv, summary.OtherUserID)
	}
	return summary
}

// PushConversations sends a fresh conversations_list to the user if online.
func (uc *ChatUseCase) PushConversations(ctx context.Context, userID string) {
	user, online := uc.presence.Lookup(userID)
	if !online {
		return
	}

	summaries, err := uc.GetConversations(ctx, user)
	if err != nil {
		logger.Error("PushConversations Error: Failed to build list for %s: %v", userID, err)
		return
	}
	uc.presence.SendToUser(userID, ws.MessageTypeConversationsList, summaries)
}

// GetMessages returns a conversation's history and marks everything
// addressed to the user as read, notifying the senders.
func (uc *ChatUseCase) GetMessages(ctx context.Context, user entity.Identity, conversationID string) ([]*entity.Message, error) {
	if conversationID == "" {
		return nil, errors.Validation("conversationId is required", nil)
	}

	conv, err := uc.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return nil, errors.Forbidden("Conversation not found or access denied", err)
		}
		return nil, err
	}
	if !conv.HasParticipant(user.UserID) {
		logger.Warn("GetMessages Error: User %s is not a participant in %s", user.UserID, conversationID)
		return nil, errors.Forbidden("Conversation not found or access denied", nil)
	}
	if user.IsSeller() && conv.ProductID != "" && !uc.ownership.ValidateOwnership(ctx, user.UserID, conv.ProductID) {
		logger.Warn("GetMessages Error: Seller %s no longer owns product %s", user.UserID, conv.ProductID)
		return nil, errors.Forbidden("You are not authorized to view this conversation", nil)
	}

	changed, err := uc.conversations.MarkRead(ctx, conversationID, user.UserID)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return conv.Messages, nil
	}

	for _, msg := range changed {
		uc.presence.SendToUser(msg.SenderID, ws.MessageTypeMessageStatusUpdate, ws.MessageStatusUpdateData{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Status:         msg.Status,
		})
	}
	uc.refresh(func() {
		uc.PushConversations(context.Background(), user.UserID)
	})

	conv, err = uc.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// MarkDelivered advances a message to delivered on the recipient's behalf and
// tells the sender. Repeated acknowledgements are ignored.
func (uc *ChatUseCase) MarkDelivered(ctx context.Context, user entity.Identity, messageID string) error {
	if messageID == "" {
		return errors.Validation("messageId is required", nil)
	}

	msg, err := uc.conversations.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.RecipientID != user.UserID {
		return errors.Forbidden("Only the recipient can acknowledge a message", nil)
	}

	updated, changed, err := uc.conversations.AdvanceStatus(ctx, messageID, entity.StatusDelivered)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	uc.presence.SendToUser(updated.SenderID, ws.MessageTypeMessageStatusUpdate, ws.MessageStatusUpdateData{
		MessageID:      updated.ID,
		ConversationID: updated.ConversationID,
		Status:         updated.Status,
	})
	return nil
}
