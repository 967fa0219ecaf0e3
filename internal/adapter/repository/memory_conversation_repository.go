package repository

import (
	"context"
	"sync"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// MemoryConversationRepository keeps conversations for the lifetime of the process.
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entity.Conversation
	messageIndex  map[string]string // message id -> conversation id
	maxMessages   int
	now           func() time.Time
}

var _ repository.ConversationRepository = (*MemoryConversationRepository)(nil)

// NewMemoryConversationRepository creates an empty store. maxMessages bounds
// each conversation's history (oldest evicted first); 0 means unbounded.
func NewMemoryConversationRepository(maxMessages int) *MemoryConversationRepository {
	return &MemoryConversationRepository{
		conversations: make(map[string]*entity.Conversation),
		messageIndex:  make(map[string]string),
		maxMessages:   maxMessages,
		now:           time.Now,
	}
}

// SetClock replaces the clock used to stamp arriving messages.
func (r *MemoryConversationRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryConversationRepository) AppendMessage(ctx context.Context, msg *entity.Message) (*entity.Conversation, error) {
	if msg == nil || msg.ConversationID == "" {
		return nil, errors.Validation("conversationId is required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[msg.ConversationID]
	if !ok {
		conv = &entity.Conversation{
			ID:          msg.ConversationID,
			ProductID:   msg.ProductID,
			ProductName: msg.ProductName,
		}
		r.conversations[msg.ConversationID] = conv
		logger.Debug("ConversationStore: created conversation %s", conv.ID)
	}
	if conv.ProductName == "" && msg.ProductName != "" {
		conv.ProductName = msg.ProductName
	}

	// Timestamps never go backwards within a conversation.
	msg.Timestamp = r.now()
	if last := conv.LastMessage(); last != nil && msg.Timestamp.Before(last.Timestamp) {
		msg.Timestamp = last.Timestamp
	}

	stored := *msg
	conv.Messages = append(conv.Messages, &stored)
	r.messageIndex[stored.ID] = conv.ID

	if r.maxMessages > 0 && len(conv.Messages) > r.maxMessages {
		evict := len(conv.Messages) - r.maxMessages
		for _, old := range conv.Messages[:evict] {
			delete(r.messageIndex, old.ID)
		}
		conv.Messages = append([]*entity.Message(nil), conv.Messages[evict:]...)
	}

	return cloneConversation(conv), nil
}

func (r *MemoryConversationRepository) GetByID(ctx context.Context, conversationID string) (*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, errors.NotFound("Conversation", nil)
	}
	return cloneConversation(conv), nil
}

func (r *MemoryConversationRepository) GetMessage(ctx context.Context, messageID string) (*entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg := r.findMessage(messageID)
	if msg == nil {
		return nil, errors.NotFound("Message", nil)
	}
	copied := *msg
	return &copied, nil
}

func (r *MemoryConversationRepository) ListByParticipant(ctx context.Context, userID string) ([]*entity.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*entity.Conversation
	for _, conv := range r.conversations {
		if conv.HasParticipant(userID) {
			result = append(result, cloneConversation(conv))
		}
	}
	return result, nil
}

func (r *MemoryConversationRepository) MarkRead(ctx context.Context, conversationID, readerID string) ([]*entity.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return nil, errors.NotFound("Conversation", nil)
	}

	var changed []*entity.Message
	for _, msg := range conv.Messages {
		if msg.RecipientID != readerID || msg.Read {
			continue
		}
		if msg.Advance(entity.StatusRead) {
			copied := *msg
			changed = append(changed, &copied)
		}
	}
	return changed, nil
}

func (r *MemoryConversationRepository) AdvanceStatus(ctx context.Context, messageID string, status entity.MessageStatus) (*entity.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := r.findMessage(messageID)
	if msg == nil {
		return nil, false, errors.NotFound("Message", nil)
	}
	changed := msg.Advance(status)
	copied := *msg
	return &copied, changed, nil
}

func (r *MemoryConversationRepository) Count(ctx context.Context) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}

// findMessage must be called with r.mu held.
func (r *MemoryConversationRepository) findMessage(messageID string) *entity.Message {
	convID, ok := r.messageIndex[messageID]
	if !ok {
		return nil
	}
	for _, msg := range r.conversations[convID].Messages {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

func cloneConversation(conv *entity.Conversation) *entity.Conversation {
	copied := &entity.Conversation{
		ID:          conv.ID,
		ProductID:   conv.ProductID,
		ProductName: conv.ProductName,
		Messages:    make([]*entity.Message, len(conv.Messages)),
	}
	for i, msg := range conv.Messages {
		m := *msg
		copied.Messages[i] = &m
	}
	return copied
}
