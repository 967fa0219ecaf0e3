package repository

import (
	"context"

	"marketchat/internal/domain/entity"
)

// ConversationRepository stores conversations and their messages. Returned
// values are copies; mutate state only through the repository methods.
type ConversationRepository interface {
	// AppendMessage stores msg at the end of its conversation, creating the
	// conversation if it does not exist yet. msg.Timestamp is set to the
	// arrival time, so stored order and timestamp order agree.
	AppendMessage(ctx context.Context, msg *entity.Message) (*entity.Conversation, error)
	GetByID(ctx context.Context, conversationID string) (*entity.Conversation, error)
	GetMessage(ctx context.Context, messageID string) (*entity.Message, error)
	ListByParticipant(ctx context.Context, userID string) ([]*entity.Conversation, error)

	// MarkRead flips every unread message addressed to readerID to read and
	// returns the messages that changed.
	MarkRead(ctx context.Context, conversationID, readerID string) ([]*entity.Message, error)

	// AdvanceStatus moves a message forward to status. The bool is false when
	// the message was already at or past status.
	AdvanceStatus(ctx context.Context, messageID string, status entity.MessageStatus) (*entity.Message, bool, error)

	Count(ctx context.Context) int
}
