package usecase

import (
	"context"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/internal/infrastructure/auth"
	"marketchat/pkg/logger"
)

// SessionUseCase runs the connect and disconnect side effects of a user session.
type SessionUseCase struct {
	chat             *ChatUseCase
	ownership        *OwnershipUseCase
	typing           *TypingUseCase
	initialListDelay time.Duration
}

func NewSessionUseCase(chat *ChatUseCase, ownership *OwnershipUseCase, typing *TypingUseCase, initialListDelay time.Duration) *SessionUseCase {
	return &SessionUseCase{
		chat:             chat,
		ownership:        ownership,
		typing:           typing,
		initialListDelay: initialListDelay,
	}
}

// Connected is called once the user's connection is registered. Sellers get
// their product cache rebuilt so ownership changes since the last session apply.
func (uc *SessionUseCase) Connected(ctx context.Context, user entity.Identity) {
	if user.IsSeller() {
		info := auth.InspectToken(user.AuthToken)
		if info.IsJWT && info.Subject != "" && info.Subject != user.UserID {
			logger.Warn("Session: Token subject %s does not match seller %s", info.Subject, user.UserID)
		}
		if info.Expired(time.Now()) {
			logger.Warn("Session: Seller %s connected with an expired token", user.UserID)
		}

		uc.ownership.InvalidateSeller(user.UserID)
		uc.ownership.Refresh(ctx, user)
	}

	time.AfterFunc(uc.initialListDelay, func() {
		uc.chat.PushConversations(context.Background(), user.UserID)
	})
}

// Disconnected clears everything tied to the user's live session.
func (uc *SessionUseCase) Disconnected(ctx context.Context, user entity.Identity) {
	uc.typing.ClearUser(ctx, user.UserID)
	if user.IsSeller() {
		uc.ownership.InvalidateSeller(user.UserID)
	}
}
