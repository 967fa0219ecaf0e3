package usecase

import (
	"context"

	"marketchat/internal/domain/entity"
)

// Presence is the view the use cases need of the connection registry.
type Presence interface {
	Lookup(userID string) (entity.Identity, bool)
	ConnectedSellers() []entity.Identity
	SendToUser(userID string, msgType string, data interface{}) bool
}

// OwnershipResolver answers which seller owns a product.
type OwnershipResolver interface {
	FindOwner(ctx context.Context, productID string) string
	ValidateOwnership(ctx context.Context, sellerID, productID string) bool
	OwnedProducts(ctx context.Context, sellerID string) map[string]struct{}
}

// TypingNotifier is what message routing needs from the typing tracker.
type TypingNotifier interface {
	Clear(ctx context.Context, conversationID, userID string)
}
