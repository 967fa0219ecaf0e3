package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "marketchat/internal/infrastructure/websocket"
)

func TestSellerConnectRefreshesOwnershipAndPushesList(t *testing.T) {
	f := newChatFixture(t, seller1)
	f.catalog.set("s1", "p1")
	session := NewSessionUseCase(f.chat, f.ownership, f.typing, 5*time.Millisecond)
	ctx := context.Background()

	assert.True(t, f.ownership.ValidateOwnership(ctx, "s1", "p1"))
	require.Equal(t, 1, f.catalog.callsFor("s1"))

	f.catalog.set("s1", "p2")
	session.Connected(ctx, seller1)

	assert.Equal(t, 2, f.catalog.callsFor("s1"), "connect always refetches")
	assert.Equal(t, "token-s1", f.catalog.tokens["s1"])
	assert.True(t, f.ownership.ValidateOwnership(ctx, "s1", "p2"))
	assert.Equal(t, "s1", f.ownership.FindOwner(ctx, "p2"))

	assert.Eventually(t, func() bool {
		return len(f.presence.framesFor("s1", ws.MessageTypeConversationsList)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCustomerConnectSkipsCatalog(t *testing.T) {
	f := newChatFixture(t, customer)
	session := NewSessionUseCase(f.chat, f.ownership, f.typing, 0)

	session.Connected(context.Background(), customer)

	assert.Equal(t, 0, f.catalog.callsFor("c1"))
	assert.Eventually(t, func() bool {
		return len(f.presence.framesFor("c1", ws.MessageTypeConversationsList)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDisconnectClearsTypingAndSellerCache(t *testing.T) {
	f := newChatFixture(t, customer, seller1)
	f.catalog.set("s1", "p1")
	session := NewSessionUseCase(f.chat, f.ownership, f.typing, time.Hour)
	ctx := context.Background()

	convID := seedConversation(t, f.repo)
	session.Connected(ctx, seller1)
	require.Equal(t, 1, f.ownership.CachedSellers())
	require.NoError(t, f.typing.SetTyping(ctx, "s1", convID, true))

	f.presence.disconnect("s1")
	session.Disconnected(ctx, seller1)

	assert.Empty(t, f.typing.TypingIn(convID))
	assert.Empty(t, lastTypingUpdate(t, f.presence, "c1").TypingUsers)
	assert.Equal(t, 0, f.ownership.CachedSellers())
}
