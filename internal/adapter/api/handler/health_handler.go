package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
)

type HealthHandler struct {
	wsManager     *ws.Manager
	conversations repository.ConversationRepository
	ownership     *usecase.OwnershipUseCase
	typing        *usecase.TypingUseCase
}

type HealthStatus struct {
	Status                string                 `json:"status"`
	Connections           int                    `json:"connections"`
	Timestamp             time.Time              `json:"timestamp"`
	ConnectedUsers        []entity.ConnectedUser `json:"connectedUsers"`
	TotalConversations    int                    `json:"totalConversations"`
	CacheEntries          int                    `json:"cacheEntries"`
	OwnershipCacheEntries int                    `json:"ownershipCacheEntries"`
	TypingUsers           int                    `json:"typingUsers"`
}

func NewHealthHandler(
	wsManager *ws.Manager,
	conversations repository.ConversationRepository,
	ownership *usecase.OwnershipUseCase,
	typing *usecase.TypingUseCase,
) *HealthHandler {
	return &HealthHandler{
		wsManager:     wsManager,
		conversations: conversations,
		ownership:     ownership,
		typing:        typing,
	}
}

func (h *HealthHandler) CheckHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:                "ok",
		Connections:           h.wsManager.Count(),
		Timestamp:             time.Now(),
		ConnectedUsers:        h.wsManager.ConnectedUsers(),
		TotalConversations:    h.conversations.Count(c.Request().Context()),
		CacheEntries:          h.ownership.CachedSellers(),
		OwnershipCacheEntries: h.ownership.CachedOwners(),
		TypingUsers:           h.typing.Count(),
	})
}
