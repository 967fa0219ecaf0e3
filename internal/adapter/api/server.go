package api

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/router"
	"marketchat/internal/adapter/repository"
	domainrepo "marketchat/internal/domain/repository"
	"marketchat/internal/infrastructure/ratelimit"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
	"marketchat/pkg/config"
	"marketchat/pkg/response"
)

const (
	limiterCleanupInterval = 10 * time.Minute
	limiterIdleTimeout     = 30 * time.Minute
)

// Server holds every piece of process state. It is built once at startup.
type Server struct {
	Echo          *echo.Echo
	Config        *config.Config
	WSManager     *ws.Manager
	Conversations *repository.MemoryConversationRepository
	Ownership     *usecase.OwnershipUseCase
	Typing        *usecase.TypingUseCase
	Chat          *usecase.ChatUseCase
	Session       *usecase.SessionUseCase
}

func NewServer(ctx context.Context, cfg *config.Config, catalog domainrepo.ProductCatalog) *Server {
	wsManager := ws.NewManager()
	conversationRepo := repository.NewMemoryConversationRepository(cfg.MaxMessagesPerConversation)

	frameLimiter := ratelimit.NewRateLimiter(map[string]ratelimit.Policy{
		usecase.ActionSendMessage:  {Rate: cfg.SendMessageRate, Burst: cfg.SendMessageBurst},
		usecase.ActionTypingStatus: {Rate: cfg.TypingRate, Burst: cfg.TypingBurst},
	}, ratelimit.Policy{})
	handshakeLimiter := ratelimit.NewRateLimiter(nil, ratelimit.Policy{
		Rate:  cfg.HandshakeRate,
		Burst: cfg.HandshakeBurst,
	})
	frameLimiter.StartCleanupRoutine(ctx, limiterCleanupInterval, limiterIdleTimeout)
	handshakeLimiter.StartCleanupRoutine(ctx, limiterCleanupInterval, limiterIdleTimeout)

	ownershipUseCase := usecase.NewOwnershipUseCase(catalog, wsManager, cfg.OwnershipCacheTTL.Duration)
	typingUseCase := usecase.NewTypingUseCase(conversationRepo, wsManager, frameLimiter)
	chatUseCase := usecase.NewChatUseCase(conversationRepo, ownershipUseCase, typingUseCase, wsManager, frameLimiter)
	sessionUseCase := usecase.NewSessionUseCase(chatUseCase, ownershipUseCase, typingUseCase, cfg.InitialListDelay.Duration)

	wsHandler := handler.NewWebSocketHandler(ctx, wsManager, chatUseCase, typingUseCase, sessionUseCase)
	healthHandler := handler.NewHealthHandler(wsManager, conversationRepo, ownershipUseCase, typingUseCase)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Validator = NewValidator()
	e.HTTPErrorHandler = response.ErrorHandler

	router.Setup(e, wsHandler, healthHandler, handshakeLimiter)

	return &Server{
		Echo:          e,
		Config:        cfg,
		WSManager:     wsManager,
		Conversations: conversationRepo,
		Ownership:     ownershipUseCase,
		Typing:        typingUseCase,
		Chat:          chatUseCase,
		Session:       sessionUseCase,
	}
}

func (s *Server) Start() error {
	return s.Echo.Start(":" + s.Config.ServerPort)
}

// Shutdown closes every chat connection, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.WSManager.CloseAll("server shutting down")
	return s.Echo.Shutdown(ctx)
}
