package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"marketchat/internal/domain/entity"
	"marketchat/internal/infrastructure/metrics"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

type WebSocketHandler struct {
	ctx       context.Context
	wsManager *ws.Manager
	chat      *usecase.ChatUseCase
	typing    *usecase.TypingUseCase
	session   *usecase.SessionUseCase
}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handshakeRequest is the identity a client claims in the connection URL.
type handshakeRequest struct {
	UserID    string `query:"userId" validate:"required"`
	UserRole  string `query:"userRole" validate:"omitempty,oneof=customer seller"`
	UserName  string `query:"userName"`
	AuthToken string `query:"authToken" validate:"required_if=UserRole seller"`
}

func (r handshakeRequest) identity() entity.Identity {
	identity := entity.Identity{
		UserID:    r.UserID,
		Role:      entity.Role(r.UserRole),
		UserName:  r.UserName,
		AuthToken: r.AuthToken,
	}
	if identity.Role == "" {
		identity.Role = entity.RoleCustomer
	}
	if identity.UserName == "" {
		identity.UserName = identity.UserID
	}
	return identity
}

func NewWebSocketHandler(
	ctx context.Context,
	wsManager *ws.Manager,
	chat *usecase.ChatUseCase,
	typing *usecase.TypingUseCase,
	session *usecase.SessionUseCase,
) *WebSocketHandler {
	return &WebSocketHandler{
		ctx:       ctx,
		wsManager: wsManager,
		chat:      chat,
		typing:    typing,
		session:   session,
	}
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. Invalid handshakes are upgraded and then closed with 1008.
func (h *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	var req handshakeRequest
	handshakeErr := (&echo.DefaultBinder{}).BindQueryParams(c, &req)
	if handshakeErr == nil {
		handshakeErr = c.Validate(&req)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket: Upgrade failed for %s: %v", c.RealIP(), err)
		return nil
	}

	if handshakeErr != nil {
		h.reject(conn, errors.MessageOf(handshakeErr))
		return nil
	}

	identity := req.identity()
	client := ws.NewClient(conn, identity)

	if displaced := h.wsManager.Register(client); displaced != nil {
		metrics.ConnectionsReplaced.Inc()
		logger.Info("WebSocket: User %s connected again, closing connection %s", identity.UserID, displaced.ID)
		h.wsManager.SendToClient(displaced, ws.MessageTypeConnectionReplaced, ws.ConnectionReplacedData{
			Message: "You have connected from another location",
		})
		displaced.CloseWith(gorillaws.CloseNormalClosure, "connection replaced")
	}
	metrics.ConnectionsTotal.WithLabelValues(string(identity.Role)).Inc()

	go client.WritePump()

	h.wsManager.SendToClient(client, ws.MessageTypeConnectionEstablished, ws.ConnectionEstablishedData{
		UserID:    identity.UserID,
		UserRole:  identity.Role,
		UserName:  identity.UserName,
		Timestamp: time.Now(),
	})
	h.session.Connected(h.ctx, identity)

	readErr := client.ReadPump(h.handleFrame)
	client.Close()
	if h.wsManager.Unregister(client) {
		h.session.Disconnected(h.ctx, identity)
	}
	logger.Debug("WebSocket: Connection %s of %s finished: %v", client.ID, identity.UserID, readErr)
	return nil
}

func (h *WebSocketHandler) reject(conn *gorillaws.Conn, reason string) {
	metrics.HandshakesRejected.WithLabelValues("invalid_params").Inc()
	logger.Warn("WebSocket: Rejecting handshake: %s", reason)

	conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	conn.Close()
}

// handleFrame processes one inbound frame. Failures are reported to the
// sending connection only and never end the session.
func (h *WebSocketHandler) handleFrame(client *ws.Client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("%s", logger.WithContext(client.UserID(), "WebSocket: Recovered from panic: %v", r))
			h.wsManager.SendError(client, errors.Internal("An unexpected error occurred", nil))
		}
	}()

	if err := h.dispatch(client, data); err != nil {
		logger.Debug("WebSocket: Frame from %s failed: %v", client.UserID(), err)
		h.wsManager.SendError(client, err)
	}
}

func (h *WebSocketHandler) dispatch(client *ws.Client, data []byte) error {
	msg, err := ws.ParseInbound(data)
	if err != nil {
		metrics.FramesReceived.WithLabelValues("invalid").Inc()
		return err
	}

	ctx := h.ctx
	user := client.Identity

	switch msg.Type {
	case ws.MessageTypePing:
		metrics.FramesReceived.WithLabelValues(msg.Type).Inc()
		h.wsManager.SendToClient(client, ws.MessageTypePong, ws.PongData{Timestamp: time.Now()})
		return nil

	case ws.MessageTypeSendMessage:
		metrics.FramesReceived.WithLabelValues(msg.Type).Inc()
		var payload ws.SendMessageData
		if err := ws.DecodeData(msg.Data, &payload); err != nil {
			return err
		}
		_, err := h.chat.SendMessage(ctx, user, usecase.SendMessageInput{
			RecipientID:   payload.RecipientID.String(),
			RecipientName: payload.RecipientName,
			Text:          payload.Message,
			ProductID:     payload.ProductID.String(),
			ProductName:   payload.ProductName,
		})
		return err

	case ws.MessageTypeGetConversations:
		metrics.FramesReceived.WithLabelValues(msg.Type).Inc()
		summaries, err := h.chat.GetConversations(ctx, user)
		if err != nil {
			return err
		}
		h.wsManager.SendToClient(client, ws.MessageTypeConversationsList, summaries)
		return nil

	case ws.MessageTypeGetMessages:
		metrics.FramesReceived.WithLabelValues(msg.Type).Inc()
		var payload ws.GetMessagesData
		if err := ws.DecodeData(msg.Data, &payload); err != nil {
			return err
		}
		messages, err := h.chat.GetMessages(ctx, user, payload.ConversationID)
		if err != nil {
			return err
		}
		h.wsManager.SendToClient(client, ws.MessageTypeConversationMessages, ws.ConversationMessagesData{
			ConversationID: payload.ConversationID,
			Messages:       messages,
		})
		return nil

	case ws.MessageTypeTypingStatus:
		metrics.FramesReceived.WithLabelValues(msg.Type).Inc()
		var payload ws.TypingStatusData
		if err := ws.DecodeData(msg.Data, &payload); err != nil {
			return err
		}
		return h.typing.SetTyping(ctx, user.UserID, payload.ConversationID, payload.IsTyping)

	case ws.MessageTypeMarkMessageDelivered:
		metrics.FramesReceived.WithLabelValues(msg.Type).Inc()
		var payload ws.MarkDeliveredData
		if err := ws.DecodeData(msg.Data, &payload); err != nil {
			return err
		}
		return h.chat.MarkDelivered(ctx, user, payload.MessageID)

	default:
		metrics.FramesReceived.WithLabelValues("unknown").Inc()
		return errors.Protocol(fmt.Sprintf("Unknown message type: %s", msg.Type), nil)
	}
}
