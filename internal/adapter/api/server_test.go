package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/domain/entity"
	"marketchat/internal/infrastructure/productapi"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// productService fakes the external product API.
type productService struct {
	mutex    sync.Mutex
	products map[string][]string
	tokens   map[string]string
}

func (p *productService) set(sellerID string, productIDs ...string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.products[sellerID] = productIDs
}

func (p *productService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sellerID := strings.TrimPrefix(r.URL.Path, "/products/Seller/")

	p.mutex.Lock()
	p.tokens[sellerID] = r.Header.Get("Authorization")
	ids := p.products[sellerID]
	p.mutex.Unlock()

	items := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]string{"id": id, "seller_id": sellerID, "name": "Product " + id})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	products *productService
}

func newTestEnv(t *testing.T, configure func(*config.Config)) *testEnv {
	t.Helper()

	products := &productService{products: make(map[string][]string), tokens: make(map[string]string)}
	productHTTP := httptest.NewServer(products)
	t.Cleanup(productHTTP.Close)

	cfg := config.Default()
	cfg.InitialListDelay.Duration = 10 * time.Millisecond
	cfg.HandshakeRate = 0
	if configure != nil {
		configure(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := NewServer(ctx, cfg, productapi.NewClient(productHTTP.URL, 2*time.Second))
	chatHTTP := httptest.NewServer(server.Echo)
	t.Cleanup(chatHTTP.Close)

	return &testEnv{server: server, http: chatHTTP, products: products}
}

func (env *testEnv) dial(t *testing.T, params url.Values) *websocket.Conn {
	t.Helper()
	conn, resp, err := env.dialRaw(params)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (env *testEnv) dialRaw(params url.Values) (*websocket.Conn, *http.Response, error) {
	target := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/?" + params.Encode()
	return websocket.DefaultDialer.Dial(target, nil)
}

func identityParams(userID, role, token string) url.Values {
	params := url.Values{"userId": {userID}}
	if role != "" {
		params.Set("userRole", role)
	}
	if token != "" {
		params.Set("authToken", token)
	}
	return params
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	frame, err := json.Marshal(map[string]interface{}{"type": msgType, "data": data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readUntil skips frames until one of msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", msgType)

		var frame ws.InboundMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type == msgType {
			return frame.Data
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
		return
	}
}

func TestHandshakeValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		params url.Values
	}{
		{"missing user id", url.Values{"userRole": {"customer"}}},
		{"unknown role", identityParams("u1", "admin", "")},
		{"seller without token", identityParams("s1", "seller", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(t, tt.params)
			expectClose(t, conn, websocket.ClosePolicyViolation)
		})
	}
	assert.Equal(t, 0, env.server.WSManager.Count())
}

func TestConnectionEstablishedThenInitialList(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, identityParams("c1", "", ""))

	var established ws.ConnectionEstablishedData
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ws.MessageTypeConnectionEstablished), &established))
	assert.Equal(t, "c1", established.UserID)
	assert.Equal(t, entity.RoleCustomer, established.UserRole)
	assert.Equal(t, "c1", established.UserName)

	var list []entity.ConversationSummary
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ws.MessageTypeConversationsList), &list))
	assert.Empty(t, list)
}

func TestProductMessageReachesCurrentOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	env.products.set("s1", "101")

	seller := env.dial(t, identityParams("s1", "seller", "seller-token"))
	readUntil(t, seller, ws.MessageTypeConversationsList)
	customer := env.dial(t, identityParams("c1", "customer", ""))
	readUntil(t, customer, ws.MessageTypeConversationsList)

	send(t, customer, ws.MessageTypeSendMessage, map[string]interface{}{
		"recipientId": "someone-else",
		"productId":   101,
		"productName": "Bike",
		"message":     "Is this still available?",
	})

	var sent entity.Message
	require.NoError(t, json.Unmarshal(readUntil(t, customer, ws.MessageTypeMessageSent), &sent))
	assert.Equal(t, "s1", sent.RecipientID)
	assert.Equal(t, "conv_c1_s1_101", sent.ConversationID)
	assert.Equal(t, entity.StatusSent, sent.Status)

	var received entity.Message
	require.NoError(t, json.Unmarshal(readUntil(t, seller, ws.MessageTypeNewMessage), &received))
	assert.Equal(t, sent.ID, received.ID)
	assert.Equal(t, "Is this still available?", received.Text)

	send(t, seller, ws.MessageTypeMarkMessageDelivered, map[string]string{"messageId": received.ID})
	var update ws.MessageStatusUpdateData
	require.NoError(t, json.Unmarshal(readUntil(t, customer, ws.MessageTypeMessageStatusUpdate), &update))
	assert.Equal(t, sent.ID, update.MessageID)
	assert.Equal(t, entity.StatusDelivered, update.Status)

	send(t, seller, ws.MessageTypeGetMessages, map[string]string{"conversationId": sent.ConversationID})
	var history ws.ConversationMessagesData
	require.NoError(t, json.Unmarshal(readUntil(t, seller, ws.MessageTypeConversationMessages), &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, entity.StatusRead, history.Messages[0].Status)

	require.NoError(t, json.Unmarshal(readUntil(t, customer, ws.MessageTypeMessageStatusUpdate), &update))
	assert.Equal(t, entity.StatusRead, update.Status)

	env.products.mutex.Lock()
	assert.Equal(t, "Bearer seller-token", env.products.tokens["s1"])
	env.products.mutex.Unlock()
}

func TestSellerCannotClaimForeignProduct(t *testing.T) {
	env := newTestEnv(t, nil)
	env.products.set("s2", "7")

	seller := env.dial(t, identityParams("s1", "seller", "tok"))
	readUntil(t, seller, ws.MessageTypeConversationsList)

	send(t, seller, ws.MessageTypeSendMessage, map[string]interface{}{
		"recipientId": "c1",
		"productId":   "7",
		"message":     "I sell this too",
	})

	var errData ws.ErrorData
	require.NoError(t, json.Unmarshal(readUntil(t, seller, ws.MessageTypeError), &errData))
	assert.Equal(t, "FORBIDDEN", errData.Code)
	assert.Equal(t, 0, env.server.Conversations.Count(context.Background()))
}

func TestBadFramesKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, identityParams("c1", "", ""))
	readUntil(t, conn, ws.MessageTypeConnectionEstablished)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var errData ws.ErrorData
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ws.MessageTypeError), &errData))
	assert.Equal(t, "PROTOCOL_ERROR", errData.Code)

	send(t, conn, "launch_rockets", nil)
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ws.MessageTypeError), &errData))
	assert.Equal(t, "Unknown message type: launch_rockets", errData.Message)

	send(t, conn, ws.MessageTypeSendMessage, map[string]string{"recipientId": "s1", "message": "   "})
	require.NoError(t, json.Unmarshal(readUntil(t, conn, ws.MessageTypeError), &errData))
	assert.Equal(t, "VALIDATION_ERROR", errData.Code)

	send(t, conn, ws.MessageTypePing, nil)
	readUntil(t, conn, ws.MessageTypePong)
}

func TestNewConnectionReplacesOldOne(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.dial(t, identityParams("u1", "", ""))
	readUntil(t, first, ws.MessageTypeConnectionEstablished)

	second := env.dial(t, identityParams("u1", "", ""))
	readUntil(t, second, ws.MessageTypeConnectionEstablished)

	readUntil(t, first, ws.MessageTypeConnectionReplaced)
	expectClose(t, first, websocket.CloseNormalClosure)

	send(t, second, ws.MessageTypePing, nil)
	readUntil(t, second, ws.MessageTypePong)
	assert.Equal(t, 1, env.server.WSManager.Count())
}

func TestTypingClearedOnDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	customer := env.dial(t, identityParams("c1", "", ""))
	readUntil(t, customer, ws.MessageTypeConversationsList)
	seller := env.dial(t, identityParams("s1", "seller", "tok"))
	readUntil(t, seller, ws.MessageTypeConversationsList)

	send(t, customer, ws.MessageTypeSendMessage, map[string]string{"recipientId": "s1", "message": "hi"})
	readUntil(t, seller, ws.MessageTypeNewMessage)

	send(t, customer, ws.MessageTypeTypingStatus, map[string]interface{}{"conversationId": "conv_c1_s1", "isTyping": true})
	var typing ws.TypingStatusUpdateData
	for {
		require.NoError(t, json.Unmarshal(readUntil(t, seller, ws.MessageTypeTypingStatus), &typing))
		if len(typing.TypingUsers) > 0 {
			break
		}
	}
	assert.Equal(t, "c1", typing.TypingUsers[0].UserID)

	customer.Close()
	require.NoError(t, json.Unmarshal(readUntil(t, seller, ws.MessageTypeTypingStatus), &typing))
	assert.Empty(t, typing.TypingUsers)
	assert.Eventually(t, func() bool { return env.server.WSManager.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.HandshakeRate = 0.001
		cfg.HandshakeBurst = 1
	})

	env.dial(t, identityParams("u1", "", ""))

	_, resp, err := env.dialRaw(identityParams("u2", "", ""))
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, identityParams("c1", "", ""))
	readUntil(t, conn, ws.MessageTypeConnectionEstablished)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.server.Echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var status handler.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, 1, status.Connections)
	require.Len(t, status.ConnectedUsers, 1)
	assert.Equal(t, "c1", status.ConnectedUsers[0].UserID)
	assert.Equal(t, 0, status.TotalConversations)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := httptest.NewRecorder()
	env.server.Echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "marketchat_connections_current")
}
