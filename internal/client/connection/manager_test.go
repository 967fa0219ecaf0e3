package connection

import (
	"context"
	"encoding/json"
	"io"
	"net"
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

	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// chatServer is a minimal peer that records handshakes and received frames.
type chatServer struct {
	*httptest.Server
	mutex      sync.Mutex
	handshakes []url.Values
	conns      chan *websocket.Conn
	received   chan string
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	s := &chatServer{
		conns:    make(chan *websocket.Conn, 16),
		received: make(chan string, 64),
	}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		s.handshakes = append(s.handshakes, r.URL.Query())
		s.mutex.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame ws.InboundMessage
			if json.Unmarshal(data, &frame) == nil {
				s.received <- frame.Type
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/"
}

func (s *chatServer) handshakeCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.handshakes)
}

func (s *chatServer) lastHandshake() url.Values {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.handshakes[len(s.handshakes)-1]
}

func (s *chatServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no connection reached the server")
		return nil
	}
}

func (s *chatServer) nextFrame(t *testing.T) string {
	t.Helper()
	select {
	case frameType := <-s.received:
		return frameType
	case <-time.After(3 * time.Second):
		t.Fatal("no frame reached the server")
		return ""
	}
}

// recorder collects events of the given types in emission order.
type recorder struct {
	mutex  sync.Mutex
	events []Event
	signal chan Event
}

func record(m *Manager, types ...string) *recorder {
	r := &recorder{signal: make(chan Event, 64)}
	for _, eventType := range types {
		m.Subscribe(eventType, func(e Event) {
			r.mutex.Lock()
			r.events = append(r.events, e)
			r.mutex.Unlock()
			r.signal <- e
		})
	}
	return r
}

func (r *recorder) waitFor(t *testing.T, eventType string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-r.signal:
			if e.Type == eventType {
				return e
			}
		case <-timeout:
			t.Fatalf("event %s not emitted", eventType)
			return Event{}
		}
	}
}

func (r *recorder) states() []State {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	states := make([]State, 0)
	for _, e := range r.events {
		if change, ok := e.Data.(StateChange); ok {
			states = append(states, change.To)
		}
	}
	return states
}

func newTestManager(url string) *Manager {
	return New(Config{
		URL:                url,
		UserID:             "c1",
		UserRole:           "customer",
		UserName:           "Carol",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ConnectTimeout:     time.Second,
	})
}

func TestConnectSendsIdentity(t *testing.T) {
	server := newChatServer(t)
	m := newTestManager(server.wsURL())
	events := record(m, EventStateChange, EventConnected)

	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Disconnect)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, []State{StateConnecting, StateConnected}, events.states())

	query := server.lastHandshake()
	assert.Equal(t, "c1", query.Get("userId"))
	assert.Equal(t, "customer", query.Get("userRole"))
	assert.Equal(t, "Carol", query.Get("userName"))
	assert.Empty(t, query.Get("authToken"))
}

func TestQueuedFramesFlushInOrder(t *testing.T) {
	server := newChatServer(t)
	m := newTestManager(server.wsURL())

	require.NoError(t, m.Send(ws.MessageTypeGetConversations, nil))
	require.NoError(t, m.Send(ws.MessageTypePing, nil))
	require.NoError(t, m.Send(ws.MessageTypeGetMessages, map[string]string{"conversationId": "conv_a_b"}))
	assert.Equal(t, 3, m.QueueLength())

	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Disconnect)

	assert.Equal(t, ws.MessageTypeGetConversations, server.nextFrame(t))
	assert.Equal(t, ws.MessageTypePing, server.nextFrame(t))
	assert.Equal(t, ws.MessageTypeGetMessages, server.nextFrame(t))
	assert.Equal(t, 0, m.QueueLength())

	require.NoError(t, m.Send(ws.MessageTypeTypingStatus, map[string]interface{}{"conversationId": "conv_a_b", "isTyping": true}))
	assert.Equal(t, ws.MessageTypeTypingStatus, server.nextFrame(t))
}

func TestQueueBoundDropsOldest(t *testing.T) {
	m := New(Config{URL: "ws://127.0.0.1:1/", UserID: "c1", MaxQueueSize: 2})

	require.NoError(t, m.Send("a", nil))
	require.NoError(t, m.Send("b", nil))
	require.NoError(t, m.Send("c", nil))

	require.Equal(t, 2, m.QueueLength())
	var first ws.InboundMessage
	require.NoError(t, json.Unmarshal(m.queue[0], &first))
	assert.Equal(t, "b", first.Type)
}

func TestServerFramesAreEmittedByType(t *testing.T) {
	server := newChatServer(t)
	m := newTestManager(server.wsURL())
	events := record(m, ws.MessageTypePong)

	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Disconnect)

	conn := server.nextConn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong","data":{"timestamp":"2024-01-01T00:00:00Z"}}`)))

	event := events.waitFor(t, ws.MessageTypePong)
	var pong ws.PongData
	require.NoError(t, event.Decode(&pong))
	assert.Equal(t, 2024, pong.Timestamp.Year())
}

func TestAbnormalCloseReconnects(t *testing.T) {
	server := newChatServer(t)
	m := newTestManager(server.wsURL())
	events := record(m, EventStateChange, EventReconnecting, EventConnected, EventDisconnected)

	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Disconnect)
	events.waitFor(t, EventConnected)

	server.nextConn(t).Close()

	disconnected := events.waitFor(t, EventDisconnected)
	assert.Equal(t, websocket.CloseAbnormalClosure, disconnected.Data.(CloseInfo).Code)

	reconnecting := events.waitFor(t, EventReconnecting)
	assert.Equal(t, ReconnectInfo{Attempt: 1, Delay: 10 * time.Millisecond}, reconnecting.Data)

	events.waitFor(t, EventConnected)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 2, server.handshakeCount())

	m.mutex.Lock()
	assert.Equal(t, 0, m.attempts, "attempt counter resets after a successful reconnect")
	m.mutex.Unlock()
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	server := newChatServer(t)
	m := newTestManager(server.wsURL())
	events := record(m, EventDisconnected, EventReconnecting)

	require.NoError(t, m.Connect(context.Background()))
	conn := server.nextConn(t)
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "connection replaced"),
		time.Now().Add(time.Second)))

	disconnected := events.waitFor(t, EventDisconnected)
	assert.Equal(t, CloseInfo{Code: websocket.CloseNormalClosure, Reason: "connection replaced"}, disconnected.Data)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, server.handshakeCount())
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	server := newChatServer(t)
	target := server.wsURL()
	server.Close()

	m := New(Config{
		URL:                target,
		UserID:             "c1",
		ReconnectBaseDelay: 5 * time.Millisecond,
		ConnectTimeout:     time.Second,
	})
	events := record(m, EventReconnecting, EventReconnectFailed)

	assert.Error(t, m.Connect(context.Background()))

	failed := events.waitFor(t, EventReconnectFailed)
	assert.Equal(t, DefaultMaxReconnectAttempts, failed.Data)
	assert.Equal(t, 5, failed.Data)
	assert.Equal(t, StateDisconnected, m.State())

	events.mutex.Lock()
	defer events.mutex.Unlock()
	attempts := make([]int, 0)
	delays := make([]time.Duration, 0)
	for _, e := range events.events {
		if info, ok := e.Data.(ReconnectInfo); ok {
			attempts = append(attempts, info.Attempt)
			delays = append(delays, info.Delay)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	assert.Equal(t, []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
	}, delays)
}

func TestConnectTimesOutOnSilentServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	// Accept TCP connections but never answer the WebSocket handshake.
	accepted := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		for {
			select {
			case conn := <-accepted:
				conn.Close()
			default:
				return
			}
		}
	})

	m := New(Config{
		URL:                "ws://" + listener.Addr().String() + "/",
		UserID:             "c1",
		ConnectTimeout:     200 * time.Millisecond,
		ReconnectBaseDelay: time.Hour,
	})
	t.Cleanup(m.Disconnect)
	events := record(m, EventError, EventReconnecting)

	start := time.Now()
	err = m.Connect(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	events.waitFor(t, EventError)
	reconnecting := events.waitFor(t, EventReconnecting)
	assert.Equal(t, 1, reconnecting.Data.(ReconnectInfo).Attempt)
	assert.Equal(t, StateReconnecting, m.State())
}

func queuedTypes(t *testing.T, m *Manager) []string {
	t.Helper()
	m.mutex.Lock()
	defer m.mutex.Unlock()

	types := make([]string, 0, len(m.queue))
	for _, frame := range m.queue {
		var msg ws.InboundMessage
		require.NoError(t, json.Unmarshal(frame, &msg))
		types = append(types, msg.Type)
	}
	return types
}

func TestFlushFailureRequeuesAtFront(t *testing.T) {
	server := newChatServer(t)
	m := newTestManager(server.wsURL())
	events := record(m, EventError)

	require.NoError(t, m.Send(ws.MessageTypeGetConversations, nil))
	require.NoError(t, m.Send(ws.MessageTypePing, nil))
	require.NoError(t, m.Send(ws.MessageTypeGetMessages, map[string]string{"conversationId": "conv_a_b"}))

	// Install a socket whose peer and local side are both gone, so the first
	// write of the flush fails.
	broken, _, err := websocket.DefaultDialer.Dial(server.wsURL(), nil)
	require.NoError(t, err)
	server.nextConn(t).Close()
	broken.Close()

	m.mutex.Lock()
	m.conn = broken
	m.state = StateConnected
	m.mutex.Unlock()

	m.flushQueue()

	events.waitFor(t, EventError)
	assert.Equal(t, []string{ws.MessageTypeGetConversations, ws.MessageTypePing, ws.MessageTypeGetMessages}, queuedTypes(t, m))

	m.mutex.Lock()
	assert.False(t, m.flushing)
	m.conn = nil
	m.state = StateDisconnected
	m.mutex.Unlock()

	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Disconnect)

	assert.Equal(t, ws.MessageTypeGetConversations, server.nextFrame(t))
	assert.Equal(t, ws.MessageTypePing, server.nextFrame(t))
	assert.Equal(t, ws.MessageTypeGetMessages, server.nextFrame(t))
	assert.Equal(t, 0, m.QueueLength())
}

func TestConcurrentConnectWaitsForDialInFlight(t *testing.T) {
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	m := New(Config{URL: "ws" + strings.TrimPrefix(server.URL, "http") + "/", UserID: "c1"})
	t.Cleanup(m.Disconnect)

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background()) }()
	select {
	case <-arrived:
	case <-time.After(3 * time.Second):
		close(release)
		t.Fatal("handshake never reached the server")
	}

	second := make(chan error, 1)
	go func() { second <- m.Connect(context.Background()) }()
	select {
	case err := <-second:
		close(release)
		t.Fatalf("second Connect returned %v while the dial was in flight", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	for _, result := range []chan error{first, second} {
		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("Connect did not return")
		}
	}

	assert.Equal(t, StateConnected, m.State())
	assert.Empty(t, arrived, "only one handshake is made")
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	server := newChatServer(t)
	m := New(Config{
		URL:                server.wsURL(),
		UserID:             "c1",
		ReconnectBaseDelay: 200 * time.Millisecond,
	})
	events := record(m, EventReconnecting)

	require.NoError(t, m.Connect(context.Background()))
	server.nextConn(t).Close()
	events.waitFor(t, EventReconnecting)

	m.Disconnect()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, server.handshakeCount())
}

func TestUpdateAuthTokenReconnectsOnlyOnChange(t *testing.T) {
	server := newChatServer(t)
	m := New(Config{
		URL:       server.wsURL(),
		UserID:    "s1",
		UserRole:  "seller",
		AuthToken: "old",
	})

	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(m.Disconnect)
	assert.Equal(t, "old", server.lastHandshake().Get("authToken"))

	require.NoError(t, m.UpdateAuthToken(context.Background(), "old"))
	assert.Equal(t, 1, server.handshakeCount())

	require.NoError(t, m.UpdateAuthToken(context.Background(), "new"))
	assert.Equal(t, 2, server.handshakeCount())
	assert.Equal(t, "new", server.lastHandshake().Get("authToken"))
	assert.Equal(t, StateConnected, m.State())
}
