package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/logger"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

const (
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 5

	writeWait = 10 * time.Second
)

// ErrDisconnected is returned by Connect when Disconnect ran while dialing.
var ErrDisconnected = errors.New("connection: disconnected while connecting")

type Config struct {
	URL       string
	UserID    string
	UserRole  string
	UserName  string
	AuthToken string

	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	// MaxQueueSize bounds the offline send queue; 0 means unbounded.
	MaxQueueSize int

	Dialer *websocket.Dialer
}

// Manager keeps one client connection to the chat server alive. It queues
// outgoing frames while offline and reconnects after abnormal closes.
type Manager struct {
	cfg     Config
	backoff func(int) time.Duration
	events  *EventBus

	mutex          sync.Mutex
	state          State
	conn           *websocket.Conn
	queue          [][]byte
	flushing       bool
	attempts       int
	reconnectTimer *time.Timer
	manualClose    bool
	pending        *connectAttempt

	writeMutex sync.Mutex
}

// connectAttempt lets concurrent Connect callers wait on the dial in flight.
type connectAttempt struct {
	done chan struct{}
	err  error
}

func (a *connectAttempt) finish(err error) {
	a.err = err
	close(a.done)
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func New(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		}
	}

	return &Manager{
		cfg: cfg,
		backoff: ExponentialBackoff(BackoffConfig{
			InitialInterval: cfg.ReconnectBaseDelay,
			Multiplier:      2,
		}),
		events: NewEventBus(),
		state:  StateDisconnected,
	}
}

func (m *Manager) Subscribe(eventType string, fn Listener) func() {
	return m.events.Subscribe(eventType, fn)
}

func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

func (m *Manager) UserID() string {
	return m.cfg.UserID
}

func (m *Manager) QueueLength() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.queue)
}

// Connect dials the server and blocks until the connection is up or the
// attempt failed. When a dial is already in flight, Connect waits for its
// outcome. A failed attempt still schedules automatic reconnects.
func (m *Manager) Connect(ctx context.Context) error {
	m.mutex.Lock()
	m.manualClose = false
	m.attempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mutex.Unlock()

	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) (err error) {
	m.mutex.Lock()
	if m.manualClose || m.state == StateConnected {
		m.mutex.Unlock()
		return nil
	}
	if m.state == StateConnecting && m.pending != nil {
		pending := m.pending
		m.mutex.Unlock()
		return pending.wait(ctx)
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	m.pending = attempt
	change := m.setStateLocked(StateConnecting)
	target, err := m.targetLocked()
	m.mutex.Unlock()

	defer func() {
		m.mutex.Lock()
		if m.pending == attempt {
			m.pending = nil
		}
		m.mutex.Unlock()
		attempt.finish(err)
	}()

	m.emitStateChange(change)

	if err != nil {
		m.fail(err)
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := m.cfg.Dialer.DialContext(dialCtx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("connect to %s: %w", m.cfg.URL, err)
		m.fail(err)
		return err
	}

	m.mutex.Lock()
	if m.manualClose {
		m.mutex.Unlock()
		conn.Close()
		return ErrDisconnected
	}
	m.conn = conn
	m.attempts = 0
	change = m.setStateLocked(StateConnected)
	m.mutex.Unlock()

	logger.Info("Connection: Connected to %s as %s", m.cfg.URL, m.cfg.UserID)
	m.emitStateChange(change)
	m.events.Emit(Event{Type: EventConnected})

	go m.readLoop(conn)
	m.flushQueue()
	return nil
}

// fail records a failed connection attempt and schedules the next one.
func (m *Manager) fail(err error) {
	logger.Warn("Connection: %v", err)

	m.mutex.Lock()
	change := m.setStateLocked(StateDisconnected)
	m.mutex.Unlock()

	m.emitStateChange(change)
	m.events.Emit(Event{Type: EventError, Data: err})
	m.scheduleReconnect()
}

func (m *Manager) targetLocked() (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", m.cfg.URL, err)
	}

	query := u.Query()
	query.Set("userId", m.cfg.UserID)
	if m.cfg.UserRole != "" {
		query.Set("userRole", m.cfg.UserRole)
	}
	if m.cfg.UserName != "" {
		query.Set("userName", m.cfg.UserName)
	}
	if m.cfg.AuthToken != "" {
		query.Set("authToken", m.cfg.AuthToken)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// scheduleReconnect arms at most one reconnect timer.
func (m *Manager) scheduleReconnect() {
	m.mutex.Lock()
	if m.manualClose || m.reconnectTimer != nil || m.state == StateConnected || m.state == StateConnecting {
		m.mutex.Unlock()
		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		attempts := m.attempts
		change := m.setStateLocked(StateDisconnected)
		m.mutex.Unlock()

		logger.Error("Connection: Giving up after %d reconnect attempts", attempts)
		m.emitStateChange(change)
		m.events.Emit(Event{Type: EventReconnectFailed, Data: attempts})
		return
	}

	m.attempts++
	info := ReconnectInfo{Attempt: m.attempts, Delay: m.backoff(m.attempts)}
	change := m.setStateLocked(StateReconnecting)
	m.reconnectTimer = time.AfterFunc(info.Delay, func() {
		m.mutex.Lock()
		m.reconnectTimer = nil
		m.mutex.Unlock()
		m.connect(context.Background())
	})
	m.mutex.Unlock()

	logger.Info("Connection: Reconnecting in %v (attempt %d/%d)", info.Delay, info.Attempt, m.cfg.MaxReconnectAttempts)
	m.emitStateChange(change)
	m.events.Emit(Event{Type: EventReconnecting, Data: info})
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, err)
			return
		}

		frame, err := ws.ParseInbound(data)
		if err != nil {
			logger.Warn("Connection: Ignoring malformed frame: %v", err)
			continue
		}
		m.events.Emit(Event{Type: frame.Type, Data: frame.Data})
	}
}

func (m *Manager) handleClose(conn *websocket.Conn, err error) {
	info := CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		info = CloseInfo{Code: closeErr.Code, Reason: closeErr.Text}
	}

	m.mutex.Lock()
	if m.conn != conn {
		m.mutex.Unlock()
		return
	}
	m.conn = nil
	change := m.setStateLocked(StateDisconnected)
	m.mutex.Unlock()
	conn.Close()

	logger.Info("Connection: Closed with code %d (%s)", info.Code, info.Reason)
	m.emitStateChange(change)
	m.events.Emit(Event{Type: EventDisconnected, Data: info})

	if info.Code != websocket.CloseNormalClosure {
		m.scheduleReconnect()
	}
}

// Disconnect closes the connection normally and cancels any pending reconnect.
// Queued frames are kept for the next Connect.
func (m *Manager) Disconnect() {
	m.mutex.Lock()
	m.manualClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.attempts = 0
	conn := m.conn
	m.conn = nil
	change := m.setStateLocked(StateDisconnected)
	m.mutex.Unlock()

	if conn != nil {
		m.writeMutex.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		m.writeMutex.Unlock()
		conn.Close()
	}

	m.emitStateChange(change)
	if conn != nil {
		m.events.Emit(Event{Type: EventDisconnected, Data: CloseInfo{Code: websocket.CloseNormalClosure, Reason: "client disconnect"}})
	}
}

// UpdateAuthToken stores a new token. A live connection is re-established
// only when the token actually changed.
func (m *Manager) UpdateAuthToken(ctx context.Context, token string) error {
	m.mutex.Lock()
	changed := m.cfg.AuthToken != token
	m.cfg.AuthToken = token
	live := m.state == StateConnected
	m.mutex.Unlock()

	if !changed || !live {
		return nil
	}

	logger.Info("Connection: Auth token changed, reconnecting")
	m.Disconnect()
	return m.Connect(ctx)
}

// Send writes a frame now when connected with nothing queued, and queues it
// otherwise. Queued frames go out in order after the next connect.
func (m *Manager) Send(msgType string, data interface{}) error {
	frame, err := ws.Encode(msgType, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	m.mutex.Lock()
	conn := m.conn
	if m.state != StateConnected || conn == nil || m.flushing || len(m.queue) > 0 {
		m.enqueueLocked(frame)
		m.mutex.Unlock()
		return nil
	}
	m.mutex.Unlock()

	if err := m.write(conn, frame); err != nil {
		logger.Warn("Connection: Send of %s failed, queued for retry: %v", msgType, err)
		m.mutex.Lock()
		m.enqueueLocked(frame)
		m.mutex.Unlock()
	}
	return nil
}

func (m *Manager) enqueueLocked(frame []byte) {
	m.queue = append(m.queue, frame)
	if m.cfg.MaxQueueSize > 0 && len(m.queue) > m.cfg.MaxQueueSize {
		logger.Warn("Connection: Send queue full (%d), dropping oldest frame", m.cfg.MaxQueueSize)
		m.queue = m.queue[1:]
	}
}

// flushQueue sends queued frames in order. A failed write puts the frame back
// at the front and stops the pass.
func (m *Manager) flushQueue() {
	m.mutex.Lock()
	if m.flushing {
		m.mutex.Unlock()
		return
	}
	m.flushing = true
	m.mutex.Unlock()

	sent := 0
	for {
		m.mutex.Lock()
		if m.state != StateConnected || m.conn == nil || len(m.queue) == 0 {
			m.flushing = false
			m.mutex.Unlock()
			break
		}
		frame := m.queue[0]
		m.queue = m.queue[1:]
		conn := m.conn
		m.mutex.Unlock()

		if err := m.write(conn, frame); err != nil {
			m.mutex.Lock()
			m.queue = append([][]byte{frame}, m.queue...)
			m.flushing = false
			remaining := len(m.queue)
			m.mutex.Unlock()

			logger.Warn("Connection: Flush stopped with %d frames queued: %v", remaining, err)
			m.events.Emit(Event{Type: EventError, Data: err})
			return
		}
		sent++
	}

	if sent > 0 {
		logger.Debug("Connection: Flushed %d queued frames", sent)
	}
}

func (m *Manager) write(conn *websocket.Conn, frame []byte) error {
	m.writeMutex.Lock()
	defer m.writeMutex.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) setStateLocked(state State) StateChange {
	change := StateChange{From: m.state, To: state}
	m.state = state
	return change
}

func (m *Manager) emitStateChange(change StateChange) {
	if change.From == change.To {
		return
	}
	m.events.Emit(Event{Type: EventStateChange, Data: change})
}
