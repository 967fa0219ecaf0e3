package websocket

import (
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"marketchat/internal/domain/entity"
	"marketchat/internal/infrastructure/metrics"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// Manager is the connection registry: at most one live client per user id.
type Manager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]*Client),
	}
}

// Register makes client the live connection of its user and returns the
// connection it replaced, if any. The caller decides what to tell the displaced client.
func (m *Manager) Register(client *Client) *Client {
	m.mutex.Lock()
	displaced := m.clients[client.UserID()]
	m.clients[client.UserID()] = client
	count := len(m.clients)
	m.mutex.Unlock()

	metrics.ConnectionsCurrent.Set(float64(count))
	logger.Info("WebSocket: Client registered: %s (%s, role=%s)", client.UserID(), client.ID, client.Identity.Role)
	return displaced
}

// Unregister removes client only if it is still the user's live connection.
// It reports whether an entry was removed.
func (m *Manager) Unregister(client *Client) bool {
	m.mutex.Lock()
	current, ok := m.clients[client.UserID()]
	removed := ok && current == client
	if removed {
		delete(m.clients, client.UserID())
	}
	count := len(m.clients)
	m.mutex.Unlock()

	if removed {
		metrics.ConnectionsCurrent.Set(float64(count))
		logger.Info("WebSocket: Client unregistered: %s (%s)", client.UserID(), client.ID)
	}
	return removed
}

func (m *Manager) Get(userID string) (*Client, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	client, ok := m.clients[userID]
	return client, ok
}

// Lookup returns the identity of a connected user.
func (m *Manager) Lookup(userID string) (entity.Identity, bool) {
	client, ok := m.Get(userID)
	if !ok {
		return entity.Identity{}, false
	}
	return client.Identity, true
}

// ConnectedSellers lists the identities of every connected seller, ordered by user id.
func (m *Manager) ConnectedSellers() []entity.Identity {
	m.mutex.RLock()
	sellers := make([]entity.Identity, 0)
	for _, client := range m.clients {
		if client.Identity.IsSeller() {
			sellers = append(sellers, client.Identity)
		}
	}
	m.mutex.RUnlock()

	sort.Slice(sellers, func(i, j int) bool { return sellers[i].UserID < sellers[j].UserID })
	return sellers
}

func (m *Manager) ConnectedUsers() []entity.ConnectedUser {
	m.mutex.RLock()
	users := make([]entity.ConnectedUser, 0, len(m.clients))
	for _, client := range m.clients {
		users = append(users, entity.ConnectedUser{
			UserID:      client.UserID(),
			UserRole:    client.Identity.Role,
			UserName:    client.Identity.UserName,
			ConnectedAt: client.ConnectedAt,
		})
	}
	m.mutex.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

// SendToUser sends a frame to the user's live connection. It reports false
// when the user is offline.
func (m *Manager) SendToUser(userID string, msgType string, data interface{}) bool {
	client, ok := m.Get(userID)
	if !ok {
		return false
	}
	return m.SendToClient(client, msgType, data)
}

func (m *Manager) SendToClient(client *Client, msgType string, data interface{}) bool {
	message, err := Encode(msgType, data)
	if err != nil {
		logger.Error("WebSocket: Failed to marshal %s for client %s: %v", msgType, client.UserID(), err)
		return false
	}
	return client.Enqueue(message)
}

// SendError replies to one connection with an error frame.
func (m *Manager) SendError(client *Client, err error) {
	code := errors.CodeOf(err)
	metrics.FrameErrors.WithLabelValues(code).Inc()
	m.SendToClient(client, MessageTypeError, ErrorData{
		Message: errors.MessageOf(err),
		Code:    code,
	})
}

// CloseAll closes every registered connection, used on shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mutex.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mutex.RUnlock()

	for _, client := range clients {
		client.CloseWith(websocket.CloseGoingAway, reason)
	}
}
