package chatstate

import (
	"sync"

	"marketchat/internal/client/connection"
	"marketchat/internal/domain/entity"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/logger"
)

// Transport is the part of connection.Manager the store depends on.
type Transport interface {
	Subscribe(eventType string, fn connection.Listener) func()
	Send(msgType string, data interface{}) error
	State() connection.State
	UserID() string
}

// Snapshot is a point-in-time copy of the chat state a UI renders.
type Snapshot struct {
	ConnectionState    connection.State
	User               *ws.ConnectionEstablishedData
	Conversations      []entity.ConversationSummary
	Messages           map[string][]*entity.Message
	TypingUsers        map[string][]entity.TypingUser
	ActiveConversation string
	LastError          *ws.ErrorData
	TotalUnread        int
}

type SendInput struct {
	RecipientID   string
	RecipientName string
	Text          string
	ProductID     string
	ProductName   string
}

// Store keeps chat state in sync with server frames and exposes chat actions.
type Store struct {
	transport   Transport
	unsubscribe []func()
	changes     chan struct{}

	mutex sync.RWMutex
	state Snapshot
}

func New(transport Transport) *Store {
	s := &Store{
		transport: transport,
		changes:   make(chan struct{}, 1),
		state: Snapshot{
			ConnectionState: transport.State(),
			Messages:        make(map[string][]*entity.Message),
			TypingUsers:     make(map[string][]entity.TypingUser),
		},
	}

	handlers := map[string]connection.Listener{
		connection.EventStateChange:         s.onStateChange,
		ws.MessageTypeConnectionEstablished: s.onConnectionEstablished,
		ws.MessageTypeConnectionReplaced:    s.onConnectionReplaced,
		ws.MessageTypeConversationsList:     s.onConversationsList,
		ws.MessageTypeConversationMessages:  s.onConversationMessages,
		ws.MessageTypeNewMessage:            s.onNewMessage,
		ws.MessageTypeMessageSent:           s.onMessageSent,
		ws.MessageTypeMessageStatusUpdate:   s.onStatusUpdate,
		ws.MessageTypeTypingStatus:          s.onTypingStatus,
		ws.MessageTypeError:                 s.onError,
	}
	for eventType, fn := range handlers {
		s.unsubscribe = append(s.unsubscribe, transport.Subscribe(eventType, fn))
	}
	return s
}

// Close detaches the store from the transport.
func (s *Store) Close() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
}

// Changes signals that the state changed. Signals coalesce; read Snapshot after each.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) Snapshot() Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	snapshot := s.state
	snapshot.Conversations = append([]entity.ConversationSummary(nil), s.state.Conversations...)
	snapshot.Messages = make(map[string][]*entity.Message, len(s.state.Messages))
	for conversationID, messages := range s.state.Messages {
		copied := make([]*entity.Message, len(messages))
		for i, msg := range messages {
			m := *msg
			copied[i] = &m
		}
		snapshot.Messages[conversationID] = copied
	}
	snapshot.TypingUsers = make(map[string][]entity.TypingUser, len(s.state.TypingUsers))
	for conversationID, users := range s.state.TypingUsers {
		snapshot.TypingUsers[conversationID] = append([]entity.TypingUser(nil), users...)
	}
	return snapshot
}

func (s *Store) SendMessage(input SendInput) error {
	return s.transport.Send(ws.MessageTypeSendMessage, ws.SendMessageData{
		RecipientID:   entity.ExternalID(input.RecipientID),
		RecipientName: input.RecipientName,
		Message:       input.Text,
		ProductID:     entity.ExternalID(input.ProductID),
		ProductName:   input.ProductName,
	})
}

// OpenConversation marks a conversation active and requests its history.
func (s *Store) OpenConversation(conversationID string) error {
	s.update(func(state *Snapshot) {
		state.ActiveConversation = conversationID
	})
	return s.transport.Send(ws.MessageTypeGetMessages, ws.GetMessagesData{ConversationID: conversationID})
}

func (s *Store) RefreshConversations() error {
	return s.transport.Send(ws.MessageTypeGetConversations, ws.GetConversationsData{})
}

func (s *Store) SetTyping(conversationID string, isTyping bool) error {
	return s.transport.Send(ws.MessageTypeTypingStatus, ws.TypingStatusData{
		ConversationID: conversationID,
		IsTyping:       isTyping,
	})
}

func (s *Store) AcknowledgeDelivery(messageID string) error {
	return s.transport.Send(ws.MessageTypeMarkMessageDelivered, ws.MarkDeliveredData{MessageID: messageID})
}

func (s *Store) update(fn func(state *Snapshot)) {
	s.mutex.Lock()
	fn(&s.state)
	s.mutex.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Store) onStateChange(e connection.Event) {
	change, ok := e.Data.(connection.StateChange)
	if !ok {
		return
	}
	s.update(func(state *Snapshot) {
		state.ConnectionState = change.To
	})
}

func (s *Store) onConnectionEstablished(e connection.Event) {
	var data ws.ConnectionEstablishedData
	if !decode(e, &data) {
		return
	}
	s.update(func(state *Snapshot) {
		state.User = &data
		state.LastError = nil
	})
}

func (s *Store) onConnectionReplaced(e connection.Event) {
	var data ws.ConnectionReplacedData
	if !decode(e, &data) {
		return
	}
	s.update(func(state *Snapshot) {
		state.LastError = &ws.ErrorData{Message: data.Message, Code: ws.MessageTypeConnectionReplaced}
	})
}

func (s *Store) onConversationsList(e connection.Event) {
	var summaries []entity.ConversationSummary
	if !decode(e, &summaries) {
		return
	}
	s.update(func(state *Snapshot) {
		state.Conversations = summaries
		state.TotalUnread = 0
		for _, summary := range summaries {
			state.TotalUnread += summary.UnreadCount
		}
	})
}

func (s *Store) onConversationMessages(e connection.Event) {
	var data ws.ConversationMessagesData
	if !decode(e, &data) {
		return
	}
	s.update(func(state *Snapshot) {
		state.Messages[data.ConversationID] = data.Messages
	})
}

// onNewMessage stores an incoming message and acknowledges delivery when it
// is addressed to this user.
func (s *Store) onNewMessage(e connection.Event) {
	var msg entity.Message
	if !decode(e, &msg) {
		return
	}
	s.update(func(state *Snapshot) {
		appendMessage(state, &msg)
	})

	if msg.RecipientID == s.transport.UserID() {
		if err := s.AcknowledgeDelivery(msg.ID); err != nil {
			logger.Warn("ChatState: Failed to acknowledge %s: %v", msg.ID, err)
		}
	}
}

func (s *Store) onMessageSent(e connection.Event) {
	var msg entity.Message
	if !decode(e, &msg) {
		return
	}
	s.update(func(state *Snapshot) {
		appendMessage(state, &msg)
	})
}

func (s *Store) onStatusUpdate(e connection.Event) {
	var data ws.MessageStatusUpdateData
	if !decode(e, &data) {
		return
	}
	s.update(func(state *Snapshot) {
		for _, msg := range state.Messages[data.ConversationID] {
			if msg.ID == data.MessageID {
				msg.Advance(data.Status)
				return
			}
		}
	})
}

func (s *Store) onTypingStatus(e connection.Event) {
	var data ws.TypingStatusUpdateData
	if !decode(e, &data) {
		return
	}
	s.update(func(state *Snapshot) {
		if len(data.TypingUsers) == 0 {
			delete(state.TypingUsers, data.ConversationID)
			return
		}
		state.TypingUsers[data.ConversationID] = data.TypingUsers
	})
}

func (s *Store) onError(e connection.Event) {
	var data ws.ErrorData
	if !decode(e, &data) {
		return
	}
	s.update(func(state *Snapshot) {
		state.LastError = &data
	})
}

// appendMessage adds msg to its conversation unless it is already there.
func appendMessage(state *Snapshot, msg *entity.Message) {
	for _, existing := range state.Messages[msg.ConversationID] {
		if existing.ID == msg.ID {
			return
		}
	}
	state.Messages[msg.ConversationID] = append(state.Messages[msg.ConversationID], msg)
}

func decode(e connection.Event, v interface{}) bool {
	if err := e.Decode(v); err != nil {
		logger.Warn("ChatState: Dropping malformed %s frame: %v", e.Type, err)
		return false
	}
	return true
}
