package entity

import "time"

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	return s.rank() > 0
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName"`
	SenderRole     Role          `json:"senderRole"`
	RecipientID    string        `json:"recipientId"`
	RecipientName  string        `json:"recipientName"`
	ProductID      string        `json:"productId,omitempty"`
	ProductName    string        `json:"productName,omitempty"`
	Text           string        `json:"message"`
	Timestamp      time.Time     `json:"timestamp"`
	Read           bool          `json:"read"`
	Status         MessageStatus `json:"status"`
}

// Advance moves the message to status if that is a step forward and reports
// whether anything changed. Read also sets the read flag.
func (m *Message) Advance(status MessageStatus) bool {
	if status.rank() <= m.Status.rank() {
		return false
	}
	m.Status = status
	if status == StatusRead {
		m.Read = true
	}
	return true
}

// Involves reports whether userID is the sender or the recipient.
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.RecipientID == userID
}

// Counterpart returns the id and display name of the other party from userID's point of view.
func (m *Message) Counterpart(userID string) (string, string) {
	if m.SenderID == userID {
		return m.RecipientID, m.RecipientName
	}
	return m.SenderID, m.SenderName
}
