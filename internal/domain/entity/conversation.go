package entity

import (
	"strings"
	"time"
)

const conversationPrefix = "conv_"

// ConversationID derives the conversation id for a pair of users and an
// optional product. The order of a and b does not matter.
func ConversationID(a, b, productID string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	var sb strings.Builder
	sb.WriteString(conversationPrefix)
	sb.WriteString(lo)
	sb.WriteString("_")
	sb.WriteString(hi)
	if productID != "" {
		sb.WriteString("_")
		sb.WriteString(productID)
	}
	return sb.String()
}

type Conversation struct {
	ID          string     `json:"id"`
	ProductID   string     `json:"productId,omitempty"`
	ProductName string     `json:"productName,omitempty"`
	Messages    []*Message `json:"messages"`
}

// HasParticipant is membership by message: userID must have sent or received
// at least one message in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, msg := range c.Messages {
		if msg.Involves(userID) {
			return true
		}
	}
	return false
}

// Participants returns every user id seen as sender or recipient, in first-seen order.
func (c *Conversation) Participants() []string {
	seen := make(map[string]struct{})
	var participants []string
	for _, msg := range c.Messages {
		for _, id := range []string{msg.SenderID, msg.RecipientID} {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			participants = append(participants, id)
		}
	}
	return participants
}

func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// UnreadFor counts messages addressed to userID that have not been read.
func (c *Conversation) UnreadFor(userID string) int {
	count := 0
	for _, msg := range c.Messages {
		if msg.RecipientID == userID && !msg.Read {
			count++
		}
	}
	return count
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	ConversationID  string    `json:"conversationId"`
	OtherUserID     string    `json:"otherUserId"`
	OtherUserName   string    `json:"otherUserName"`
	LastMessage     *Message  `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
	MessageCount    int       `json:"messageCount"`
	ProductID       string    `json:"productId,omitempty"`
	ProductName     string    `json:"productName,omitempty"`
}
