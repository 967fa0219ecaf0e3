package websocket

import (
	"bytes"
	"encoding/json"
	"time"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
	"marketchat/pkg/validation"
)

// Inbound frame types
const (
	MessageTypePing                 = "ping"
	MessageTypeSendMessage          = "send_message"
	MessageTypeGetConversations     = "get_conversations"
	MessageTypeGetMessages          = "get_messages"
	MessageTypeTypingStatus         = "typing_status"
	MessageTypeMarkMessageDelivered = "mark_message_delivered"
)

// Outbound frame types
const (
	MessageTypePong                  = "pong"
	MessageTypeConnectionEstablished = "connection_established"
	MessageTypeConnectionReplaced    = "connection_replaced"
	MessageTypeConversationsList     = "conversations_list"
	MessageTypeConversationMessages  = "conversation_messages"
	MessageTypeNewMessage            = "new_message"
	MessageTypeMessageSent           = "message_sent"
	MessageTypeMessageStatusUpdate   = "message_status_update"
	MessageTypeError                 = "error"
)

// WSMessage is the envelope of every frame sent by the server.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// InboundMessage is an envelope whose payload has not been decoded yet.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads

type SendMessageData struct {
	RecipientID   entity.ExternalID `json:"recipientId"`
	Message       string            `json:"message" validate:"notblank,max=5000"`
	ProductID     entity.ExternalID `json:"productId,omitempty"`
	ProductName   string            `json:"productName,omitempty"`
	RecipientName string            `json:"recipientName,omitempty"`
}

type GetConversationsData struct{}

type GetMessagesData struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type TypingStatusData struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

type MarkDeliveredData struct {
	MessageID string `json:"messageId" validate:"required"`
}

// Outbound payloads

type ConnectionEstablishedData struct {
	UserID    string      `json:"userId"`
	UserRole  entity.Role `json:"userRole"`
	UserName  string      `json:"userName"`
	Timestamp time.Time   `json:"timestamp"`
}

type ConnectionReplacedData struct {
	Message string `json:"message"`
}

type ConversationMessagesData struct {
	ConversationID string            `json:"conversationId"`
	Messages       []*entity.Message `json:"messages"`
}

type MessageStatusUpdateData struct {
	MessageID      string               `json:"messageId"`
	ConversationID string               `json:"conversationId"`
	Status         entity.MessageStatus `json:"status"`
}

type TypingStatusUpdateData struct {
	ConversationID string              `json:"conversationId"`
	TypingUsers    []entity.TypingUser `json:"typingUsers"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type PongData struct {
	Timestamp time.Time `json:"timestamp"`
}

// ParseInbound decodes the envelope of a raw frame.
func ParseInbound(raw []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errors.Protocol("Invalid message format", err)
	}
	if msg.Type == "" {
		return nil, errors.Protocol("Message type is required", nil)
	}
	return &msg, nil
}

// DecodeData unmarshals a frame payload into v and validates it.
func DecodeData(data json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return errors.Protocol("Invalid message payload", err)
	}
	return validation.Struct(v)
}

// Encode marshals an outbound frame.
func Encode(msgType string, data interface{}) ([]byte, error) {
	return json.Marshal(WSMessage{Type: msgType, Data: data})
}
