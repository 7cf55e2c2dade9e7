package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/go-swapchat/internal/broker"
	"github.com/npezzotti/go-swapchat/internal/types"
)

// Events sent by clients.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMarkAsRead        = "mark_as_read"
	EventSendMessage       = "send_message"
	EventEditMessage       = "edit_message"
	EventDeleteMessage     = "delete_message"
)

// Events sent by the server.
const (
	EventWelcome             = "welcome"
	EventConversationJoined  = "conversation_joined"
	EventReceiveMessage      = "receive_message"
	EventMessageEdited       = "message_edited"
	EventMessageDeleted      = "message_deleted"
	EventMessagesRead        = "messages_read"
	EventConversationUpdated = "conversation_updated"
	EventConversationDeleted = "conversation_deleted"
	EventOperationFailed     = "operation_failed"
)

var errInvalidPayload = errors.New("invalid payload")

type ClientMessage struct {
	Id    int             `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`

	Join   *ConversationRef `json:"-"`
	Leave  *ConversationRef `json:"-"`
	Read   *ConversationRef `json:"-"`
	Send   *SendMessage     `json:"-"`
	Edit   *EditMessage     `json:"-"`
	Delete *DeleteMessage   `json:"-"`

	UserId    string    `json:"-"`
	Timestamp time.Time `json:"-"`
	client    *Client
	// done is closed once a join has been fully handled.
	done chan struct{}
}

type ConversationRef struct {
	ConversationId string `json:"conversation_id"`
}

type SendMessage struct {
	To             string `json:"to"`
	ConversationId string `json:"conversation_id"`
	Text           string `json:"text"`
}

type EditMessage struct {
	MessageId      string `json:"message_id"`
	NewText        string `json:"new_text"`
	ConversationId string `json:"conversation_id"`
}

type DeleteMessage struct {
	MessageId      string `json:"message_id"`
	ConversationId string `json:"conversation_id"`
}

// parse decodes Data according to Event. Unknown events and payloads
// missing required fields are rejected.
func (m *ClientMessage) parse() error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: missing data", errInvalidPayload)
	}

	var err error
	switch m.Event {
	case EventJoinConversation:
		m.Join, err = decodeRef(m.Data)
	case EventLeaveConversation:
		m.Leave, err = decodeRef(m.Data)
	case EventMarkAsRead:
		m.Read, err = decodeRef(m.Data)
	case EventSendMessage:
		m.Send = &SendMessage{}
		if err = json.Unmarshal(m.Data, m.Send); err == nil && m.Send.ConversationId == "" {
			err = errors.New("conversation_id is required")
		}
	case EventEditMessage:
		m.Edit = &EditMessage{}
		if err = json.Unmarshal(m.Data, m.Edit); err == nil && (m.Edit.ConversationId == "" || m.Edit.MessageId == "") {
			err = errors.New("conversation_id and message_id are required")
		}
	case EventDeleteMessage:
		m.Delete = &DeleteMessage{}
		if err = json.Unmarshal(m.Data, m.Delete); err == nil && (m.Delete.ConversationId == "" || m.Delete.MessageId == "") {
			err = errors.New("conversation_id and message_id are required")
		}
	default:
		return fmt.Errorf("%w: unknown event %q", errInvalidPayload, m.Event)
	}

	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}

	return nil
}

func decodeRef(data json.RawMessage) (*ConversationRef, error) {
	var ref ConversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, err
	}
	if ref.ConversationId == "" {
		return nil, errors.New("conversation_id is required")
	}
	return &ref, nil
}

// ConversationId returns the conversation the message refers to.
func (m *ClientMessage) ConversationId() string {
	switch {
	case m.Join != nil:
		return m.Join.ConversationId
	case m.Leave != nil:
		return m.Leave.ConversationId
	case m.Read != nil:
		return m.Read.ConversationId
	case m.Send != nil:
		return m.Send.ConversationId
	case m.Edit != nil:
		return m.Edit.ConversationId
	case m.Delete != nil:
		return m.Delete.ConversationId
	}
	return ""
}

func (m *ClientMessage) finish() {
	if m.done != nil {
		close(m.done)
	}
}

type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type ReceiveMessage struct {
	Message    types.Message `json:"message"`
	Sender     types.User    `json:"sender"`
	ReceiverId string        `json:"receiver_id"`
}

type MessageEdited struct {
	Message types.Message `json:"message"`
}

type MessageDeleted struct {
	MessageId      string `json:"message_id"`
	ConversationId string `json:"conversation_id"`
}

type MessagesRead struct {
	ConversationId string `json:"conversation_id"`
	ReaderId       string `json:"reader_id"`
}

type ConversationDeleted struct {
	ConversationId string `json:"conversation_id"`
}

type OperationFailed struct {
	Operation    string `json:"operation"`
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error"`
}

func newServerMessage(id int, event string, data any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Event:     event,
		Timestamp: Now(),
		Data:      data,
	}
}

// fromEnvelope wraps an event received from the broker. The payload is
// forwarded without being decoded.
func fromEnvelope(env *broker.Envelope) *ServerMessage {
	return &ServerMessage{
		Event:     env.Event,
		Timestamp: env.Timestamp,
		Data:      env.Data,
	}
}

func Welcome(user types.User) *ServerMessage {
	name := strings.TrimSpace(user.Name)
	if name == "" {
		name = user.Id
	}
	return newServerMessage(0, EventWelcome, fmt.Sprintf("Welcome, %s!", name))
}

func ConversationJoined(id int, conv types.Conversation) *ServerMessage {
	return newServerMessage(id, EventConversationJoined, conv)
}

func OperationFailedMessage(id int, operation string, code int, errMsg string) *ServerMessage {
	return newServerMessage(id, EventOperationFailed, OperationFailed{
		Operation:    operation,
		ResponseCode: code,
		Error:        errMsg,
	})
}

func ErrInvalidPayload(id int, operation, reason string) *ServerMessage {
	return OperationFailedMessage(id, operation, http.StatusBadRequest, reason)
}

func ErrForbidden(id int, operation, reason string) *ServerMessage {
	return OperationFailedMessage(id, operation, http.StatusForbidden, reason)
}

func ErrConversationNotFound(id int, operation string) *ServerMessage {
	return OperationFailedMessage(id, operation, http.StatusNotFound, "conversation not found")
}

func ErrMessageNotFound(id int, operation string) *ServerMessage {
	return OperationFailedMessage(id, operation, http.StatusNotFound, "message not found")
}

func ErrNotJoined(id int, operation string) *ServerMessage {
	return OperationFailedMessage(id, operation, http.StatusForbidden, "conversation not joined")
}

func ErrRateLimited(id int, operation string) *ServerMessage {
	return OperationFailedMessage(id, operation, http.StatusTooManyRequests, "rate limit exceeded")
}

func ErrInternalError(id int, operation string) *ServerMessage {
	return OperationFailedMessage(id, operation, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int, operation string) *ServerMessage {
	return OperationFailedMessage(id, operation, http.StatusServiceUnavailable, "service unavailable")
}

// Now returns the current time at the precision the store keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
