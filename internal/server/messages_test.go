package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-swapchat/internal/broker"
	"github.com/npezzotti/go-swapchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWelcome(t *testing.T) {
	msg := Welcome(types.User{Id: "u1", Name: " Alice "})
	assert.Equal(t, EventWelcome, msg.Event)
	assert.Equal(t, "Welcome, Alice!", msg.Data)

	msg = Welcome(types.User{Id: "u1"})
	assert.Equal(t, "Welcome, u1!", msg.Data, "expected id when the user has no name")
}

func TestFromEnvelope(t *testing.T) {
	env, err := broker.NewEnvelope(EventMessagesRead, MessagesRead{ConversationId: "c1", ReaderId: "u2"})
	require.NoError(t, err)

	msg := fromEnvelope(env)
	assert.Equal(t, EventMessagesRead, msg.Event)
	assert.Equal(t, env.Timestamp, msg.Timestamp)
	assert.Zero(t, msg.Id)

	b, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"messages_read","timestamp":"`+env.Timestamp.Format(time.RFC3339Nano)+`","data":{"conversation_id":"c1","reader_id":"u2"}}`, string(b))
}

func TestClientMessage_parse(t *testing.T) {
	tcases := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "join", raw: `{"event":"join_conversation","data":{"conversation_id":"c1"}}`},
		{name: "leave", raw: `{"event":"leave_conversation","data":{"conversation_id":"c1"}}`},
		{name: "read", raw: `{"event":"mark_as_read","data":{"conversation_id":"c1"}}`},
		{name: "send", raw: `{"event":"send_message","data":{"conversation_id":"c1","to":"u2","text":"hi"}}`},
		{name: "delete", raw: `{"event":"delete_message","data":{"conversation_id":"c1","message_id":"m1"}}`},
		{name: "delete without message id", raw: `{"event":"delete_message","data":{"conversation_id":"c1"}}`, wantErr: true},
		{name: "edit without conversation id", raw: `{"event":"edit_message","data":{"message_id":"m1","new_text":"x"}}`, wantErr: true},
		{name: "send without conversation id", raw: `{"event":"send_message","data":{"text":"hi"}}`, wantErr: true},
		{name: "data is not an object", raw: `{"event":"join_conversation","data":"c1"}`, wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			var msg ClientMessage
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &msg))

			err := msg.parse()
			if tc.wantErr {
				assert.True(t, errors.Is(err, errInvalidPayload), "expected invalid payload error, got %v", err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, "c1", msg.ConversationId())
		})
	}
}

func TestOperationFailedMessage(t *testing.T) {
	msg := ErrNotJoined(3, EventSendMessage)
	assert.Equal(t, 3, msg.Id)
	assert.Equal(t, EventOperationFailed, msg.Event)
	assert.Equal(t, OperationFailed{
		Operation:    EventSendMessage,
		ResponseCode: http.StatusForbidden,
		Error:        "conversation not joined",
	}, msg.Data)
}
