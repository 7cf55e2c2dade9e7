package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-swapchat/internal/database"
	"github.com/npezzotti/go-swapchat/internal/stats"
	"github.com/npezzotti/go-swapchat/internal/testutil"
	"github.com/npezzotti/go-swapchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{} // Pre-fill the send channel to simulate a full channel
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		Id:        1,
		Event:     EventOperationFailed,
		Timestamp: Now(),
		Data: OperationFailed{
			Operation:    EventSendMessage,
			ResponseCode: http.StatusForbidden,
			Error:        "conversation not joined",
		},
	}

	expected := `{"id":1,"event":"operation_failed","timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","data":{"operation":"send_message","response_code":403,"error":"conversation not joined"}}`

	c := &Client{}
	bytes, err := c.serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.JSONEq(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	c.stopClient() // second stop must not panic

	select {
	case <-c.stop:
		// Channel is closed as expected
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_addConversation_delConversation_getConversation(t *testing.T) {
	c := &Client{conversations: make(map[string]*Conversation)}
	conv := &Conversation{id: "c1"}

	c.addConversation(conv)
	assert.Equal(t, conv, c.getConversation("c1"), "expected conversation to be tracked")
	assert.Nil(t, c.getConversation("c2"), "expected unknown conversation to be nil")

	c.delConversation("c1")
	assert.Nil(t, c.getConversation("c1"), "expected conversation to be removed")
}

func Test_leaveAllConversations(t *testing.T) {
	c := &Client{
		user:          types.User{Id: "u1"},
		conversations: make(map[string]*Conversation),
		log:           testutil.TestLogger(t),
	}

	conv1 := &Conversation{id: "c1", leaveChan: make(chan *ClientMessage, 1)}
	conv2 := &Conversation{id: "c2", leaveChan: make(chan *ClientMessage, 1)}
	c.addConversation(conv1)
	c.addConversation(conv2)

	c.leaveAllConversations()

	for _, conv := range []*Conversation{conv1, conv2} {
		select {
		case msg := <-conv.leaveChan:
			assert.Equal(t, conv.id, msg.Leave.ConversationId)
			assert.Equal(t, "u1", msg.UserId)
			assert.Equal(t, c, msg.client)
		default:
			t.Errorf("expected leave message for conversation %q", conv.id)
		}
	}
}

func Test_handleFrame(t *testing.T) {
	tcases := []struct {
		name         string
		raw          string
		expectedCode int
		expectedOp   string
	}{
		{
			name:         "malformed json",
			raw:          `{"event":`,
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "unknown event",
			raw:          `{"id":1,"event":"shout","data":{"conversation_id":"c1"}}`,
			expectedCode: http.StatusBadRequest,
			expectedOp:   "shout",
		},
		{
			name:         "missing data",
			raw:          `{"id":2,"event":"send_message"}`,
			expectedCode: http.StatusBadRequest,
			expectedOp:   EventSendMessage,
		},
		{
			name:         "missing conversation id",
			raw:          `{"id":3,"event":"mark_as_read","data":{}}`,
			expectedCode: http.StatusBadRequest,
			expectedOp:   EventMarkAsRead,
		},
		{
			name:         "wrong payload type",
			raw:          `{"id":4,"event":"send_message","data":{"conversation_id":7}}`,
			expectedCode: http.StatusBadRequest,
			expectedOp:   EventSendMessage,
		},
		{
			name:         "operation before join",
			raw:          `{"id":5,"event":"send_message","data":{"conversation_id":"c1","text":"hi"}}`,
			expectedCode: http.StatusForbidden,
			expectedOp:   EventSendMessage,
		},
		{
			name:         "leave before join",
			raw:          `{"id":6,"event":"leave_conversation","data":{"conversation_id":"c1"}}`,
			expectedCode: http.StatusForbidden,
			expectedOp:   EventLeaveConversation,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			su := &stats.MockStatsUpdater{}
			su.On("RegisterGauge", mock.Anything, mock.Anything).Return()
			su.On("RegisterCounter", mock.Anything, mock.Anything).Return()
			su.On("Incr", stats.OperationsFailed).Once()
			defer su.AssertExpectations(t)

			cs := newTestChatServer(t, database.NewMemoryChatRepository(), su)
			c := NewClient(types.User{Id: "u1"}, nil, cs, cs.log)

			c.handleFrame([]byte(tc.raw))

			msg := expectEvent(t, c, EventOperationFailed)
			failed := decodeData[OperationFailed](t, msg)
			assert.Equal(t, tc.expectedCode, failed.ResponseCode)
			assert.Equal(t, tc.expectedOp, failed.Operation)
		})
	}
}

func Test_handleFrame_rateLimited(t *testing.T) {
	cs := newTestChatServerWithOptions(t, database.NewMemoryChatRepository(), stats.NoopStats{}, Options{
		ClientRateLimit: 0.001,
		ClientBurst:     1,
	})
	c := NewClient(types.User{Id: "u1"}, nil, cs, cs.log)

	raw := `{"id":1,"event":"mark_as_read","data":{"conversation_id":"c1"}}`
	c.handleFrame([]byte(raw))
	first := decodeData[OperationFailed](t, expectEvent(t, c, EventOperationFailed))
	assert.Equal(t, http.StatusForbidden, first.ResponseCode, "expected first frame to pass the limiter")

	c.handleFrame([]byte(raw))
	second := decodeData[OperationFailed](t, expectEvent(t, c, EventOperationFailed))
	assert.Equal(t, http.StatusTooManyRequests, second.ResponseCode)
}

func Test_joinConversation_joinChanFull(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryChatRepository(), stats.NoopStats{})
	cs.joinChan = make(chan *ClientMessage, 1)
	cs.joinChan <- &ClientMessage{}

	c := NewClient(types.User{Id: "u1"}, nil, cs, cs.log)
	c.handleFrame(frame(t, 9, EventJoinConversation, ConversationRef{ConversationId: "c1"}))

	msg := expectEvent(t, c, EventOperationFailed)
	assert.Equal(t, 9, msg.Id)
	assert.Equal(t, http.StatusServiceUnavailable, decodeData[OperationFailed](t, msg).ResponseCode)
}

func Test_joinConversation_waitsForOutcome(t *testing.T) {
	cs := newTestChatServer(t, database.NewMemoryChatRepository(), stats.NoopStats{})
	c := NewClient(types.User{Id: "u1"}, nil, cs, cs.log)

	raw := frame(t, 1, EventJoinConversation, ConversationRef{ConversationId: "c1"})
	returned := make(chan struct{})
	go func() {
		c.handleFrame(raw)
		close(returned)
	}()

	var join *ClientMessage
	select {
	case join = <-cs.joinChan:
	case <-time.After(time.Second):
		t.Fatal("expected join to be handed to the chat server")
	}

	select {
	case <-returned:
		t.Fatal("expected reader to wait for the join outcome")
	case <-time.After(50 * time.Millisecond):
	}

	join.finish()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("expected reader to resume after the join was handled")
	}
}

func TestParseClientMessage(t *testing.T) {
	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(`{"id":3,"event":"edit_message","data":{"message_id":"m1","new_text":"hey","conversation_id":"c1"}}`), &msg))
	require.NoError(t, msg.parse())

	assert.Equal(t, 3, msg.Id)
	require.NotNil(t, msg.Edit)
	assert.Equal(t, "m1", msg.Edit.MessageId)
	assert.Equal(t, "hey", msg.Edit.NewText)
	assert.Equal(t, "c1", msg.ConversationId())
}
