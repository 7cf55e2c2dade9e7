package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-swapchat/internal/database"
	"github.com/npezzotti/go-swapchat/internal/server"
	"github.com/npezzotti/go-swapchat/internal/testutil"
	"github.com/npezzotti/go-swapchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func decodeApiError(t *testing.T, rr *httptest.ResponseRecorder) ApiError {
	t.Helper()
	var apiErr ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr), "failed to decode ApiError response")
	assert.Equal(t, apiErr.StatusCode, rr.Code)
	return apiErr
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)
			mockRepo.On("Ping", mock.Anything).Return(tc.mockErr).Once()

			app := NewSwapChatApp(http.NewServeMux(), testutil.TestLogger(t), &server.ChatServer{}, mockRepo, testConfig())
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.srv.Handler.ServeHTTP(rr, req)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "expected status code to be 503")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func Test_listConversations(t *testing.T) {
	db := newSeededRepository(t)
	ctx := context.Background()
	_, _, err := db.GetOrCreateConversation(ctx, database.CreateConversationParams{
		Id:           "c2",
		Participants: []string{alice.Id, carol.Id},
		Subject:      types.Subject{Id: "i2", Title: "Lamp"},
		CreatedAt:    time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	app := newTestApp(t, db)

	t.Run("most recently updated first", func(t *testing.T) {
		rr := do(t, app, alice, http.MethodGet, "/api/conversations", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var convs []types.Conversation
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&convs))
		require.Len(t, convs, 2)
		assert.Equal(t, "c2", convs[0].Id)
		assert.Equal(t, "c1", convs[1].Id)
		assert.Equal(t, bob, convs[1].Participant(bob.Id), "expected participant details")
	})

	t.Run("only the caller's conversations", func(t *testing.T) {
		rr := do(t, app, bob, http.MethodGet, "/api/conversations", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var convs []types.Conversation
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&convs))
		require.Len(t, convs, 1)
		assert.Equal(t, "c1", convs[0].Id)
	})

	t.Run("empty list", func(t *testing.T) {
		rr := do(t, app, types.User{Id: "u9"}, http.MethodGet, "/api/conversations", "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, "[]", rr.Body.String())
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		app.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
		assert.Equal(t, http.StatusUnauthorized, decodeApiError(t, rr).StatusCode)
	})

	t.Run("store error", func(t *testing.T) {
		mockRepo := &database.MockChatRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("ListConversations", mock.Anything, alice.Id).Return(nil, errors.New("db error")).Once()

		app := NewSwapChatApp(http.NewServeMux(), testutil.TestLogger(t), &server.ChatServer{}, mockRepo, testConfig())
		rr := do(t, app, alice, http.MethodGet, "/api/conversations", "")
		assert.Equal(t, *NewInternalServerError(nil), decodeApiError(t, rr))
	})

	t.Run("store timeout", func(t *testing.T) {
		mockRepo := &database.MockChatRepository{}
		defer mockRepo.AssertExpectations(t)
		mockRepo.On("ListConversations", mock.Anything, alice.Id).
			Return(nil, fmt.Errorf("select conversations: %w", context.DeadlineExceeded)).Once()

		app := NewSwapChatApp(http.NewServeMux(), testutil.TestLogger(t), &server.ChatServer{}, mockRepo, testConfig())
		rr := do(t, app, alice, http.MethodGet, "/api/conversations", "")
		assert.Equal(t, *NewServiceUnavailableError(nil), decodeApiError(t, rr))
	})
}

func Test_createConversation(t *testing.T) {
	db := newSeededRepository(t)
	app := newTestApp(t, db)

	tcases := []struct {
		name         string
		user         types.User
		body         string
		expectedCode int
		expectedId   string
	}{
		{
			name:         "returns existing conversation",
			user:         bob,
			body:         `{"participant_ids":["u2","u1"],"subject":{"id":"i1","title":"Sofa"}}`,
			expectedCode: http.StatusOK,
			expectedId:   "c1",
		},
		{
			name:         "creates a new conversation",
			user:         carol,
			body:         `{"participant_ids":["u1","u3"],"subject":{"id":"i1","title":"Sofa"}}`,
			expectedCode: http.StatusCreated,
		},
		{
			name:         "caller not a participant",
			user:         carol,
			body:         `{"participant_ids":["u1","u2"],"subject":{"id":"i2","title":"Lamp"}}`,
			expectedCode: http.StatusForbidden,
		},
		{
			name:         "single participant",
			user:         alice,
			body:         `{"participant_ids":["u1","u1"],"subject":{"id":"i2","title":"Lamp"}}`,
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "missing subject",
			user:         alice,
			body:         `{"participant_ids":["u1","u2"]}`,
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "invalid json body",
			user:         alice,
			body:         "invalid json",
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, app, tc.user, http.MethodPost, "/api/conversations", tc.body)

			if tc.expectedCode >= http.StatusBadRequest {
				assert.Equal(t, tc.expectedCode, decodeApiError(t, rr).StatusCode)
				return
			}

			require.Equal(t, tc.expectedCode, rr.Code)
			var conv types.Conversation
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&conv))
			assert.True(t, conv.HasParticipant(tc.user.Id))
			if tc.expectedId != "" {
				assert.Equal(t, tc.expectedId, conv.Id)
			} else {
				assert.NotEmpty(t, conv.Id)
			}
		})
	}
}

func Test_deleteConversation(t *testing.T) {
	db := newSeededRepository(t)
	app := newTestApp(t, db)

	rr := do(t, app, carol, http.MethodDelete, "/api/conversations/c1", "")
	assert.Equal(t, http.StatusForbidden, decodeApiError(t, rr).StatusCode)

	rr = do(t, app, alice, http.MethodDelete, "/api/conversations/c1", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	_, err := db.GetConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	rr = do(t, app, alice, http.MethodDelete, "/api/conversations/c1", "")
	assert.Equal(t, http.StatusNotFound, decodeApiError(t, rr).StatusCode)
}

func Test_getMessages(t *testing.T) {
	db := newSeededRepository(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, content := range []string{"Hey!", "Hi there!", "Hello!"} {
		require.NoError(t, db.CreateMessage(ctx, types.Message{
			Id:             []string{"m1", "m2", "m3"}[i],
			ConversationId: "c1",
			SenderId:       alice.Id,
			Content:        content,
			ReadBy:         []string{},
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	app := newTestApp(t, db)

	tcases := []struct {
		name         string
		user         types.User
		conversation string
		query        url.Values
		expectedCode int
		expectedIds  []string
	}{
		{
			name:         "newest first with no query parameters",
			user:         bob,
			conversation: "c1",
			expectedCode: http.StatusOK,
			expectedIds:  []string{"m3", "m2", "m1"},
		},
		{
			name:         "with limit",
			user:         bob,
			conversation: "c1",
			query:        url.Values{"limit": {"2"}},
			expectedCode: http.StatusOK,
			expectedIds:  []string{"m3", "m2"},
		},
		{
			name:         "with before",
			user:         alice,
			conversation: "c1",
			query:        url.Values{"before": {base.Add(2 * time.Minute).Format(time.RFC3339)}},
			expectedCode: http.StatusOK,
			expectedIds:  []string{"m2", "m1"},
		},
		{
			name:         "invalid before",
			user:         bob,
			conversation: "c1",
			query:        url.Values{"before": {"yesterday"}},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "before_id without before",
			user:         bob,
			conversation: "c1",
			query:        url.Values{"before_id": {"m2"}},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "invalid limit",
			user:         bob,
			conversation: "c1",
			query:        url.Values{"limit": {"-1"}},
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "not a participant",
			user:         carol,
			conversation: "c1",
			expectedCode: http.StatusForbidden,
		},
		{
			name:         "unknown conversation",
			user:         bob,
			conversation: "missing",
			expectedCode: http.StatusNotFound,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/api/conversations/" + tc.conversation + "/messages"
			if tc.query != nil {
				target += "?" + tc.query.Encode()
			}

			rr := do(t, app, tc.user, http.MethodGet, target, "")
			if tc.expectedCode != http.StatusOK {
				assert.Equal(t, tc.expectedCode, decodeApiError(t, rr).StatusCode)
				return
			}

			require.Equal(t, http.StatusOK, rr.Code)
			var msgs []types.Message
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&msgs))

			ids := make([]string, len(msgs))
			for i, m := range msgs {
				ids[i] = m.Id
			}
			assert.Equal(t, tc.expectedIds, ids)
		})
	}
}

func Test_getMessagesPagesThroughTiedTimestamps(t *testing.T) {
	db := newSeededRepository(t)
	ctx := context.Background()

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.CreateMessage(ctx, types.Message{
			Id:             id,
			ConversationId: "c1",
			SenderId:       alice.Id,
			Content:        "same instant",
			ReadBy:         []string{},
			Timestamp:      ts,
		}))
	}

	app := newTestApp(t, db)

	var (
		seen  []string
		query = url.Values{"limit": {"1"}}
	)
	for i := 0; i < 5; i++ {
		rr := do(t, app, bob, http.MethodGet, "/api/conversations/c1/messages?"+query.Encode(), "")
		require.Equal(t, http.StatusOK, rr.Code)

		var page []types.Message
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&page))
		if len(page) == 0 {
			break
		}
		seen = append(seen, page[0].Id)
		query.Set("before", page[0].Timestamp.Format(time.RFC3339Nano))
		query.Set("before_id", page[0].Id)
	}

	assert.Equal(t, []string{"c", "b", "a"}, seen, "expected every message exactly once")
}

func Test_serveWs(t *testing.T) {
	db := newSeededRepository(t)
	app := newTestApp(t, db)

	srv := httptest.NewServer(app.srv.Handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("successful websocket upgrade and client registration", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token(t, alice), nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		conn.SetReadDeadline(time.Now().Add(time.Second))

		var welcome server.ServerMessage
		require.NoError(t, conn.ReadJSON(&welcome))
		assert.Equal(t, server.EventWelcome, welcome.Event)
		assert.Equal(t, "Welcome, Alice!", welcome.Data)

		require.NoError(t, conn.WriteJSON(map[string]any{
			"id":    1,
			"event": server.EventJoinConversation,
			"data":  map[string]string{"conversation_id": "c1"},
		}))

		var joined server.ServerMessage
		require.NoError(t, conn.ReadJSON(&joined))
		assert.Equal(t, server.EventConversationJoined, joined.Event)
		assert.Equal(t, 1, joined.Id)
	})

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		var apiErr ApiError
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
		assert.Equal(t, "missing_token", apiErr.Reason)
	})

	t.Run("origin not allowed", func(t *testing.T) {
		header := http.Header{}
		header.Set("Origin", "http://evil.example.com")

		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token(t, alice), header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func Test_errorResponse(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, errorResponse(database.ErrNotFound).StatusCode)
	assert.Equal(t, http.StatusForbidden, errorResponse(server.ErrNotParticipant).StatusCode)
	assert.Equal(t, http.StatusBadRequest, errorResponse(server.ErrInvalidRequest).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, errorResponse(fmt.Errorf("select: %w", context.DeadlineExceeded)).StatusCode)
	assert.Equal(t, http.StatusInternalServerError, errorResponse(errors.New("boom")).StatusCode)
}
