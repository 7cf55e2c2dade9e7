package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-swapchat/internal/database"
	"github.com/npezzotti/go-swapchat/internal/server"
	"github.com/npezzotti/go-swapchat/internal/types"
	"go.uber.org/zap"
)

type CreateConversationRequest struct {
	ParticipantIds []string      `json:"participant_ids"`
	Subject        types.Subject `json:"subject"`
}

func (s *SwapChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *SwapChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Int("status", errResp.StatusCode), zap.Error(errResp))
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// errorResponse maps errors from the chat server and the store to the
// response returned to the caller.
func errorResponse(err error) *ApiError {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, server.ErrNotParticipant):
		return NewForbiddenError()
	case errors.Is(err, server.ErrInvalidRequest):
		e := NewBadRequestError()
		e.Err = err
		return e
	case errors.Is(err, context.DeadlineExceeded):
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}

func (s *SwapChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.storeTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.writeError(w, NewServiceUnavailableError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *SwapChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError(""))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.storeTimeout)
	defer cancel()

	convs, err := s.db.ListConversations(ctx, user.Id)
	if err != nil {
		s.writeError(w, errorResponse(err))
		return
	}

	if convs == nil {
		convs = []types.Conversation{}
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *SwapChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError(""))
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, created, err := s.cs.CreateConversation(r.Context(), user.Id, req.ParticipantIds, req.Subject)
	if err != nil {
		s.writeError(w, errorResponse(err))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	s.writeJson(w, status, conv)
}

func (s *SwapChatApp) deleteConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError(""))
		return
	}

	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.cs.DeleteConversation(r.Context(), user.Id, id); err != nil {
		s.writeError(w, errorResponse(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

// getMessages returns a page of history, newest first. Older pages are
// fetched by passing the timestamp and id of the last message as before
// and before_id.
func (s *SwapChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError(""))
		return
	}

	var (
		before database.Cursor
		limit  int
		err    error
	)

	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before.Timestamp, err = time.Parse(time.RFC3339Nano, beforeStr)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
		before.Id = r.URL.Query().Get("before_id")
	} else if r.URL.Query().Has("before_id") {
		s.writeError(w, NewBadRequestError())
		return
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
	}

	id := r.PathValue("id")
	if _, err := s.cs.Authorize(r.Context(), user.Id, id); err != nil {
		s.writeError(w, errorResponse(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.storeTimeout)
	defer cancel()

	messages, err := s.db.GetMessages(ctx, id, before, limit)
	if err != nil {
		s.writeError(w, errorResponse(err))
		return
	}

	if messages == nil {
		messages = []types.Message{}
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *SwapChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients do not send an origin
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *SwapChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError(""))
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", zap.String("user_id", user.Id), zap.Error(err))
		return
	}

	client := server.NewClient(user, conn, s.cs, s.log)
	if err := s.cs.RegisterClient(client); err != nil {
		s.log.Error("register client", zap.String("user_id", user.Id), zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "service unavailable"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
