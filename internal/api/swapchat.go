package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-swapchat/internal/auth"
	"github.com/npezzotti/go-swapchat/internal/config"
	"github.com/npezzotti/go-swapchat/internal/database"
	"github.com/npezzotti/go-swapchat/internal/server"
	"go.uber.org/zap"
)

type SwapChatApp struct {
	log            *zap.Logger
	db             database.ChatRepository
	srv            *http.Server
	cs             *server.ChatServer
	gate           *auth.Gate
	allowedOrigins []string
	storeTimeout   time.Duration
}

func NewSwapChatApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, db database.ChatRepository, cfg *config.Config) *SwapChatApp {
	s := &SwapChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		gate:           auth.NewGate(cfg.SigningKey),
		allowedOrigins: cfg.AllowedOrigins,
		storeTimeout:   cfg.StoreTimeout,
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = config.DefaultStoreTimeout
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.Handle("POST /api/conversations", s.authMiddleware(s.createConversation))
	mux.Handle("DELETE /api/conversations/{id}", s.authMiddleware(s.deleteConversation))
	mux.Handle("GET /api/conversations/{id}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *SwapChatApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *SwapChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
