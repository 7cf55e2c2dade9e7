package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/npezzotti/go-swapchat/internal/auth"
	"github.com/npezzotti/go-swapchat/internal/types"
	"go.uber.org/zap"
)

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// CurrentUser returns the authenticated user stored by authMiddleware.
func CurrentUser(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok && user.Id != ""
}

func (s *SwapChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error("panic", zap.String("path", r.URL.Path), zap.Error(panicError))
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *SwapChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.gate.Authenticate(auth.TokenFromRequest(r))
		if err != nil {
			s.log.Debug("authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
			errResp := NewUnauthorizedError(auth.Reason(err))
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithUser(r.Context(), user)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
