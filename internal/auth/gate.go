package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-swapchat/internal/types"
)

const (
	idClaim     = "id"
	nameClaim   = "name"
	avatarClaim = "avatar"
	expClaim    = "exp"

	tokenCookieKey = "token"
	tokenQueryKey  = "token"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrMissingToken   = fmt.Errorf("%w: token missing", ErrAuthentication)
	ErrInvalidToken   = fmt.Errorf("%w: invalid token", ErrAuthentication)
	ErrTokenExpired   = fmt.Errorf("%w: token expired", ErrAuthentication)
)

// Reason codes surfaced to clients when a connection is refused.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonTokenExpired = "token_expired"
)

// Gate verifies the bearer credential presented by a client and turns it
// into the user it identifies.
type Gate struct {
	signingKey []byte
}

func NewGate(signingKey []byte) *Gate {
	return &Gate{signingKey: signingKey}
}

func (g *Gate) Authenticate(tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, ErrMissingToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return g.signingKey, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return types.User{}, ErrTokenExpired
		}
		return types.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return types.User{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("%w: invalid token claims", ErrInvalidToken)
	}

	id, ok := stringClaim(claims, idClaim)
	if !ok || id == "" {
		return types.User{}, fmt.Errorf("%w: invalid id claim", ErrInvalidToken)
	}

	name, _ := stringClaim(claims, nameClaim)
	avatar, _ := stringClaim(claims, avatarClaim)

	return types.User{Id: id, Name: name, Avatar: avatar}, nil
}

// IssueToken signs a token for user that expires after ttl.
func (g *Gate) IssueToken(user types.User, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		idClaim:     user.Id,
		nameClaim:   user.Name,
		avatarClaim: user.Avatar,
		expClaim:    time.Now().Add(ttl).Unix(),
	})

	return token.SignedString(g.signingKey)
}

func stringClaim(claims jwt.MapClaims, key string) (string, bool) {
	switch v := claims[key].(type) {
	case string:
		return v, true
	case float64:
		// numeric user ids issued by older clients
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// TokenFromRequest extracts the credential from the Authorization header,
// the token query parameter or the token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	if token := r.URL.Query().Get(tokenQueryKey); token != "" {
		return token
	}

	if c, err := r.Cookie(tokenCookieKey); err == nil {
		return c.Value
	}

	return ""
}

// Reason maps an authentication error to the code reported to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return ReasonMissingToken
	case errors.Is(err, ErrTokenExpired):
		return ReasonTokenExpired
	default:
		return ReasonInvalidToken
	}
}
