package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/adapters/signal"
	"github.com/dkeye/voicerooms/internal/domain"
)

const (
	TokenCookie   = "token"
	devUserKey    = "dev_uid"
	sessionCookie = "VoiceSessions"
)

var ErrNoToken = errors.New("no token")

// Claims is the identity issued by the account service.
type Claims struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token. Used by tooling and tests; production
// tokens come from the account service.
func SignToken(secret []byte, u domain.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ID:       string(u.ID),
		Email:    u.Email,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func ParseToken(secret []byte, raw string) (*domain.User, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return domain.NewUser(claims.ID, claims.Username, claims.Email)
}

func tokenFrom(c *gin.Context) (string, error) {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), nil
	}
	if t, err := c.Cookie(TokenCookie); err == nil && t != "" {
		return t, nil
	}
	return "", ErrNoToken
}

// AuthMiddleware attaches the caller's identity when one can be
// established. It never aborts; RequireUser does.
func AuthMiddleware(secret []byte, devAuth bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw, err := tokenFrom(c); err == nil && len(secret) > 0 {
			u, err := ParseToken(secret, raw)
			if err == nil {
				c.Set(signal.UserKey, u)
				c.Next()
				return
			}
			log.Debug().Err(err).Str("module", "adapters.http").Msg("token rejected")
		}
		if devAuth {
			if u := devUser(c); u != nil {
				c.Set(signal.UserKey, u)
			}
		}
		c.Next()
	}
}

// devUser keeps one generated identity per cookie session.
func devUser(c *gin.Context) *domain.User {
	sess := sessions.Default(c)
	id, _ := sess.Get(devUserKey).(string)
	if id == "" {
		id = uuid.NewString()
		sess.Set(devUserKey, id)
		if err := sess.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("dev session save")
			return nil
		}
	}
	u, err := domain.NewUser(id, "dev-"+id[:8], "")
	if err != nil {
		return nil
	}
	return u
}

func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(signal.UserKey); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Next()
	}
}
