package service

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ContextUserID is the gin context key holding the authenticated user id.
const ContextUserID = "user_id"

const cronHeader = "X-Cron-Secret"

var ErrInvalidSession = errors.New("invalid session token")

// AuthService trusts session tokens minted by the identity provider. It never
// issues sessions for real users; IssueToken exists for tooling and tests.
type AuthService struct {
	logger     *zap.Logger
	jwtSecret  []byte
	cronSecret string
}

func NewAuthService(logger *zap.Logger, jwtSecret, cronSecret string) *AuthService {
	return &AuthService{
		logger:     logger.Named("auth"),
		jwtSecret:  []byte(jwtSecret),
		cronSecret: cronSecret,
	}
}

// ValidateToken returns the user id carried in the token's subject.
func (a *AuthService) ValidateToken(token string) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", fmt.Errorf("%w: no secret configured", ErrInvalidSession)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

func (a *AuthService) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

// AuthMiddleware requires a bearer session token and stores the user id.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		userID, err := a.ValidateToken(token)
		if err != nil {
			a.logger.Debug("Rejected session token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid session"})
			return
		}

		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// CronMiddleware guards the job endpoints with the shared cron secret, sent as
// a bearer token or in X-Cron-Secret.
func (a *AuthService) CronMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(cronHeader)
		if got == "" {
			got = bearer(c.GetHeader("Authorization"))
		}

		if a.cronSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.cronSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		c.Next()
	}
}

func bearer(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
