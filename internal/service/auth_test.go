package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthRouter(a *AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", a.AuthMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserID))
	})
	r.POST("/job", a.CronMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestValidateToken(t *testing.T) {
	a := NewAuthService(zap.NewNop(), "jwt-secret", "cron-secret")

	token, err := a.IssueToken("user-1", time.Hour)
	require.NoError(t, err)

	userID, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	t.Run("expired", func(t *testing.T) {
		token, err := a.IssueToken("user-1", -time.Minute)
		require.NoError(t, err)
		_, err = a.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewAuthService(zap.NewNop(), "other-secret", "")
		token, err := other.IssueToken("user-1", time.Hour)
		require.NoError(t, err)
		_, err = a.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidSession)
	})

	t.Run("no expiry", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"}).
			SignedString([]byte("jwt-secret"))
		require.NoError(t, err)
		_, err = a.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidSession)
	})
}

func TestAuthMiddleware(t *testing.T) {
	a := NewAuthService(zap.NewNop(), "jwt-secret", "cron-secret")
	r := newAuthRouter(a)

	token, err := a.IssueToken("user-42", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-42", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCronMiddleware(t *testing.T) {
	r := newAuthRouter(NewAuthService(zap.NewNop(), "jwt-secret", "cron-secret"))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"header", "X-Cron-Secret", "cron-secret", http.StatusNoContent},
		{"bearer", "Authorization", "Bearer cron-secret", http.StatusNoContent},
		{"wrong", "X-Cron-Secret", "nope", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/job", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCronMiddlewareRejectsWhenUnconfigured(t *testing.T) {
	r := newAuthRouter(NewAuthService(zap.NewNop(), "jwt-secret", ""))
	req := httptest.NewRequest(http.MethodPost, "/job", nil)
	req.Header.Set("X-Cron-Secret", "")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
