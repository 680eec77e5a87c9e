package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/service/dispatch"
	"github.com/castcue/castcue/internal/service/links"
	"github.com/castcue/castcue/internal/service/publisher"
	"github.com/castcue/castcue/internal/service/publisher/discord"
	"github.com/castcue/castcue/internal/service/webhook"
)

// statusFor maps domain errors to HTTP responses.
func statusFor(err error) (int, gin.H) {
	switch {
	case errors.Is(err, dispatch.ErrAlreadyProcessed):
		return http.StatusConflict, gin.H{"status": "already_processed"}
	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, webhook.ErrInvalidPayload),
		errors.Is(err, discord.ErrInvalidWebhookURL):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusForbidden, gin.H{"error": "invalid signature"}
	case errors.Is(err, dispatch.ErrNoChannel):
		return http.StatusForbidden, gin.H{"error": "no channel connected"}
	case errors.Is(err, dispatch.ErrDraftNotFound),
		errors.Is(err, dispatch.ErrStreamNotFound),
		errors.Is(err, links.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "not found"}
	case errors.Is(err, publisher.ErrPostFailed):
		return http.StatusBadGateway, gin.H{"error": err.Error()}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal error"}
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("Request failed",
			zap.String("route", c.FullPath()),
			zap.Error(err))
	} else {
		s.Logger.Debug("Request rejected",
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}
