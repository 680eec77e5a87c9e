package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/service"
	"github.com/castcue/castcue/internal/service/dispatch"
	"github.com/castcue/castcue/internal/service/quota"
	"github.com/castcue/castcue/internal/service/webhook"
)

const maxWebhookBody = 1 << 20

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
	PostDraft(ctx context.Context, userID string, draftID uint, trigger dispatch.Trigger) (*dispatch.Result, error)
	SkipDraft(ctx context.Context, userID string, draftID uint) error
}

type WebhookIngestor interface {
	Handle(ctx context.Context, h http.Header, body []byte) (*webhook.Outcome, error)
}

type QuotaService interface {
	GetQuota(ctx context.Context, userID string) (*quota.Status, error)
	ResetMonthlyQuotas(ctx context.Context) (*quota.ResetReport, error)
}

type LinkResolver interface {
	Resolve(ctx context.Context, code string) (*models.Link, error)
	RecordClick(ctx context.Context, link *models.Link, referrer, userAgent string) error
}

type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, userID, webhookURL string) (*models.DiscordWebhook, error)
}

// Services are the collaborators behind the HTTP surface.
type Services struct {
	Auth       *service.AuthService
	Dispatcher Dispatcher
	Webhooks   WebhookIngestor
	Quota      QuotaService
	Links      LinkResolver
	Discord    WebhookRegistrar
	Sampler    service.BatchSampler
}

type dispatchRequest struct {
	StreamID     uint      `json:"stream_id" binding:"required"`
	Title        string    `json:"title"`
	URL          string    `json:"url" binding:"required"`
	Category     string    `json:"category"`
	ThumbnailURL string    `json:"thumbnail_url"`
	StartedAt    time.Time `json:"started_at"`
}

type dispatchResponse struct {
	Status         dispatch.Status         `json:"status"`
	Channel        models.Channel          `json:"channel"`
	PostID         string                  `json:"post_id,omitempty"`
	Error          string                  `json:"error,omitempty"`
	FallbackReason dispatch.FallbackReason `json:"fallback_reason,omitempty"`
}

func newDispatchResponse(r *dispatch.Result) dispatchResponse {
	return dispatchResponse{
		Status:         r.Status,
		Channel:        r.Channel,
		PostID:         r.PostID,
		Error:          r.Error,
		FallbackReason: r.FallbackReason,
	}
}

func (s *Server) handleTwitchWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	out, err := s.Services.Webhooks.Handle(c.Request.Context(), c.Request.Header, body)
	if err != nil {
		s.respondError(c, err)
		return
	}

	switch out.Kind {
	case webhook.OutcomeChallenge:
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(out.Challenge))
		return
	case webhook.OutcomeDraftCreated:
		if out.AutoPost {
			s.autoPost(out.UserID, out.DraftID)
		}
	}
	c.Status(http.StatusNoContent)
}

// autoPost runs PostDraft after the webhook has been acknowledged.
func (s *Server) autoPost(userID string, draftID uint) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.Config.Dispatch.AutoPostTimeout)
		defer cancel()

		logger := s.Logger.With(zap.String("user_id", userID), zap.Uint("draft_id", draftID))
		res, err := s.Services.Dispatcher.PostDraft(ctx, userID, draftID, dispatch.TriggerAuto)
		if err != nil {
			if errors.Is(err, dispatch.ErrAlreadyProcessed) {
				logger.Info("Auto-post skipped, draft already processed")
				return
			}
			logger.Error("Auto-post failed", zap.Error(err))
			return
		}
		logger.Info("Auto-post finished",
			zap.String("status", string(res.Status)),
			zap.String("channel", string(res.Channel)))
	}()
}

func (s *Server) handleRedirect(c *gin.Context) {
	link, err := s.Services.Links.Resolve(c.Request.Context(), c.Param("code"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.Services.Links.RecordClick(c.Request.Context(), link, c.Request.Referer(), c.Request.UserAgent()); err != nil {
		s.Logger.Warn("Failed to record click", zap.Uint("link_id", link.ID), zap.Error(err))
	}
	c.Redirect(http.StatusFound, link.TargetURL)
}

func (s *Server) handleGetQuota(c *gin.Context) {
	status, err := s.Services.Quota.GetQuota(c.Request.Context(), c.GetString(service.ContextUserID))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleDispatch(c *gin.Context) {
	var body dispatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.Services.Dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		UserID:       c.GetString(service.ContextUserID),
		StreamID:     body.StreamID,
		Title:        body.Title,
		URL:          body.URL,
		Category:     body.Category,
		ThumbnailURL: body.ThumbnailURL,
		StartedAt:    body.StartedAt,
		Trigger:      dispatch.TriggerAPI,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDispatchResponse(res))
}

func (s *Server) handlePostDraft(c *gin.Context) {
	id, ok := draftID(c)
	if !ok {
		return
	}

	res, err := s.Services.Dispatcher.PostDraft(c.Request.Context(), c.GetString(service.ContextUserID), id, dispatch.TriggerManual)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDispatchResponse(res))
}

func (s *Server) handleSkipDraft(c *gin.Context) {
	id, ok := draftID(c)
	if !ok {
		return
	}

	if err := s.Services.Dispatcher.SkipDraft(c.Request.Context(), c.GetString(service.ContextUserID), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.DraftStatusSkipped})
}

func (s *Server) handleRegisterDiscord(c *gin.Context) {
	var body struct {
		WebhookURL string `json:"webhook_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hook, err := s.Services.Discord.RegisterWebhook(c.Request.Context(), c.GetString(service.ContextUserID), body.WebhookURL)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, hook)
}

func (s *Server) handleQuotaReset(c *gin.Context) {
	report, err := s.Services.Quota.ResetMonthlyQuotas(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleSampleViewers(c *gin.Context) {
	report, err := s.Services.Sampler.SampleAll(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func draftID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid draft id"})
		return 0, false
	}
	return uint(id), true
}
