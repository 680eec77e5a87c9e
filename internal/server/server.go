package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/service"
)

type Server struct {
	Config   *config.Config
	Router   *gin.Engine
	Logger   *zap.Logger
	Server   *http.Server
	Services *Services

	// Optional background loops, nil in tests
	Scheduler    *service.Scheduler
	StatsUpdater *service.StatsUpdater

	background sync.WaitGroup
}

func NewServer(cfg *config.Config, logger *zap.Logger, services *Services) *Server {
	gin.SetMode(cfg.Server.Mode)

	srv := &Server{
		Config:   cfg,
		Router:   gin.New(),
		Logger:   logger.Named("http"),
		Services: services,
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	s.Router.Use(gin.Recovery())
	s.Router.Use(requestLogger(s.Logger))
	s.Router.Use(cors())
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.Router.POST("/webhooks/twitch", s.handleTwitchWebhook)
	s.Router.GET("/l/:code", s.handleRedirect)

	api := s.Router.Group("/api/v1", s.Services.Auth.AuthMiddleware())
	{
		api.GET("/quota", s.handleGetQuota)
		api.POST("/dispatch", s.handleDispatch)

		drafts := api.Group("/drafts")
		{
			drafts.POST("/:id/post", s.handlePostDraft)
			drafts.POST("/:id/skip", s.handleSkipDraft)
		}

		api.POST("/discord/webhook", s.handleRegisterDiscord)
	}

	jobs := s.Router.Group("/internal/jobs", s.Services.Auth.CronMiddleware())
	{
		jobs.POST("/quota-reset", s.handleQuotaReset)
		jobs.POST("/sample-viewers", s.handleSampleViewers)
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s.Scheduler != nil {
		s.Scheduler.Start(ctx)
	}
	if s.StatsUpdater != nil {
		s.StatsUpdater.Start(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	if s.StatsUpdater != nil {
		s.StatsUpdater.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var err error
	if s.Server != nil {
		err = s.Server.Shutdown(shutdownCtx)
	}

	// Let in-flight auto-posts finish
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.Logger.Warn("Background auto-posts still running at shutdown")
	}

	return err
}
