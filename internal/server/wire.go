package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/service"
	"github.com/castcue/castcue/internal/service/dispatch"
	"github.com/castcue/castcue/internal/service/links"
	"github.com/castcue/castcue/internal/service/notify"
	"github.com/castcue/castcue/internal/service/quota"
	"github.com/castcue/castcue/internal/service/sampler"
	"github.com/castcue/castcue/internal/service/template"
	"github.com/castcue/castcue/internal/service/twitch"
	"github.com/castcue/castcue/internal/service/webhook"
)

// Runtime is the fully wired application. The CLI job commands use it
// without starting the HTTP server.
type Runtime struct {
	DB         *gorm.DB
	Redis      *redis.Client
	Services   *Services
	Ledger     *quota.Ledger
	Sampler    *sampler.Sampler
	Monitoring *service.MonitoringService
	Scheduler  *service.Scheduler
}

func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	redisClient, err := service.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}
	if redisClient == nil {
		logger.Warn("Redis not configured, batch job locks disabled")
	}

	clk := clock.New()

	publishers, err := service.NewPublisherService(cfg, db, clk, logger)
	if err != nil {
		return nil, err
	}

	helix := twitch.NewClient(cfg.Twitch, &http.Client{Timeout: 10 * time.Second}, logger)

	var locker sampler.Locker
	if l := service.NewLocker(redisClient); l != nil {
		locker = l
	}
	viewerSampler := sampler.NewSampler(db, helix, locker, cfg.Sampler, clk, logger)

	ledger := quota.NewLedger(db, cfg.Quota, clk, logger)
	monitoring := service.NewMonitoringService(db, clk, logger)

	shortener, err := links.NewShortener(db, cfg.Links, logger)
	if err != nil {
		return nil, err
	}

	deps := dispatch.Deps{
		Quota:      ledger,
		Templates:  template.NewSelector(db, logger),
		Publishers: publishers.Manager(),
		Sampler:    viewerSampler,
		Gaps:       monitoring,
		Clock:      clk,
	}
	if cfg.Links.Enabled {
		deps.Links = shortener
	}
	orchestrator := dispatch.NewOrchestrator(db, cfg.Dispatch, deps, logger)

	ingestion := webhook.NewIngestion(db, cfg.Twitch.EventSubSecret, helix,
		notify.NewInAppNotifier(db, logger), clk, logger)

	scheduler, err := service.NewScheduler(&cfg.Scheduler, logger, ledger, viewerSampler)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		DB:    db,
		Redis: redisClient,
		Services: &Services{
			Auth:       service.NewAuthService(logger, cfg.Auth.JWTSecret, cfg.Auth.CronSecret),
			Dispatcher: orchestrator,
			Webhooks:   ingestion,
			Quota:      ledger,
			Links:      shortener,
			Discord:    publishers.Discord(),
			Sampler:    viewerSampler,
		},
		Ledger:     ledger,
		Sampler:    viewerSampler,
		Monitoring: monitoring,
		Scheduler:  scheduler,
	}, nil
}

func (r *Runtime) Close() error {
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			return err
		}
	}
	sqlDB, err := r.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
