package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/service/quota"
	"github.com/castcue/castcue/internal/service/sampler"
)

type QuotaResetter interface {
	ResetMonthlyQuotas(ctx context.Context) (*quota.ResetReport, error)
}

type BatchSampler interface {
	SampleAll(ctx context.Context) (*sampler.BatchReport, error)
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

// Scheduler drives the periodic jobs in-process. Production deployments
// usually leave it disabled and call /internal/jobs from an external cron.
type Scheduler struct {
	config *config.SchedulerConfig
	logger *zap.Logger
	jobs   []job
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(cfg *config.SchedulerConfig, logger *zap.Logger, resetter QuotaResetter, batch BatchSampler) (*Scheduler, error) {
	s := &Scheduler{
		config: cfg,
		logger: logger.Named("scheduler"),
		stopCh: make(chan struct{}),
	}
	if !cfg.Enabled {
		return s, nil
	}

	sampleEvery, err := time.ParseDuration(cfg.SampleInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid sample interval %q: %w", cfg.SampleInterval, err)
	}
	resetEvery, err := time.ParseDuration(cfg.QuotaResetInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid quota reset interval %q: %w", cfg.QuotaResetInterval, err)
	}

	s.jobs = []job{
		{
			name:     "sample-viewers",
			interval: sampleEvery,
			run: func(ctx context.Context) error {
				report, err := batch.SampleAll(ctx)
				if err != nil {
					return err
				}
				s.logger.Info("Viewer sampling finished",
					zap.Int("total", report.Total),
					zap.Int("sampled", report.Sampled),
					zap.Int("ended", report.Ended),
					zap.Int("failed", report.Failed),
					zap.Bool("skipped", report.Skipped))
				return nil
			},
		},
		{
			name:     "quota-reset",
			interval: resetEvery,
			run: func(ctx context.Context) error {
				report, err := resetter.ResetMonthlyQuotas(ctx)
				if err != nil {
					return err
				}
				s.logger.Info("Quota reset finished",
					zap.Int("users_reset", report.UsersReset),
					zap.Bool("global_reset", report.GlobalReset))
				return nil
			},
		},
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info("Scheduler is disabled")
		return
	}

	for _, j := range s.jobs {
		s.logger.Info("Starting job", zap.String("job", j.name), zap.Duration("interval", j.interval))
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately
	s.runJob(ctx, j)

	for {
		select {
		case <-ticker.C:
			s.runJob(ctx, j)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled", zap.String("job", j.name))
			return
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) runJob(ctx context.Context, j job) {
	start := time.Now()
	err := j.run(ctx)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("Job failed",
			zap.String("job", j.name),
			zap.Error(err),
			zap.Duration("duration", duration))
		return
	}
	s.logger.Debug("Job completed", zap.String("job", j.name), zap.Duration("duration", duration))
}
