package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/metrics"
	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/service/twitch"
)

const lockKey = "castcue:jobs:sample-viewers"

var ErrStreamNotFound = errors.New("stream not found")

// Provider reports whether a broadcaster is live. A nil stream means offline.
type Provider interface {
	LiveStatus(ctx context.Context, broadcasterID string) (*twitch.LiveStream, error)
}

// Locker keeps overlapping batch runs from sampling twice.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type SampleResult struct {
	SampleID    uint `json:"sample_id"`
	ViewerCount int  `json:"viewer_count"`
}

type StreamFailure struct {
	StreamID uint   `json:"stream_id"`
	Error    string `json:"error"`
}

type BatchReport struct {
	Total    int             `json:"total"`
	Sampled  int             `json:"sampled"`
	Ended    int             `json:"ended"`
	Failed   int             `json:"failed"`
	Skipped  bool            `json:"skipped,omitempty"`
	Failures []StreamFailure `json:"failures,omitempty"`
}

type Sampler struct {
	db       *gorm.DB
	provider Provider
	locker   Locker
	cfg      config.SamplerConfig
	clock    clock.Clock
	logger   *zap.Logger
}

// NewSampler builds a sampler. locker may be nil.
func NewSampler(db *gorm.DB, provider Provider, locker Locker, cfg config.SamplerConfig, clk clock.Clock, logger *zap.Logger) *Sampler {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PerStreamTimeout <= 0 {
		cfg.PerStreamTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Sampler{
		db:       db,
		provider: provider,
		locker:   locker,
		cfg:      cfg,
		clock:    clk,
		logger:   logger.Named("sampler"),
	}
}

// StartSampling takes the baseline sample for a freshly announced stream.
// Ended streams are left alone.
func (s *Sampler) StartSampling(ctx context.Context, streamID uint) error {
	res, err := s.SampleViewerCount(ctx, streamID)
	if err != nil {
		return err
	}
	if res == nil {
		s.logger.Debug("Stream not live, sampling not started", zap.Uint("stream_id", streamID))
	}
	return nil
}

// SampleViewerCount records one observation. It returns nil, nil once the
// stream is over; callers stop scheduling samples for it then.
func (s *Sampler) SampleViewerCount(ctx context.Context, streamID uint) (*SampleResult, error) {
	db := s.db.WithContext(ctx)

	var stream models.Stream
	err := db.Where("id = ?", streamID).Take(&stream).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream: %w", err)
	}
	if !stream.Live() {
		return nil, nil
	}

	live, err := s.provider.LiveStatus(ctx, stream.ProviderChannelID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch live status: %w", err)
	}

	now := s.clock.Now()

	// A different stream id means the broadcaster went live again after this one ended
	if live == nil || (live.ID != "" && live.ID != stream.ProviderStreamID) {
		if _, err := MarkEnded(db, stream.ID, now); err != nil {
			return nil, err
		}
		return nil, nil
	}

	sample := &models.Sample{
		StreamID:    stream.ID,
		ViewerCount: live.ViewerCount,
		SampledAt:   now,
	}
	if err := db.Create(sample).Error; err != nil {
		return nil, fmt.Errorf("failed to insert sample: %w", err)
	}

	if err := db.Model(&models.Stream{}).
		Where("id = ? AND peak_viewers < ?", stream.ID, live.ViewerCount).
		Update("peak_viewers", live.ViewerCount).Error; err != nil {
		return nil, fmt.Errorf("failed to update peak viewers: %w", err)
	}

	return &SampleResult{SampleID: sample.ID, ViewerCount: live.ViewerCount}, nil
}

// MarkEnded records the end estimate once. It reports whether this call set it.
func MarkEnded(db *gorm.DB, streamID uint, at time.Time) (bool, error) {
	res := db.Model(&models.Stream{}).
		Where("id = ? AND ended_at_est IS NULL", streamID).
		Update("ended_at_est", at)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark stream ended: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SampleAll samples every open stream with bounded concurrency. One stream
// failing or timing out does not affect the others.
func (s *Sampler) SampleAll(ctx context.Context) (*BatchReport, error) {
	start := time.Now()
	defer func() {
		metrics.SamplerRunDuration.Observe(time.Since(start).Seconds())
	}()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sampler lock: %w", err)
		}
		if !ok {
			s.logger.Info("Another sampling run holds the lock, skipping")
			metrics.RecordSamplerStream("skipped")
			return &BatchReport{Skipped: true}, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
				s.logger.Warn("Failed to release sampler lock", zap.Error(err))
			}
		}()
	}

	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Stream{}).
		Where("ended_at_est IS NULL").
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list open streams: %w", err)
	}

	report := &BatchReport{Total: len(ids)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, s.cfg.PerStreamTimeout)
			defer cancel()

			res, err := s.SampleViewerCount(sctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Failures = append(report.Failures, StreamFailure{StreamID: id, Error: err.Error()})
				metrics.RecordSamplerStream("failed")
				s.logger.Warn("Failed to sample stream", zap.Uint("stream_id", id), zap.Error(err))
			case res == nil:
				report.Ended++
				metrics.RecordSamplerStream("ended")
			default:
				report.Sampled++
				metrics.RecordSamplerStream("sampled")
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Viewer sampling completed",
		zap.Int("total", report.Total),
		zap.Int("sampled", report.Sampled),
		zap.Int("ended", report.Ended),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(start)))

	return report, nil
}
