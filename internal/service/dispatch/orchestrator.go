package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/metrics"
	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/service/links"
	"github.com/castcue/castcue/internal/service/publisher"
	"github.com/castcue/castcue/internal/service/template"
)

type Deps struct {
	Quota      QuotaLedger
	Templates  TemplateSelector
	Links      LinkShortener // nil disables click tracking
	Publishers Publishers
	Sampler    SamplingStarter
	Gaps       GapRecorder
	Clock      clock.Clock
}

// Orchestrator routes one announcement to X or Discord and records every
// attempt as a delivery.
type Orchestrator struct {
	db     *gorm.DB
	cfg    config.DispatchConfig
	deps   Deps
	logger *zap.Logger
}

func NewOrchestrator(db *gorm.DB, cfg config.DispatchConfig, deps Deps, logger *zap.Logger) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 15 * time.Second
	}
	return &Orchestrator{
		db:     db,
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("dispatch"),
	}
}

type connections struct {
	x       bool
	discord bool
}

// attempt carries what one dispatch has done so far.
type attempt struct {
	req     *Request
	tpl     *models.Template
	result  *Result
	xTried  bool
	anySent bool
	logger  *zap.Logger
}

// Dispatch announces a stream the caller owns.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var stream models.Stream
	err := o.db.WithContext(ctx).Where("id = ? AND user_id = ?", req.StreamID, req.UserID).Take(&stream).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream: %w", err)
	}
	fillFromStream(&req, &stream)

	conns, err := o.resolveConnections(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, &req, conns)
}

// PostDraft claims a pending draft and dispatches it. A draft that is no
// longer pending yields ErrAlreadyProcessed and no side effects.
func (o *Orchestrator) PostDraft(ctx context.Context, userID string, draftID uint, trigger Trigger) (*Result, error) {
	draft, err := o.loadDraft(ctx, userID, draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status.Terminal() {
		return nil, ErrAlreadyProcessed
	}

	conns, err := o.resolveConnections(ctx, userID)
	if err != nil {
		return nil, err
	}

	claimed, err := o.transition(ctx, userID, draftID, models.DraftStatusPosted)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrAlreadyProcessed
	}

	req := Request{
		UserID:       userID,
		StreamID:     draft.StreamID,
		DraftID:      &draft.ID,
		Title:        draft.Title,
		URL:          draft.TargetURL,
		Category:     draft.Category,
		ThumbnailURL: draft.ThumbnailURL,
		Trigger:      trigger,
	}
	var stream models.Stream
	if err := o.db.WithContext(ctx).Where("id = ?", draft.StreamID).Take(&stream).Error; err == nil {
		fillFromStream(&req, &stream)
	}

	result, err := o.run(ctx, &req, conns)
	if err != nil {
		// Nothing was published; hand the draft back so it can be retried
		if rerr := o.db.WithContext(context.WithoutCancel(ctx)).Model(&models.Draft{}).
			Where("id = ? AND status = ?", draftID, models.DraftStatusPosted).
			Update("status", models.DraftStatusPending).Error; rerr != nil {
			o.logger.Error("Failed to release draft claim",
				zap.Uint("draft_id", draftID), zap.Error(rerr))
		}
		return nil, err
	}
	return result, nil
}

// SkipDraft marks a pending draft as skipped.
func (o *Orchestrator) SkipDraft(ctx context.Context, userID string, draftID uint) error {
	draft, err := o.loadDraft(ctx, userID, draftID)
	if err != nil {
		return err
	}
	if draft.Status.Terminal() {
		return ErrAlreadyProcessed
	}

	ok, err := o.transition(ctx, userID, draftID, models.DraftStatusSkipped)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyProcessed
	}

	o.logger.Info("Draft skipped", zap.String("user_id", userID), zap.Uint("draft_id", draftID))
	return nil
}

// run executes the routing once connections are known. It only returns an
// error before anything has been published.
func (o *Orchestrator) run(ctx context.Context, req *Request, conns connections) (*Result, error) {
	if !conns.x && !conns.discord {
		return nil, ErrNoChannel
	}

	a := &attempt{
		req:    req,
		result: &Result{},
		logger: o.logger.With(
			zap.String("user_id", req.UserID),
			zap.Uint("stream_id", req.StreamID),
			zap.String("trigger", string(req.Trigger))),
	}

	reason, err := o.route(ctx, req, conns)
	if err != nil {
		return nil, err
	}

	a.tpl = o.deps.Templates.SelectTemplateForABTest(ctx, req.UserID)

	if reason == "" {
		if o.sendX(ctx, a) {
			o.kickoffSampling(ctx, a)
			return a.result, nil
		}
		reason = ReasonXFailed
	}

	metrics.RecordFallback(string(reason))
	a.result.FallbackReason = reason
	a.logger.Info("Routing to Discord", zap.String("reason", string(reason)))

	o.sendDiscord(ctx, a, conns.discord)
	o.kickoffSampling(ctx, a)
	return a.result, nil
}

// route decides whether X is attempted. An empty reason means go to X; the
// quota unit has been consumed by then.
func (o *Orchestrator) route(ctx context.Context, req *Request, conns connections) (FallbackReason, error) {
	if !conns.x {
		return ReasonXNotConnected, nil
	}

	status, err := o.deps.Quota.GetQuota(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to check quota: %w", err)
	}
	if o.deps.Quota.ShouldFallbackToDiscord(status) {
		if !status.CanPost {
			return ReasonQuotaExhausted, nil
		}
		return ReasonQuotaLow, nil
	}

	ok, err := o.deps.Quota.ConsumeQuota(ctx, req.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to consume quota: %w", err)
	}
	if !ok {
		return ReasonQuotaExhausted, nil
	}
	return "", nil
}

func (o *Orchestrator) sendX(ctx context.Context, a *attempt) bool {
	a.xTried = true
	text, linkID, shortURL := o.compose(ctx, a)
	finalURL := a.req.URL
	if shortURL != "" {
		finalURL = shortURL
	}
	text = template.FitForX(text, finalURL)

	msg := publisher.Message{
		UserID:       a.req.UserID,
		Text:         text,
		Title:        a.req.Title,
		URL:          a.req.URL,
		Category:     a.req.Category,
		ThumbnailURL: a.req.ThumbnailURL,
		StartedAt:    a.req.StartedAt,
	}
	if a.req.ThumbnailURL != "" {
		msg.MediaURLs = []string{a.req.ThumbnailURL}
	}

	res, latency, err := o.publish(ctx, models.ChannelX, msg)
	if err != nil {
		a.logger.Warn("X publish failed",
			zap.String("kind", string(publisher.KindOf(err))),
			zap.Duration("latency", latency),
			zap.Error(err))
		o.record(ctx, a, models.ChannelX, keyFor(a.req, "x-failed"), nil, err, latency, linkID)
		a.result.Status = StatusFailed
		a.result.Channel = models.ChannelX
		a.result.Error = err.Error()
		return false
	}

	o.record(ctx, a, models.ChannelX, keyFor(a.req, ""), res, nil, latency, linkID)
	a.result.Status = StatusSent
	a.result.Channel = models.ChannelX
	a.result.PostID = res.PostID
	a.anySent = true
	a.logger.Info("Announcement posted to X", zap.String("post_id", res.PostID))
	return true
}

func (o *Orchestrator) sendDiscord(ctx context.Context, a *attempt, connected bool) {
	a.result.Channel = models.ChannelDiscord
	a.result.PostID = ""
	key := keyFor(a.req, string(models.ChannelDiscord))

	if !connected {
		err := publisher.NewError(models.ChannelDiscord, publisher.KindNotConnected, "no discord webhook registered", nil)
		o.record(ctx, a, models.ChannelDiscord, key, nil, err, 0, nil)
		a.result.Status = StatusFailed
		a.result.Error = err.Error()
		a.logger.Warn("Discord fallback needed but not connected")
		return
	}

	text, linkID, shortURL := o.compose(ctx, a)
	msg := publisher.Message{
		UserID:       a.req.UserID,
		Text:         text,
		Title:        a.req.Title,
		URL:          a.req.URL,
		Category:     a.req.Category,
		ThumbnailURL: a.req.ThumbnailURL,
		StartedAt:    a.req.StartedAt,
	}
	if shortURL != "" {
		msg.URL = shortURL
	}

	res, latency, err := o.publish(ctx, models.ChannelDiscord, msg)
	if err != nil {
		a.logger.Warn("Discord publish failed",
			zap.String("kind", string(publisher.KindOf(err))),
			zap.Error(err))
		o.record(ctx, a, models.ChannelDiscord, key, nil, err, latency, linkID)
		a.result.Status = StatusFailed
		a.result.Error = err.Error()
		return
	}

	o.record(ctx, a, models.ChannelDiscord, key, res, nil, latency, linkID)
	a.result.PostID = res.PostID
	a.result.Error = ""
	a.anySent = true
	if a.xTried {
		a.result.Status = StatusFallback
	} else {
		a.result.Status = StatusSent
	}
	a.logger.Info("Announcement posted to Discord", zap.String("status", string(a.result.Status)))
}

// compose renders the template and swaps in a fresh tracked link. Shortener
// failures fall back to the canonical URL.
func (o *Orchestrator) compose(ctx context.Context, a *attempt) (string, *uint, string) {
	text := template.Render(a.tpl, template.Vars{
		Title:    a.req.Title,
		URL:      a.req.URL,
		Category: a.req.Category,
	})

	if o.deps.Links == nil {
		return text, nil, ""
	}

	rw, err := o.deps.Links.ReplaceWithShortLink(ctx, a.req.UserID, text, a.req.URL, links.CampaignForStream(a.req.StreamID))
	if err != nil {
		a.logger.Warn("Failed to shorten link, using canonical url", zap.Error(err))
		return text, nil, ""
	}
	return rw.Text, &rw.LinkID, rw.ShortURL
}

func (o *Orchestrator) publish(ctx context.Context, ch models.Channel, msg publisher.Message) (*publisher.Result, time.Duration, error) {
	p, err := o.deps.Publishers.GetPublisher(ch)
	if err != nil {
		return nil, 0, err
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.Publish(pctx, msg)
	latency := time.Since(start)

	if err == nil && res == nil {
		err = publisher.NewError(ch, publisher.KindRejected, "empty publish result", nil)
	}
	if err != nil && !errors.Is(err, publisher.ErrPostFailed) {
		kind := publisher.KindNetwork
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) && pctx.Err() == nil {
			kind = publisher.KindRejected
		}
		err = publisher.NewError(ch, kind, "", err)
	}
	return res, latency, err
}

// record appends a delivery row. A failed insert never fails the dispatch; it
// is logged and kept as a reconciliation gap.
func (o *Orchestrator) record(ctx context.Context, a *attempt, ch models.Channel, key string, res *publisher.Result, pubErr error, latency time.Duration, linkID *uint) {
	d := models.Delivery{
		UserID:         a.req.UserID,
		StreamID:       a.req.StreamID,
		DraftID:        a.req.DraftID,
		Channel:        ch,
		Status:         models.DeliveryStatusSent,
		IdempotencyKey: key,
		LatencyMS:      latency.Milliseconds(),
		LinkID:         linkID,
		CreatedAt:      o.deps.Clock.Now(),
	}
	if a.tpl != nil && a.tpl.ID != 0 {
		d.TemplateID = &a.tpl.ID
	}
	if res != nil && res.PostID != "" {
		d.ProviderPostID = &res.PostID
	}
	if pubErr != nil {
		d.Status = models.DeliveryStatusFailed
		msg := pubErr.Error()
		d.Error = &msg
	}
	metrics.RecordDelivery(string(ch), string(d.Status), latency)

	if err := o.db.WithContext(context.WithoutCancel(ctx)).Create(&d).Error; err != nil {
		metrics.DeliveryRecordErrors.Inc()
		a.logger.Error("Failed to record delivery",
			zap.String("channel", string(ch)),
			zap.String("idempotency_key", key),
			zap.String("status", string(d.Status)),
			zap.Error(err))
		if o.deps.Gaps != nil {
			o.deps.Gaps.RecordDeliveryGap(ctx, &d, err)
		}
		return
	}
	a.result.Deliveries = append(a.result.Deliveries, d)
}

func (o *Orchestrator) kickoffSampling(ctx context.Context, a *attempt) {
	if !a.anySent || o.deps.Sampler == nil {
		return
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PublishTimeout)
	defer cancel()

	if err := o.deps.Sampler.StartSampling(sctx, a.req.StreamID); err != nil {
		a.logger.Warn("Failed to start viewer sampling", zap.Error(err))
	}
}

func (o *Orchestrator) resolveConnections(ctx context.Context, userID string) (connections, error) {
	var c connections
	var err error
	if c.x, err = o.deps.Publishers.Connected(ctx, models.ChannelX, userID); err != nil {
		return c, fmt.Errorf("failed to check X connection: %w", err)
	}
	if c.discord, err = o.deps.Publishers.Connected(ctx, models.ChannelDiscord, userID); err != nil {
		return c, fmt.Errorf("failed to check Discord connection: %w", err)
	}
	if !c.x && !c.discord {
		return c, ErrNoChannel
	}
	return c, nil
}

func (o *Orchestrator) loadDraft(ctx context.Context, userID string, draftID uint) (*models.Draft, error) {
	var draft models.Draft
	err := o.db.WithContext(ctx).Where("id = ? AND user_id = ?", draftID, userID).Take(&draft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load draft: %w", err)
	}
	return &draft, nil
}

// transition moves a pending draft to a terminal status. It reports false when
// another caller got there first.
func (o *Orchestrator) transition(ctx context.Context, userID string, draftID uint, to models.DraftStatus) (bool, error) {
	res := o.db.WithContext(ctx).Model(&models.Draft{}).
		Where("id = ? AND user_id = ? AND status = ?", draftID, userID, models.DraftStatusPending).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": o.deps.Clock.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update draft status: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func fillFromStream(req *Request, s *models.Stream) {
	if req.Title == "" {
		req.Title = s.Title
	}
	if req.Category == "" {
		req.Category = s.Category
	}
	if req.ThumbnailURL == "" {
		req.ThumbnailURL = s.ThumbnailURL
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = s.StartedAt
	}
}

// keyFor derives the delivery idempotency key for one leg of a dispatch.
func keyFor(req *Request, suffix string) string {
	key := fmt.Sprintf("%s:%d", req.UserID, req.StreamID)
	if suffix != "" {
		key += ":" + suffix
	}
	return key
}
