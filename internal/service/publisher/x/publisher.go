package x

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/metrics"
	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/service/publisher"
)

const (
	breakerName     = "x-api"
	maxMediaBytes   = 5 << 20
	maxErrorBodyLen = 512
)

type apiResponse struct {
	status int
	body   []byte
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

type createResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Publisher posts announcements to X with per-user OAuth2 tokens.
type Publisher struct {
	db         *gorm.DB
	cfg        config.XConfig
	oauth      *oauth2.Config
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[*apiResponse]
	clock      clock.Clock
	logger     *zap.Logger
}

func NewPublisher(db *gorm.DB, cfg config.XConfig, httpClient *http.Client, clk clock.Clock, logger *zap.Logger) *Publisher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if clk == nil {
		clk = clock.New()
	}
	logger = logger.Named("x")

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[*apiResponse](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors say nothing about X being healthy or not
		IsSuccessful: func(err error) bool {
			switch publisher.KindOf(err) {
			case publisher.KindNetwork, publisher.KindRateLimited:
				return false
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})

	return &Publisher{
		db:  db,
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			Scopes: []string{"tweet.read", "tweet.write", "users.read", "media.write", "offline.access"},
		},
		httpClient: httpClient,
		cb:         cb,
		clock:      clk,
		logger:     logger,
	}
}

func (p *Publisher) Channel() models.Channel {
	return models.ChannelX
}

func (p *Publisher) Authenticate(ctx context.Context, userID string) error {
	conn, err := p.loadConnection(ctx, userID)
	if err != nil {
		return err
	}
	if conn.AccessToken == "" && conn.RefreshToken == "" {
		return publisher.NewError(models.ChannelX, publisher.KindNotConnected, "no stored token", nil)
	}
	return nil
}

// Publish uploads up to MaxMedia attachments and creates the post. A 401 from
// X forces one token refresh and a single retry.
func (p *Publisher) Publish(ctx context.Context, msg publisher.Message) (*publisher.Result, error) {
	tok, err := p.token(ctx, msg.UserID, false)
	if err != nil {
		return nil, err
	}

	mediaIDs := p.attachMedia(ctx, msg, tok)

	postID, err := p.createPost(ctx, tok, msg.Text, mediaIDs)
	if isUnauthorized(err) {
		p.logger.Info("X rejected token, refreshing", zap.String("user_id", msg.UserID))
		tok, err = p.token(ctx, msg.UserID, true)
		if err != nil {
			return nil, err
		}
		postID, err = p.createPost(ctx, tok, msg.Text, mediaIDs)
	}
	if err != nil {
		return nil, err
	}

	return &publisher.Result{
		PostID:      postID,
		URL:         "https://x.com/i/web/status/" + postID,
		PublishedAt: p.clock.Now(),
	}, nil
}

func (p *Publisher) UploadMedia(ctx context.Context, userID string, media publisher.Media) (string, error) {
	tok, err := p.token(ctx, userID, false)
	if err != nil {
		return "", err
	}
	return p.uploadMedia(ctx, tok, media)
}

func (p *Publisher) attachMedia(ctx context.Context, msg publisher.Message, tok *oauth2.Token) []string {
	var ids []string
	for _, mediaURL := range msg.MediaURLs {
		if len(ids) >= p.cfg.MaxMedia {
			break
		}
		media, err := p.download(ctx, mediaURL)
		if err != nil {
			p.logger.Warn("Failed to download media, posting without it",
				zap.String("url", mediaURL), zap.Error(err))
			continue
		}
		id, err := p.uploadMedia(ctx, tok, *media)
		if err != nil {
			p.logger.Warn("Failed to upload media, posting without it",
				zap.String("url", mediaURL), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (p *Publisher) createPost(ctx context.Context, tok *oauth2.Token, text string, mediaIDs []string) (string, error) {
	payload := tweetRequest{Text: text}
	if len(mediaIDs) > 0 {
		payload.Media = &tweetMedia{MediaIDs: mediaIDs}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal post: %w", err)
	}

	resp, err := p.call(ctx, tok, http.MethodPost, "/2/tweets", "application/json", body)
	if err != nil {
		return "", err
	}

	var created createResponse
	if err := json.Unmarshal(resp.body, &created); err != nil || created.Data.ID == "" {
		return "", publisher.NewError(models.ChannelX, publisher.KindRejected, "unexpected create response", err)
	}
	return created.Data.ID, nil
}

func (p *Publisher) uploadMedia(ctx context.Context, tok *oauth2.Token, media publisher.Media) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("media_category", "tweet_image"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("media", media.Filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(media.Data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	resp, err := p.call(ctx, tok, http.MethodPost, "/2/media/upload", w.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}

	var uploaded createResponse
	if err := json.Unmarshal(resp.body, &uploaded); err != nil || uploaded.Data.ID == "" {
		return "", publisher.NewError(models.ChannelX, publisher.KindRejected, "unexpected media response", err)
	}
	return uploaded.Data.ID, nil
}

func (p *Publisher) call(ctx context.Context, tok *oauth2.Token, method, path, contentType string, body []byte) (*apiResponse, error) {
	resp, err := p.cb.Execute(func() (*apiResponse, error) {
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.APIBaseURL, "/")+path, bytes.NewReader(body))
		if err != nil {
			return nil, publisher.NewError(models.ChannelX, publisher.KindRejected, "failed to build request", err)
		}
		req.Header.Set("Content-Type", contentType)
		tok.SetAuthHeader(req)

		res, err := p.httpClient.Do(req)
		if err != nil {
			return nil, publisher.NewError(models.ChannelX, publisher.KindNetwork, "request failed", err)
		}
		defer res.Body.Close()

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, publisher.NewError(models.ChannelX, publisher.KindNetwork, "failed to read response", err)
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return nil, publisher.StatusError(models.ChannelX, res.StatusCode, truncateBody(data))
		}
		return &apiResponse{status: res.StatusCode, body: data}, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, publisher.NewError(models.ChannelX, publisher.KindNetwork, "circuit open", err)
	}
	return resp, err
}

func (p *Publisher) download(ctx context.Context, mediaURL string) (*publisher.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxMediaBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media larger than %d bytes", maxMediaBytes)
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &publisher.Media{
		Data:        data,
		ContentType: contentType,
		Filename:    filenameFor(contentType),
	}, nil
}

// token returns a valid access token, refreshing and persisting it when it has
// expired or when force is set.
func (p *Publisher) token(ctx context.Context, userID string, force bool) (*oauth2.Token, error) {
	conn, err := p.loadConnection(ctx, userID)
	if err != nil {
		return nil, err
	}

	current := &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		TokenType:    conn.TokenType,
		Expiry:       conn.Expiry,
	}
	if force {
		current.AccessToken = ""
	}
	if !current.Valid() && current.RefreshToken == "" {
		return nil, publisher.NewError(models.ChannelX, publisher.KindAuth, "token expired and no refresh token stored", nil)
	}

	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauth.TokenSource(oauthCtx, current).Token()
	if err != nil {
		return nil, publisher.NewError(models.ChannelX, publisher.KindAuth, "token refresh failed", err)
	}

	if tok.AccessToken != conn.AccessToken {
		updates := map[string]interface{}{
			"access_token": tok.AccessToken,
			"token_type":   tok.TokenType,
			"expiry":       tok.Expiry,
		}
		if tok.RefreshToken != "" {
			updates["refresh_token"] = tok.RefreshToken
		}
		if err := p.db.WithContext(ctx).Model(&models.XConnection{}).
			Where("user_id = ?", userID).
			Updates(updates).Error; err != nil {
			// The new token still works for this post
			p.logger.Error("Failed to persist refreshed X token",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	return tok, nil
}

func (p *Publisher) loadConnection(ctx context.Context, userID string) (*models.XConnection, error) {
	var conn models.XConnection
	err := p.db.WithContext(ctx).Where("user_id = ?", userID).Take(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, publisher.NewError(models.ChannelX, publisher.KindNotConnected, "no X account connected", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load X connection: %w", err)
	}
	return &conn, nil
}

func isUnauthorized(err error) bool {
	var pe *publisher.Error
	return errors.As(err, &pe) && pe.StatusCode == http.StatusUnauthorized
}

func filenameFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return "thumbnail.png"
	case strings.Contains(contentType, "gif"):
		return "thumbnail.gif"
	case strings.Contains(contentType, "webp"):
		return "thumbnail.webp"
	default:
		return "thumbnail.jpg"
	}
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBodyLen {
		return s[:maxErrorBodyLen]
	}
	return s
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
