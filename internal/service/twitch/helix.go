package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/castcue/castcue/internal/config"
)

const thumbnailSize = "1280x720"

// LiveStream is the subset of a Helix stream the service uses.
type LiveStream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	Title        string    `json:"title"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	ThumbnailURL string    `json:"thumbnail_url"`
}

type streamsResponse struct {
	Data []LiveStream `json:"data"`
}

// Client calls the Helix API with an app access token.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient builds a client whose token is fetched and renewed through the
// client credentials grant. base is the transport used for both token and API
// calls.
func NewClient(cfg config.TwitchConfig, base *http.Client, logger *zap.Logger) *Client {
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := cc.Client(ctx)
	httpClient.Timeout = base.Timeout

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		clientID:   cfg.ClientID,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:     logger.Named("helix"),
	}
}

// LiveStatus returns the broadcaster's current stream, or nil when they are
// not live.
func (c *Client) LiveStatus(ctx context.Context, broadcasterID string) (*LiveStream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/streams?user_id="+url.QueryEscape(broadcasterID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", c.clientID)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query helix streams: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("helix streams returned %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out streamsResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode helix streams: %w", err)
	}

	for i := range out.Data {
		s := out.Data[i]
		if s.Type != "" && s.Type != "live" {
			continue
		}
		s.ThumbnailURL = ResolveThumbnail(s.ThumbnailURL)
		return &s, nil
	}
	return nil, nil
}

// ResolveThumbnail fills the size template in a Helix thumbnail URL.
func ResolveThumbnail(raw string) string {
	return strings.ReplaceAll(raw, "{width}x{height}", thumbnailSize)
}
