package config

import (
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/castcue/castcue/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logger    logger.Config   `yaml:"logger"`
	Auth      AuthConfig      `yaml:"auth"`
	Twitch    TwitchConfig    `yaml:"twitch"`
	X         XConfig         `yaml:"x"`
	Discord   DiscordConfig   `yaml:"discord"`
	Quota     QuotaConfig     `yaml:"quota"`
	Links     LinksConfig     `yaml:"links"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

// RedisConfig is optional. Without an address the batch job locks are skipped.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	// JWTSecret verifies session tokens minted by the identity provider.
	JWTSecret string `yaml:"jwt_secret"`
	// CronSecret authenticates the external scheduler on /internal/jobs.
	CronSecret string `yaml:"cron_secret"`
}

type TwitchConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	EventSubSecret string `yaml:"eventsub_secret"`
	APIBaseURL     string `yaml:"api_base_url"`
	TokenURL       string `yaml:"token_url"`
	// RequestsPerSecond throttles Helix calls made by the sampler.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

type XConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	APIBaseURL   string `yaml:"api_base_url"`
	TokenURL     string `yaml:"token_url"`
	MaxMedia     int    `yaml:"max_media"`
}

type DiscordConfig struct {
	Username     string `yaml:"username"`
	AvatarURL    string `yaml:"avatar_url"`
	EmbedColor   int    `yaml:"embed_color"`
	FooterText   string `yaml:"footer_text"`
	TrialMessage string `yaml:"trial_message"`
}

type QuotaConfig struct {
	UserMonthlyLimit       int `yaml:"user_monthly_limit"`
	GlobalMonthlyLimit     int `yaml:"global_monthly_limit"`
	FallbackUserHeadroom   int `yaml:"fallback_user_headroom"`
	FallbackGlobalHeadroom int `yaml:"fallback_global_headroom"`
}

type LinksConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	NodeID  int64  `yaml:"node_id"`
}

type DispatchConfig struct {
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	AutoPostTimeout time.Duration `yaml:"auto_post_timeout"`
}

type SamplerConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	PerStreamTimeout time.Duration `yaml:"per_stream_timeout"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
}

type SchedulerConfig struct {
	Enabled            bool   `yaml:"enabled"`
	SampleInterval     string `yaml:"sample_interval"`
	QuotaResetInterval string `yaml:"quota_reset_interval"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)

	return cfg, nil
}

// ApplyDefaults fills every unset field with its production default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Twitch.APIBaseURL == "" {
		cfg.Twitch.APIBaseURL = "https://api.twitch.tv/helix"
	}
	if cfg.Twitch.TokenURL == "" {
		cfg.Twitch.TokenURL = "https://id.twitch.tv/oauth2/token"
	}
	if cfg.Twitch.RequestsPerSecond <= 0 {
		cfg.Twitch.RequestsPerSecond = 10
	}
	if cfg.X.APIBaseURL == "" {
		cfg.X.APIBaseURL = "https://api.x.com"
	}
	if cfg.X.TokenURL == "" {
		cfg.X.TokenURL = "https://api.x.com/2/oauth2/token"
	}
	if cfg.X.MaxMedia <= 0 || cfg.X.MaxMedia > 4 {
		cfg.X.MaxMedia = 4
	}
	if cfg.Discord.Username == "" {
		cfg.Discord.Username = "CastCue"
	}
	if cfg.Discord.EmbedColor == 0 {
		cfg.Discord.EmbedColor = 0x9146FF
	}
	if cfg.Discord.FooterText == "" {
		cfg.Discord.FooterText = "CastCue"
	}
	if cfg.Discord.TrialMessage == "" {
		cfg.Discord.TrialMessage = "CastCue is connected. Stream announcements will be posted here."
	}
	if cfg.Quota.UserMonthlyLimit <= 0 {
		cfg.Quota.UserMonthlyLimit = 30
	}
	if cfg.Quota.GlobalMonthlyLimit <= 0 {
		cfg.Quota.GlobalMonthlyLimit = 500
	}
	if cfg.Quota.FallbackUserHeadroom < 0 {
		cfg.Quota.FallbackUserHeadroom = 0
	}
	if cfg.Quota.FallbackGlobalHeadroom <= 0 {
		cfg.Quota.FallbackGlobalHeadroom = 10
	}
	if cfg.Links.BaseURL == "" {
		cfg.Links.BaseURL = "http://localhost:5334/l"
	}
	if cfg.Links.NodeID == 0 {
		cfg.Links.NodeID = 1
	}
	if cfg.Dispatch.PublishTimeout <= 0 {
		cfg.Dispatch.PublishTimeout = 15 * time.Second
	}
	if cfg.Dispatch.AutoPostTimeout <= 0 {
		cfg.Dispatch.AutoPostTimeout = 60 * time.Second
	}
	if cfg.Sampler.Concurrency <= 0 {
		cfg.Sampler.Concurrency = 8
	}
	if cfg.Sampler.PerStreamTimeout <= 0 {
		cfg.Sampler.PerStreamTimeout = 10 * time.Second
	}
	if cfg.Sampler.LockTTL <= 0 {
		cfg.Sampler.LockTTL = 5 * time.Minute
	}
	if cfg.Scheduler.SampleInterval == "" {
		cfg.Scheduler.SampleInterval = "5m"
	}
	if cfg.Scheduler.QuotaResetInterval == "" {
		cfg.Scheduler.QuotaResetInterval = "1h"
	}
}
