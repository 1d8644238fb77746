package config

import (
	"errors"
	"strings"
	"time"
)

// Floors applied to channel timing knobs so misconfiguration can not turn
// the reconnect loop into a busy spin.
const (
	minBaseDelay         = 250 * time.Millisecond
	minHeartbeatInterval = 5 * time.Second
)

// Config defines the chargewatch engine configuration.
type Config struct {
	Station struct {
		ID string `yaml:"id" env:"CW_STATION_ID"`
	} `yaml:"station"`
	API struct {
		BaseURL        string `yaml:"baseUrl" env:"CW_API_BASE_URL"`
		TimeoutSeconds int    `yaml:"timeoutSeconds" env:"CW_API_TIMEOUT"`
	} `yaml:"api"`
	Auth struct {
		Token    string `yaml:"token" env:"CW_AUTH_TOKEN"`
		Username string `yaml:"username" env:"CW_AUTH_USERNAME"`
		Password string `yaml:"password" env:"CW_AUTH_PASSWORD"`
	} `yaml:"auth"`
	Channel struct {
		BaseDelayMs      int     `yaml:"baseDelayMs" env:"CW_CHANNEL_BASE_DELAY_MS"`
		MaxDelayMs       int     `yaml:"maxDelayMs" env:"CW_CHANNEL_MAX_DELAY_MS"`
		JitterFraction   float64 `yaml:"jitterFraction" env:"CW_CHANNEL_JITTER"`
		HeartbeatSeconds int     `yaml:"heartbeatSeconds" env:"CW_CHANNEL_HEARTBEAT"`
	} `yaml:"channel"`
	Series struct {
		WindowSeconds    int `yaml:"windowSeconds" env:"CW_SERIES_WINDOW"`
		MaxPoints        int `yaml:"maxPoints" env:"CW_SERIES_MAX_POINTS"`
		HistoryMaxPoints int `yaml:"historyMaxPoints" env:"CW_SERIES_HISTORY_MAX_POINTS"`
		SmoothingSpan    int `yaml:"smoothingSpan" env:"CW_SERIES_SMOOTHING_SPAN"`
	} `yaml:"series"`
	Timeline struct {
		Capacity             int `yaml:"capacity" env:"CW_TIMELINE_CAPACITY"`
		MeterThrottleSeconds int `yaml:"meterThrottleSeconds" env:"CW_TIMELINE_METER_THROTTLE"`
	} `yaml:"timeline"`
}

// Load reads configuration via the shared helper and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.API.TimeoutSeconds = 10
	cfg.Channel.BaseDelayMs = 1000
	cfg.Channel.MaxDelayMs = 30000
	cfg.Channel.JitterFraction = 0.35
	cfg.Channel.HeartbeatSeconds = 25
	cfg.Series.WindowSeconds = 600
	cfg.Series.MaxPoints = 360
	cfg.Series.HistoryMaxPoints = 5000
	cfg.Series.SmoothingSpan = 5
	cfg.Timeline.Capacity = 500
	cfg.Timeline.MeterThrottleSeconds = 10

	if err := loadInto(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Station.ID) == "" {
		return nil, errors.New("config: station id required")
	}
	if strings.TrimSpace(cfg.API.BaseURL) == "" {
		return nil, errors.New("config: api base url required")
	}
	return cfg, nil
}

// APITimeout returns the REST client timeout.
func (c *Config) APITimeout() time.Duration {
	if c.API.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// BaseDelay returns the reconnect base delay, floor enforced.
func (c *Config) BaseDelay() time.Duration {
	d := time.Duration(c.Channel.BaseDelayMs) * time.Millisecond
	if d < minBaseDelay {
		return minBaseDelay
	}
	return d
}

// MaxDelay returns the reconnect delay ceiling, never below the base.
func (c *Config) MaxDelay() time.Duration {
	d := time.Duration(c.Channel.MaxDelayMs) * time.Millisecond
	if base := c.BaseDelay(); d < base {
		return base
	}
	return d
}

// HeartbeatInterval returns the keep-alive interval, floor enforced.
func (c *Config) HeartbeatInterval() time.Duration {
	d := time.Duration(c.Channel.HeartbeatSeconds) * time.Second
	if d < minHeartbeatInterval {
		return minHeartbeatInterval
	}
	return d
}

// SeriesWindow returns the rolling telemetry window.
func (c *Config) SeriesWindow() time.Duration {
	if c.Series.WindowSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Series.WindowSeconds) * time.Second
}

// MeterThrottle returns the minimum spacing between telemetry timeline events.
func (c *Config) MeterThrottle() time.Duration {
	if c.Timeline.MeterThrottleSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Timeline.MeterThrottleSeconds) * time.Second
}
