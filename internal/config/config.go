// Package config loads the exchange configuration from environment
// variables. The resulting Config is passed explicitly to every component.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/vitalsmarket/exchange/internal/quota"
	"github.com/vitalsmarket/exchange/internal/symbol"
	"github.com/vitalsmarket/exchange/internal/timebucket"
)

// ScheduleOff disables scheduled settlement. An empty SETTLE_SCHEDULE falls
// back to the default, so it cannot be used for that.
const ScheduleOff = "off"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds every tunable of the exchange.
type Config struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	AdminSecret string        `env:"ADMIN_SECRET"`

	Symbols          []string      `env:"SYMBOLS" envSeparator:"," envDefault:"WFC-BG"`
	BucketMinutes    int           `env:"BUCKET_MINUTES" envDefault:"5"`
	ClockOffsetHours int           `env:"CLOCK_OFFSET_HOURS" envDefault:"-7"`
	WindowOpen       string        `env:"WINDOW_OPEN" envDefault:"18:00"`
	WindowDuration   time.Duration `env:"WINDOW_DURATION" envDefault:"14h"`

	MaxExposure      int64  `env:"MAX_EXPOSURE" envDefault:"100"`
	MaxOrderQuantity int64  `env:"MAX_ORDER_QUANTITY" envDefault:"20"`
	ExposurePolicy   string `env:"EXPOSURE_POLICY" envDefault:"order-history"`

	LeaderboardSize int           `env:"LEADERBOARD_SIZE" envDefault:"25"`
	PriceHistory    time.Duration `env:"PRICE_HISTORY" envDefault:"24h"`
	SettleSchedule  string        `env:"SETTLE_SCHEDULE" envDefault:"@every 5m"`
	SettleChunkSize int           `env:"SETTLE_CHUNK_SIZE" envDefault:"500"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints by building every derived value.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: PORT is empty", ErrInvalid)
	}
	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("%w: SYMBOLS: %w", ErrInvalid, err)
	}
	if _, err := c.Bucketer(); err != nil {
		return fmt.Errorf("%w: BUCKET_MINUTES: %w", ErrInvalid, err)
	}
	if _, err := c.Window(); err != nil {
		return fmt.Errorf("%w: WINDOW_OPEN/WINDOW_DURATION: %w", ErrInvalid, err)
	}
	if _, err := quota.PolicyByName(c.ExposurePolicy); err != nil {
		return fmt.Errorf("%w: EXPOSURE_POLICY: %w", ErrInvalid, err)
	}
	switch {
	case c.MaxExposure <= 0:
		return fmt.Errorf("%w: MAX_EXPOSURE must be positive", ErrInvalid)
	case c.MaxOrderQuantity <= 0:
		return fmt.Errorf("%w: MAX_ORDER_QUANTITY must be positive", ErrInvalid)
	case c.LeaderboardSize <= 0:
		return fmt.Errorf("%w: LEADERBOARD_SIZE must be positive", ErrInvalid)
	case c.PriceHistory <= 0:
		return fmt.Errorf("%w: PRICE_HISTORY must be positive", ErrInvalid)
	case c.SettleChunkSize <= 0:
		return fmt.Errorf("%w: SETTLE_CHUNK_SIZE must be positive", ErrInvalid)
	case c.CacheTTL <= 0:
		return fmt.Errorf("%w: CACHE_TTL must be positive", ErrInvalid)
	}
	return nil
}

// SettleScheduled reports whether the settlement job should run.
func (c Config) SettleScheduled() bool {
	return c.SettleSchedule != "" && c.SettleSchedule != ScheduleOff
}

// Location is the fixed-offset ingestion clock.
func (c Config) Location() *time.Location {
	return timebucket.FixedOffset(c.ClockOffsetHours)
}

// Registry builds the symbol registry.
func (c Config) Registry() (*symbol.Registry, error) {
	return symbol.NewRegistry(c.Symbols)
}

// Bucketer builds the time bucketer.
func (c Config) Bucketer() (timebucket.Bucketer, error) {
	return timebucket.NewBucketer(time.Duration(c.BucketMinutes)*time.Minute, c.Location())
}

// Window builds the trading window.
func (c Config) Window() (timebucket.Window, error) {
	open, err := timebucket.ParseClock(c.WindowOpen)
	if err != nil {
		return timebucket.Window{}, err
	}
	return timebucket.NewWindow(open, c.WindowDuration, c.Location())
}
