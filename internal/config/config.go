// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize for optional settings.
const (
	// defaultEntryWindow is the tolerance around entry_time during which an
	// entry may still trigger (late wakeup, clock skew).
	defaultEntryWindow = time.Minute
	// defaultLeaseTTL bounds how long an in-flight entry attempt blocks a
	// competing scheduler pass before being considered abandoned.
	defaultLeaseTTL = 2 * time.Minute
	// defaultFillPollInterval is the delay between order status polls.
	defaultFillPollInterval = 2 * time.Second
	// defaultFillPollTimeout bounds the post-submission reconciliation loop.
	defaultFillPollTimeout = 60 * time.Second
	// defaultPositionCheckDelay is how long after submission the one-shot
	// broker position confirmation runs.
	defaultPositionCheckDelay = 5 * time.Second
	// defaultMonitorInterval is the open-position evaluation cadence.
	defaultMonitorInterval = 30 * time.Second
	// defaultStaleAfter marks the quote stream stale when no update arrives.
	defaultStaleAfter = 45 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Underlying  UnderlyingConfig  `yaml:"underlying"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Entry       EntryConfig       `yaml:"entry"`
	Exit        ExitConfig        `yaml:"exit"`
	Fills       FillsConfig       `yaml:"fills"`
	Stream      StreamConfig      `yaml:"stream"`
	Status      StatusConfig      `yaml:"status"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	Sandbox     bool   `yaml:"sandbox"`
}

// UnderlyingConfig pins the traded index and its option contract parameters.
type UnderlyingConfig struct {
	Symbol          string  `yaml:"symbol"`           // e.g. SPX
	OptionRoot      string  `yaml:"option_root"`      // e.g. SPXW for same-day expiries
	StrikeIncrement float64 `yaml:"strike_increment"` // e.g. 5
	TickSize        float64 `yaml:"tick_size"`        // e.g. 0.05
}

// ScheduleConfig defines the trading day timeline.
type ScheduleConfig struct {
	Timezone        string `yaml:"timezone"`         // e.g. "America/New_York"
	EntryTime       string `yaml:"entry_time"`       // "HH:MM"
	ExitTime        string `yaml:"exit_time"`        // "HH:MM", end-of-day flatten
	EntryWindow     string `yaml:"entry_window"`     // duration, tolerance around entry_time
	PollInterval    string `yaml:"poll_interval"`    // scheduler wakeup cadence
	MonitorInterval string `yaml:"monitor_interval"` // open-position evaluation cadence
}

// EntryConfig defines how the straddle is opened.
type EntryConfig struct {
	Quantity    int     `yaml:"quantity"`
	LimitBuffer float64 `yaml:"limit_buffer"` // added to the quoted mid per leg
	LeaseTTL    string  `yaml:"lease_ttl"`
}

// ExitConfig defines how the straddle is closed.
type ExitConfig struct {
	TargetPct        float64 `yaml:"target_pct"`         // e.g. 0.20
	StopPct          float64 `yaml:"stop_pct"`           // 0 disables the stop
	CloseLimitBuffer float64 `yaml:"close_limit_buffer"` // subtracted from the mid per leg
}

// FillsConfig bounds post-submission fill reconciliation.
type FillsConfig struct {
	PollInterval       string `yaml:"poll_interval"`
	PollTimeout        string `yaml:"poll_timeout"`
	PositionCheckDelay string `yaml:"position_check_delay"`
}

// StreamConfig defines the market data stream and its watchdog.
type StreamConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	StaleAfter    string `yaml:"stale_after"`
	CheckInterval string `yaml:"check_interval"`
}

// StatusConfig defines the HTTP status server.
type StatusConfig struct {
	Port      int    `yaml:"port"` // 0 disables the server
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}

	// Underlying validation
	if c.Underlying.Symbol == "" {
		return fmt.Errorf("underlying.symbol is required")
	}
	if c.Underlying.OptionRoot == "" {
		return fmt.Errorf("underlying.option_root is required")
	}
	if c.Underlying.StrikeIncrement <= 0 {
		return fmt.Errorf("underlying.strike_increment must be > 0")
	}
	if c.Underlying.TickSize <= 0 {
		return fmt.Errorf("underlying.tick_size must be > 0")
	}

	// Entry validation
	if c.Entry.Quantity <= 0 {
		return fmt.Errorf("entry.quantity must be > 0")
	}
	if c.Entry.LimitBuffer < 0 {
		return fmt.Errorf("entry.limit_buffer must be >= 0")
	}

	// Exit validation
	if c.Exit.TargetPct <= 0 || c.Exit.TargetPct >= 1 {
		return fmt.Errorf("exit.target_pct must be in (0,1)")
	}
	if c.Exit.StopPct < 0 || c.Exit.StopPct >= 1 {
		return fmt.Errorf("exit.stop_pct must be in [0,1); 0 disables the stop")
	}
	if c.Exit.CloseLimitBuffer < 0 {
		return fmt.Errorf("exit.close_limit_buffer must be >= 0")
	}

	// Duration fields
	for _, d := range []struct {
		name, value string
	}{
		{"schedule.entry_window", c.Schedule.EntryWindow},
		{"schedule.poll_interval", c.Schedule.PollInterval},
		{"schedule.monitor_interval", c.Schedule.MonitorInterval},
		{"entry.lease_ttl", c.Entry.LeaseTTL},
		{"fills.poll_interval", c.Fills.PollInterval},
		{"fills.poll_timeout", c.Fills.PollTimeout},
		{"fills.position_check_delay", c.Fills.PositionCheckDelay},
		{"stream.stale_after", c.Stream.StaleAfter},
		{"stream.check_interval", c.Stream.CheckInterval},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s invalid: %w", d.name, err)
		}
	}

	// Schedule validation
	loc := c.Location()
	entryClock, err1 := time.ParseInLocation("15:04", c.Schedule.EntryTime, loc)
	exitClock, err2 := time.ParseInLocation("15:04", c.Schedule.ExitTime, loc)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("schedule entry_time/exit_time must be HH:MM")
	}
	if entryClock.Hour() > exitClock.Hour() ||
		(entryClock.Hour() == exitClock.Hour() && entryClock.Minute() >= exitClock.Minute()) {
		return fmt.Errorf("schedule.entry_time must be before schedule.exit_time")
	}

	// Stream validation
	if c.Stream.Enabled && c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required when stream.enabled is true")
	}

	// Status validation
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port must be in [0,65535]")
	}

	// Storage validation
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the configured trading timezone, defaulting to Eastern.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// EntryWindow returns the interval [start, end) on the given day during which
// an entry may trigger.
func (c *Config) EntryWindow(now time.Time) (time.Time, time.Time) {
	loc := c.Location()
	today := now.In(loc)
	clock, err := time.ParseInLocation("15:04", c.Schedule.EntryTime, loc)
	if err != nil {
		// Safe default if misconfigured
		clock = time.Date(0, 1, 1, 9, 33, 0, 0, loc)
	}
	center := time.Date(today.Year(), today.Month(), today.Day(),
		clock.Hour(), clock.Minute(), 0, 0, loc)
	window := parseDurationOr(c.Schedule.EntryWindow, defaultEntryWindow)
	return center.Add(-window), center.Add(window)
}

// ExitDeadline returns the end-of-day flatten time on the given day.
func (c *Config) ExitDeadline(now time.Time) time.Time {
	loc := c.Location()
	today := now.In(loc)
	clock, err := time.ParseInLocation("15:04", c.Schedule.ExitTime, loc)
	if err != nil {
		clock = time.Date(0, 1, 1, 15, 45, 0, 0, loc)
	}
	return time.Date(today.Year(), today.Month(), today.Day(),
		clock.Hour(), clock.Minute(), 0, 0, loc)
}

// IsTradingWeekday reports whether the given time is a Monday through Friday
// in the trading timezone. Exchange holidays are handled by the broker clock.
func (c *Config) IsTradingWeekday(now time.Time) bool {
	day := now.In(c.Location()).Weekday()
	return day != time.Saturday && day != time.Sunday
}

// PollInterval returns the scheduler wakeup cadence.
func (c *Config) PollInterval() time.Duration {
	return parseDurationOr(c.Schedule.PollInterval, 15*time.Second)
}

// MonitorInterval returns the open-position evaluation cadence.
func (c *Config) MonitorInterval() time.Duration {
	return parseDurationOr(c.Schedule.MonitorInterval, defaultMonitorInterval)
}

// LeaseTTL returns how long an entry attempt may hold the entry lease.
func (c *Config) LeaseTTL() time.Duration {
	return parseDurationOr(c.Entry.LeaseTTL, defaultLeaseTTL)
}

// FillPollInterval returns the delay between order status polls.
func (c *Config) FillPollInterval() time.Duration {
	return parseDurationOr(c.Fills.PollInterval, defaultFillPollInterval)
}

// FillPollTimeout bounds the fill reconciliation loop.
func (c *Config) FillPollTimeout() time.Duration {
	return parseDurationOr(c.Fills.PollTimeout, defaultFillPollTimeout)
}

// PositionCheckDelay returns the delay before the one-shot broker position
// confirmation after order submission.
func (c *Config) PositionCheckDelay() time.Duration {
	return parseDurationOr(c.Fills.PositionCheckDelay, defaultPositionCheckDelay)
}

// StreamStaleAfter returns how long without a quote update marks the stream
// stale.
func (c *Config) StreamStaleAfter() time.Duration {
	return parseDurationOr(c.Stream.StaleAfter, defaultStaleAfter)
}

// StreamCheckInterval returns the watchdog evaluation cadence.
func (c *Config) StreamCheckInterval() time.Duration {
	return parseDurationOr(c.Stream.CheckInterval, 15*time.Second)
}

// normalize fills defaults for optional settings.
func (c *Config) normalize() {
	if c.Schedule.EntryWindow == "" {
		c.Schedule.EntryWindow = defaultEntryWindow.String()
	}
	if c.Schedule.PollInterval == "" {
		c.Schedule.PollInterval = "15s"
	}
	if c.Schedule.MonitorInterval == "" {
		c.Schedule.MonitorInterval = defaultMonitorInterval.String()
	}
	if c.Entry.LeaseTTL == "" {
		c.Entry.LeaseTTL = defaultLeaseTTL.String()
	}
	if c.Fills.PollInterval == "" {
		c.Fills.PollInterval = defaultFillPollInterval.String()
	}
	if c.Fills.PollTimeout == "" {
		c.Fills.PollTimeout = defaultFillPollTimeout.String()
	}
	if c.Fills.PositionCheckDelay == "" {
		c.Fills.PositionCheckDelay = defaultPositionCheckDelay.String()
	}
	if c.Stream.StaleAfter == "" {
		c.Stream.StaleAfter = defaultStaleAfter.String()
	}
	if c.Stream.CheckInterval == "" {
		c.Stream.CheckInterval = "15s"
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
