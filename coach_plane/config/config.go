// Package config loads the service configuration from YAML with environment
// overrides. Defaults describe a single-process deployment (memory store,
// memory queue, log publisher); pointing store/queue at Postgres/Redis turns
// the same binary into a replicated deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	Timezone   string         `yaml:"timezone"`
	LogLevel   string         `yaml:"log_level"`
	Store      StoreConfig    `yaml:"store"`
	Queue      QueueConfig    `yaml:"queue"`
	Frontend   FrontendConfig `yaml:"frontend"`
	NATSURL    string         `yaml:"nats_url"`
	DailyTick  string         `yaml:"daily_tick"`
	Dayparts   DaypartHours   `yaml:"dayparts"`
	TestUserID int64          `yaml:"test_user_id"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
}

// QueueConfig selects the delayed task queue backend and delivery policy.
type QueueConfig struct {
	Backend       string   `yaml:"backend"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	PollInterval  Duration `yaml:"poll_interval"`
	MaxAttempts   int      `yaml:"max_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// FrontendConfig describes the conversational front end the sink posts to.
type FrontendConfig struct {
	BaseURL       string   `yaml:"base_url"`
	OutputChannel string   `yaml:"output_channel"`
	Timeout       Duration `yaml:"timeout"`
	RatePerUser   float64  `yaml:"rate_per_user"`
	RateBurst     int      `yaml:"rate_burst"`
}

// DaypartHours maps the three delivery dayparts to local hours of day.
type DaypartHours struct {
	Morning   int `yaml:"morning"`
	Afternoon int `yaml:"afternoon"`
	Evening   int `yaml:"evening"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		Timezone:   "Europe/Amsterdam",
		LogLevel:   "info",
		Store: StoreConfig{
			Backend: "memory",
		},
		Queue: QueueConfig{
			Backend:      "memory",
			RedisAddr:    "localhost:6379",
			PollInterval: Duration(time.Second),
			MaxAttempts:  5,
			RetryBackoff: Duration(30 * time.Second),
		},
		Frontend: FrontendConfig{
			BaseURL:       "http://localhost:5005",
			OutputChannel: "niceday_trigger_input_channel",
			Timeout:       Duration(60 * time.Second),
			RatePerUser:   1.0,
			RateBurst:     3,
		},
		DailyTick: "00:05",
		Dayparts: DaypartHours{
			Morning:   10,
			Afternoon: 15,
			Evening:   20,
		},
	}
}

// Load reads the optional YAML file over defaults, then applies environment
// overrides, then validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COACH_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("COACH_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("COACH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("COACH_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("COACH_POSTGRES_URL"); v != "" {
		c.Store.PostgresURL = v
	}
	if v := os.Getenv("COACH_QUEUE_BACKEND"); v != "" {
		c.Queue.Backend = v
	}
	if v := os.Getenv("COACH_REDIS_ADDR"); v != "" {
		c.Queue.RedisAddr = v
	}
	if v := os.Getenv("COACH_FRONTEND_URL"); v != "" {
		c.Frontend.BaseURL = v
	}
	if v := os.Getenv("COACH_NATS_URL"); v != "" {
		c.NATSURL = v
	}
	if v := os.Getenv("COACH_TEST_USER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.TestUserID = id
		}
	}
}

// Validate checks enum fields, hour ranges, and the daily tick format.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.backend postgres requires store.postgres_url")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.PollInterval.Std() <= 0 {
		return fmt.Errorf("queue.poll_interval must be positive")
	}
	if c.Frontend.BaseURL == "" {
		return fmt.Errorf("frontend.base_url is required")
	}

	for _, h := range []int{c.Dayparts.Morning, c.Dayparts.Afternoon, c.Dayparts.Evening} {
		if h < 0 || h > 23 {
			return fmt.Errorf("daypart hour %d out of range [0,23]", h)
		}
	}

	if _, _, err := c.DailyTickTime(); err != nil {
		return err
	}
	return nil
}

// DailyTickTime parses the "HH:MM" daily tick into hour and minute.
func (c *Config) DailyTickTime() (hour, minute int, err error) {
	parts := strings.SplitN(c.DailyTick, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("daily_tick must be HH:MM, got %q", c.DailyTick)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("daily_tick hour out of range in %q", c.DailyTick)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("daily_tick minute out of range in %q", c.DailyTick)
	}
	return hour, minute, nil
}
