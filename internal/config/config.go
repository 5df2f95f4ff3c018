package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	DispatchModeLocal  = "local"
	DispatchModeRemote = "remote"
	DispatchModeMock   = "mock"
)

// Default session caps per dispatch strategy. Remote workers are billed per
// second of wall clock, so they get the shorter cap.
const (
	DefaultLocalMaxSessionTime  = 15 * time.Minute
	DefaultRemoteMaxSessionTime = 5 * time.Minute
)

// Config contains all runtime settings for the session orchestrator.
type Config struct {
	Host             string
	Port             int
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	Debug            bool
	LogJSON          bool
	CORSAllowAll     bool

	DailyAPIURL string
	DailyAPIKey string
	DailyDomain string

	HostAllowList []string
	DebugRoom     string

	DispatchMode   string
	MaxSessionTime time.Duration

	BotCommand   string
	BotWorkDir   string
	BotUseShell  bool
	BotKillGrace time.Duration

	ComputeAPIURL      string
	ComputeAPIToken    string
	ComputeFunction    string
	ComputeIdleTimeout time.Duration

	SessionRetention time.Duration
}

// WorkerConfig contains the settings read by the worker process. Session
// specific values (room, token, config) arrive as command line flags.
type WorkerConfig struct {
	EngineURL string
	BotName   string
	Debug     bool
	LogJSON   bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		Host:               envOrDefault("HOST", "0.0.0.0"),
		Port:               7860,
		ShutdownTimeout:    15 * time.Second,
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "agentrunner"),
		CORSAllowAll:       true,
		DailyAPIURL:        strings.TrimRight(envOrDefault("DAILY_API_URL", "https://api.daily.co/v1"), "/"),
		DailyAPIKey:        stringsTrimSpace("DAILY_API_KEY"),
		DailyDomain:        strings.TrimRight(envOrDefault("DAILY_DOMAIN", "https://rtvi.daily.co"), "/"),
		HostAllowList:      ParseHostList(os.Getenv("HOST_WHITELIST")),
		DebugRoom:          stringsTrimSpace("USE_DEBUG_ROOM"),
		DispatchMode:       strings.ToLower(envOrDefault("BOT_DISPATCH_MODE", DispatchModeLocal)),
		BotCommand:         envOrDefault("BOT_COMMAND", "agentbot"),
		BotWorkDir:         envOrDefault("BOT_WORKDIR", "."),
		BotKillGrace:       10 * time.Second,
		ComputeAPIURL:      strings.TrimRight(stringsTrimSpace("COMPUTE_API_URL"), "/"),
		ComputeAPIToken:    stringsTrimSpace("COMPUTE_API_TOKEN"),
		ComputeFunction:    envOrDefault("COMPUTE_FUNCTION", "run_bot"),
		ComputeIdleTimeout: 2 * time.Second,
		SessionRetention:   time.Minute,
	}

	var err error
	cfg.Port, err = intFromEnv("FAST_API_PORT", cfg.Port)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Debug, err = boolFromEnv("APP_DEBUG", cfg.Debug)
	if err != nil {
		return Config{}, err
	}
	cfg.LogJSON, err = boolFromEnv("APP_LOG_JSON", cfg.LogJSON)
	if err != nil {
		return Config{}, err
	}
	cfg.CORSAllowAll, err = boolFromEnv("APP_CORS_ALLOW_ALL", cfg.CORSAllowAll)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSessionTime, err = durationFromEnv("MAX_SESSION_TIME", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.BotUseShell, err = boolFromEnv("BOT_USE_SHELL", cfg.BotUseShell)
	if err != nil {
		return Config{}, err
	}
	cfg.BotKillGrace, err = durationFromEnv("BOT_KILL_GRACE", cfg.BotKillGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.ComputeIdleTimeout, err = durationFromEnv("COMPUTE_IDLE_TIMEOUT", cfg.ComputeIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxSessionTime == 0 {
		cfg.MaxSessionTime = DefaultMaxSessionTime(cfg.DispatchMode)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. It is called by Load and again by
// the runner after command line flags are applied.
func (c Config) Validate() error {
	if c.DailyAPIKey == "" {
		return errors.New("missing environment variable: DAILY_API_KEY")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("FAST_API_PORT must be in [1,65535], got %d", c.Port)
	}
	if c.MaxSessionTime <= 0 {
		return errors.New("MAX_SESSION_TIME must be positive")
	}
	if c.BotKillGrace < 0 {
		return errors.New("BOT_KILL_GRACE must be >= 0")
	}
	switch c.DispatchMode {
	case DispatchModeLocal:
		if strings.TrimSpace(c.BotCommand) == "" {
			return errors.New("BOT_COMMAND is required for local dispatch")
		}
	case DispatchModeRemote:
		if c.ComputeAPIURL == "" {
			return errors.New("COMPUTE_API_URL is required for remote dispatch")
		}
		if strings.TrimSpace(c.ComputeFunction) == "" {
			return errors.New("COMPUTE_FUNCTION is required for remote dispatch")
		}
	case DispatchModeMock:
	default:
		return fmt.Errorf("invalid BOT_DISPATCH_MODE: %q (expected local|remote|mock)", c.DispatchMode)
	}
	return nil
}

// AddFlags binds the command line overrides of the runner to fs.
func (c *Config) AddFlags(fs *pflag.FlagSet) *Config {
	fs.StringVar(&c.Host, "host", c.Host, "Host address")
	fs.IntVar(&c.Port, "port", c.Port, "Port number")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
	return c
}

// AddFlags binds the worker settings that may also come from flags.
func (c *WorkerConfig) AddFlags(fs *pflag.FlagSet) *WorkerConfig {
	fs.StringVar(&c.EngineURL, "engine-url", c.EngineURL, "Pipeline engine websocket URL")
	fs.StringVar(&c.BotName, "bot-name", c.BotName, "Participant name of the bot")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
	return c
}

// BindAddr joins host and port into a listen address.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DefaultMaxSessionTime returns the session cap used when MAX_SESSION_TIME is unset.
func DefaultMaxSessionTime(mode string) time.Duration {
	if mode == DispatchModeRemote {
		return DefaultRemoteMaxSessionTime
	}
	return DefaultLocalMaxSessionTime
}

// ParseHostList splits a comma separated allow-list. Blank entries are dropped,
// so a list made only of separators behaves like an empty list.
func ParseHostList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// LoadWorker reads the worker process settings.
func LoadWorker() (WorkerConfig, error) {
	cfg := WorkerConfig{
		EngineURL: stringsTrimSpace("PIPELINE_ENGINE_URL"),
		BotName:   envOrDefault("BOT_NAME", "Realtime AI"),
	}
	var err error
	cfg.Debug, err = boolFromEnv("APP_DEBUG", true)
	if err != nil {
		return WorkerConfig{}, err
	}
	cfg.LogJSON, err = boolFromEnv("APP_LOG_JSON", false)
	if err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
