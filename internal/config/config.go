package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects the settings of every presencehub component.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Presence  *PresenceConfig  `json:"presence"`
	Lesson    *LessonConfig    `json:"lesson"`
	Relay     *RelayConfig     `json:"relay"`
	Metrics   *MetricsConfig   `json:"metrics"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
}

type HTTPConfig struct {
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	Host           string        `json:"host"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// WebSocketConfig covers the socket read side, heartbeat and inbound rate limit.
type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	PingTimeout    time.Duration `json:"ping_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	MaxMessageSize int64         `json:"max_message_size"`
	RateLimit      int           `json:"rate_limit"`
	RateWindow     time.Duration `json:"rate_window"`
}

type PresenceConfig struct {
	ReconcileInterval time.Duration `json:"reconcile_interval"`
	WriteTimeout      time.Duration `json:"write_timeout"`
}

type LessonConfig struct {
	MaxDurationMinutes float64 `json:"max_duration_minutes"`
}

// RelayConfig is optional; an empty Addr disables the Redis relay.
type RelayConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// Enabled reports whether a Redis address is configured.
func (r *RelayConfig) Enabled() bool {
	return r != nil && r.Addr != ""
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DefaultConfig returns classroom defaults: 30s heartbeat and reconcile
// periods, 100 messages per minute per connection, four hour lessons.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/presencehub.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			PingTimeout:    5 * time.Second,
			ReadTimeout:    90 * time.Second,
			MaxMessageSize: 4096,
			RateLimit:      100,
			RateWindow:     time.Minute,
		},
		Presence: &PresenceConfig{
			ReconcileInterval: 30 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		Lesson: &LessonConfig{
			MaxDurationMinutes: 240,
		},
		Relay: &RelayConfig{
			Channel: "presencehub:lessons",
		},
		Metrics: &MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 picks an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PingTimeout <= 0 || c.WebSocket.PingTimeout >= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket ping timeout must be positive and shorter than the ping interval")
	}
	// A client is evicted on the second missed probe; the read deadline
	// must not fire before that.
	if c.WebSocket.ReadTimeout <= 2*c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout (%s) must exceed two ping intervals (%s)",
			c.WebSocket.ReadTimeout, 2*c.WebSocket.PingInterval)
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}
	if c.WebSocket.RateLimit <= 0 {
		return fmt.Errorf("WebSocket rate limit must be positive")
	}
	if c.WebSocket.RateWindow <= 0 {
		return fmt.Errorf("WebSocket rate window must be positive")
	}

	if c.Presence == nil {
		return fmt.Errorf("presence configuration is required")
	}
	if c.Presence.ReconcileInterval <= 0 {
		return fmt.Errorf("presence reconcile interval must be positive")
	}
	if c.Presence.WriteTimeout <= 0 {
		return fmt.Errorf("presence write timeout must be positive")
	}

	if c.Lesson == nil {
		return fmt.Errorf("lesson configuration is required")
	}
	if c.Lesson.MaxDurationMinutes <= 0 {
		return fmt.Errorf("lesson max duration must be positive")
	}

	if c.Relay.Enabled() {
		if c.Relay.Channel == "" {
			return fmt.Errorf("relay channel cannot be empty when relay address is set")
		}
		if c.Relay.DB < 0 {
			return fmt.Errorf("relay db cannot be negative")
		}
	}

	if c.Metrics != nil && c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}

	return nil
}

// LoadFromEnv applies PRESENCEHUB_* variables over the defaults.
// Unparseable values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	envString("PRESENCEHUB_DATABASE_PATH", &config.Database.Path)
	envDuration("PRESENCEHUB_DATABASE_TIMEOUT", &config.Database.Timeout)
	envInt("PRESENCEHUB_DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)

	envInt("PRESENCEHUB_HTTP_PORT", &config.HTTP.Port)
	envString("PRESENCEHUB_HTTP_HOST", &config.HTTP.Host)
	envDuration("PRESENCEHUB_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("PRESENCEHUB_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	if origins := os.Getenv("PRESENCEHUB_HTTP_ALLOWED_ORIGINS"); origins != "" {
		config.HTTP.AllowedOrigins = splitList(origins)
	}

	envDuration("PRESENCEHUB_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("PRESENCEHUB_WEBSOCKET_PING_TIMEOUT", &config.WebSocket.PingTimeout)
	envDuration("PRESENCEHUB_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	if size := os.Getenv("PRESENCEHUB_WEBSOCKET_MAX_MESSAGE_SIZE"); size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil {
			config.WebSocket.MaxMessageSize = n
		}
	}
	envInt("PRESENCEHUB_WEBSOCKET_RATE_LIMIT", &config.WebSocket.RateLimit)
	envDuration("PRESENCEHUB_WEBSOCKET_RATE_WINDOW", &config.WebSocket.RateWindow)

	envDuration("PRESENCEHUB_PRESENCE_RECONCILE_INTERVAL", &config.Presence.ReconcileInterval)
	envDuration("PRESENCEHUB_PRESENCE_WRITE_TIMEOUT", &config.Presence.WriteTimeout)

	if minutes := os.Getenv("PRESENCEHUB_LESSON_MAX_DURATION_MINUTES"); minutes != "" {
		if m, err := strconv.ParseFloat(minutes, 64); err == nil {
			config.Lesson.MaxDurationMinutes = m
		}
	}

	envString("PRESENCEHUB_RELAY_ADDR", &config.Relay.Addr)
	envString("PRESENCEHUB_RELAY_PASSWORD", &config.Relay.Password)
	envInt("PRESENCEHUB_RELAY_DB", &config.Relay.DB)
	envString("PRESENCEHUB_RELAY_CHANNEL", &config.Relay.Channel)

	if enabled := os.Getenv("PRESENCEHUB_METRICS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Metrics.Enabled = b
		}
	}
	envString("PRESENCEHUB_METRICS_PATH", &config.Metrics.Path)

	return config
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigFile is the on-disk shape. Durations are strings such as "30s".
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database" yaml:"database"`
	HTTP      *HTTPConfigFile      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket" yaml:"websocket"`
	Presence  *PresenceConfigFile  `json:"presence" yaml:"presence"`
	Lesson    *LessonConfigFile    `json:"lesson" yaml:"lesson"`
	Relay     *RelayConfigFile     `json:"relay" yaml:"relay"`
	Metrics   *MetricsConfigFile   `json:"metrics" yaml:"metrics"`
}

type DatabaseConfigFile struct {
	Path           string `json:"path" yaml:"path"`
	Timeout        string `json:"timeout" yaml:"timeout"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
}

type HTTPConfigFile struct {
	Port           int      `json:"port" yaml:"port"`
	ReadTimeout    string   `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout" yaml:"write_timeout"`
	Host           string   `json:"host" yaml:"host"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type WebSocketConfigFile struct {
	PingInterval   string `json:"ping_interval" yaml:"ping_interval"`
	PingTimeout    string `json:"ping_timeout" yaml:"ping_timeout"`
	ReadTimeout    string `json:"read_timeout" yaml:"read_timeout"`
	MaxMessageSize int64  `json:"max_message_size" yaml:"max_message_size"`
	RateLimit      int    `json:"rate_limit" yaml:"rate_limit"`
	RateWindow     string `json:"rate_window" yaml:"rate_window"`
}

type PresenceConfigFile struct {
	ReconcileInterval string `json:"reconcile_interval" yaml:"reconcile_interval"`
	WriteTimeout      string `json:"write_timeout" yaml:"write_timeout"`
}

type LessonConfigFile struct {
	MaxDurationMinutes float64 `json:"max_duration_minutes" yaml:"max_duration_minutes"`
}

type RelayConfigFile struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type MetricsConfigFile struct {
	Enabled *bool  `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// LoadFromFile reads a JSON or YAML (.yaml/.yml) file over the
// environment and defaults. Environment references like ${REDIS_PASSWORD} are expanded first.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(expanded, &file)
	default:
		err = json.Unmarshal(expanded, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := LoadFromEnv()
	if err := file.apply(config); err != nil {
		return nil, fmt.Errorf("invalid value in %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// apply copies set fields onto config. Bad durations are errors here,
// unlike environment variables, since a file is edited deliberately.
func (f *ConfigFile) apply(config *Config) error {
	if d := f.Database; d != nil {
		if d.Path != "" {
			config.Database.Path = d.Path
		}
		if d.MaxConnections > 0 {
			config.Database.MaxConnections = d.MaxConnections
		}
		if err := parseDuration("database.timeout", d.Timeout, &config.Database.Timeout); err != nil {
			return err
		}
	}

	if h := f.HTTP; h != nil {
		if h.Port > 0 {
			config.HTTP.Port = h.Port
		}
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		if len(h.AllowedOrigins) > 0 {
			config.HTTP.AllowedOrigins = h.AllowedOrigins
		}
		if err := parseDuration("http.read_timeout", h.ReadTimeout, &config.HTTP.ReadTimeout); err != nil {
			return err
		}
		if err := parseDuration("http.write_timeout", h.WriteTimeout, &config.HTTP.WriteTimeout); err != nil {
			return err
		}
	}

	if w := f.WebSocket; w != nil {
		if w.MaxMessageSize > 0 {
			config.WebSocket.MaxMessageSize = w.MaxMessageSize
		}
		if w.RateLimit > 0 {
			config.WebSocket.RateLimit = w.RateLimit
		}
		for _, field := range []struct {
			name  string
			value string
			dst   *time.Duration
		}{
			{"websocket.ping_interval", w.PingInterval, &config.WebSocket.PingInterval},
			{"websocket.ping_timeout", w.PingTimeout, &config.WebSocket.PingTimeout},
			{"websocket.read_timeout", w.ReadTimeout, &config.WebSocket.ReadTimeout},
			{"websocket.rate_window", w.RateWindow, &config.WebSocket.RateWindow},
		} {
			if err := parseDuration(field.name, field.value, field.dst); err != nil {
				return err
			}
		}
	}

	if p := f.Presence; p != nil {
		if err := parseDuration("presence.reconcile_interval", p.ReconcileInterval, &config.Presence.ReconcileInterval); err != nil {
			return err
		}
		if err := parseDuration("presence.write_timeout", p.WriteTimeout, &config.Presence.WriteTimeout); err != nil {
			return err
		}
	}

	if l := f.Lesson; l != nil && l.MaxDurationMinutes > 0 {
		config.Lesson.MaxDurationMinutes = l.MaxDurationMinutes
	}

	if r := f.Relay; r != nil {
		if r.Addr != "" {
			config.Relay.Addr = r.Addr
		}
		if r.Password != "" {
			config.Relay.Password = r.Password
		}
		if r.Channel != "" {
			config.Relay.Channel = r.Channel
		}
		if r.DB > 0 {
			config.Relay.DB = r.DB
		}
	}

	if m := f.Metrics; m != nil {
		if m.Enabled != nil {
			config.Metrics.Enabled = *m.Enabled
		}
		if m.Path != "" {
			config.Metrics.Path = m.Path
		}
	}

	return nil
}

func parseDuration(name, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults.
// A missing or invalid file falls back to the environment.
func LoadConfigWithPrecedence(path string) *Config {
	config := LoadFromEnv()

	if path != "" {
		if fileConfig, err := LoadFromFile(path); err == nil {
			config = fileConfig
		}
	}

	return config
}

// Load is the strict variant used by the CLI: an explicit file that cannot
// be read or parsed is an error, and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		config := LoadFromEnv()
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration from environment: %w", err)
		}
		return config, nil
	}
	return LoadFromFile(path)
}
