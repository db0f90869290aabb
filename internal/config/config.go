// Package config provides environment-based configuration management.
// An optional YAML file (PANIC_CONFIG_FILE) is read first; environment
// variables override it.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Push transports
const (
	TransportSTOMP = "stomp"
	TransportMQTT  = "mqtt"
	TransportRedis = "redis"
)

// Dedup backends
const (
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

// APIConfig holds the panic backend REST endpoint
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig holds broker parameters of the mqtt transport
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // tcp://host:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// STOMPConfig holds the STOMP-over-WebSocket endpoint
type STOMPConfig struct {
	URL       string        `yaml:"url"` // derived from the API base URL when empty
	HeartBeat time.Duration `yaml:"heartbeat"`
}

// PushConfig selects and tunes the push transport
type PushConfig struct {
	Transport      string        `yaml:"transport"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BufferSize     int           `yaml:"buffer_size"`
	ChannelPrefix  string        `yaml:"channel_prefix"` // redis transport
	MQTT           MQTTConfig    `yaml:"mqtt"`
	STOMP          STOMPConfig   `yaml:"stomp"`
}

// RedisConfig holds Redis connection parameters
type RedisConfig struct {
	Addr     string `yaml:"addr"` // Format: host:port
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GestureConfig tunes the panic button
type GestureConfig struct {
	HoldThreshold time.Duration `yaml:"hold_threshold"`
	TickInterval  time.Duration `yaml:"tick_interval"`
}

// AlarmConfig tunes the local alarm cue
type AlarmConfig struct {
	VibrationPattern []time.Duration `yaml:"vibration_pattern"` // alternating on/off; empty uses the built-in pulse
	VibrationCycle   time.Duration   `yaml:"vibration_cycle"`
	BellInterval     time.Duration   `yaml:"bell_interval"`
	SoundBlocked     bool            `yaml:"sound_blocked"` // start muted until the user enables sound
}

// SessionConfig holds identity and per-session behavior
type SessionConfig struct {
	AccessToken      string        `yaml:"access_token"`
	DisplayName      string        `yaml:"display_name"`
	DefaultRole      string        `yaml:"default_role"`
	AutoJoinVideo    bool          `yaml:"auto_join_video"`
	HandledTTL       time.Duration `yaml:"handled_ttl"`
	Dedup            string        `yaml:"dedup"`
	DedupCapacity    int           `yaml:"dedup_capacity"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	WatchdogGrace    time.Duration `yaml:"watchdog_grace"`
}

// VideoConfig holds the Jitsi deployment
type VideoConfig struct {
	Domain string `yaml:"domain"`
}

// ControlConfig holds the local control API
type ControlConfig struct {
	Listen    string `yaml:"listen"`
	SecretKey string `yaml:"secret_key"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json | console
	ServiceName string `yaml:"service_name"`
}

// Config aggregates all configuration sections
type Config struct {
	API     APIConfig     `yaml:"api"`
	Push    PushConfig    `yaml:"push"`
	Redis   RedisConfig   `yaml:"redis"`
	Gesture GestureConfig `yaml:"gesture"`
	Alarm   AlarmConfig   `yaml:"alarm"`
	Session SessionConfig `yaml:"session"`
	Video   VideoConfig   `yaml:"video"`
	Control ControlConfig `yaml:"control"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		API: APIConfig{Timeout: 10 * time.Second},
		Push: PushConfig{
			Transport:      TransportSTOMP,
			ClientIDPrefix: "panic-relay",
			MaxRetries:     5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			ConnectTimeout: 10 * time.Second,
			BufferSize:     32,
			MQTT:           MQTTConfig{QoS: 1},
			STOMP:          STOMPConfig{HeartBeat: 10 * time.Second},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Gesture: GestureConfig{
			HoldThreshold: 5 * time.Second,
			TickInterval:  50 * time.Millisecond,
		},
		Alarm: AlarmConfig{
			VibrationCycle: 3 * time.Second,
			BellInterval:   time.Second,
		},
		Session: SessionConfig{
			HandledTTL:       24 * time.Hour,
			Dedup:            DedupMemory,
			DedupCapacity:    1024,
			WatchdogInterval: 30 * time.Second,
			WatchdogGrace:    2 * time.Minute,
		},
		Control: ControlConfig{Listen: "127.0.0.1:8787"},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "panic-relay",
		},
	}
}

// LoadConfig reads the optional YAML file then environment variables.
// Returns error if critical values are missing or inconsistent.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("PANIC_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// API
	c.API.BaseURL = getEnv("PANIC_API_URL", c.API.BaseURL)
	c.API.Timeout = getEnvAsDuration("PANIC_API_TIMEOUT", c.API.Timeout)

	// Push transport
	c.Push.Transport = strings.ToLower(getEnv("PANIC_PUSH_TRANSPORT", c.Push.Transport))
	c.Push.ClientIDPrefix = getEnv("PANIC_PUSH_CLIENT_ID_PREFIX", c.Push.ClientIDPrefix)
	c.Push.MaxRetries = getEnvAsInt("PANIC_PUSH_MAX_RETRIES", c.Push.MaxRetries)
	c.Push.InitialBackoff = getEnvAsDuration("PANIC_PUSH_INITIAL_BACKOFF", c.Push.InitialBackoff)
	c.Push.MaxBackoff = getEnvAsDuration("PANIC_PUSH_MAX_BACKOFF", c.Push.MaxBackoff)
	c.Push.ConnectTimeout = getEnvAsDuration("PANIC_PUSH_CONNECT_TIMEOUT", c.Push.ConnectTimeout)
	c.Push.BufferSize = getEnvAsInt("PANIC_PUSH_BUFFER", c.Push.BufferSize)
	c.Push.ChannelPrefix = getEnv("PANIC_PUSH_CHANNEL_PREFIX", c.Push.ChannelPrefix)
	c.Push.MQTT.Broker = getEnv("PANIC_MQTT_BROKER", c.Push.MQTT.Broker)
	c.Push.MQTT.Username = getEnv("PANIC_MQTT_USERNAME", c.Push.MQTT.Username)
	c.Push.MQTT.Password = getEnv("PANIC_MQTT_PASSWORD", c.Push.MQTT.Password)
	c.Push.MQTT.TopicPrefix = getEnv("PANIC_MQTT_TOPIC_PREFIX", c.Push.MQTT.TopicPrefix)
	c.Push.MQTT.QoS = getEnvAsInt("PANIC_MQTT_QOS", c.Push.MQTT.QoS)
	c.Push.STOMP.URL = getEnv("PANIC_STOMP_URL", c.Push.STOMP.URL)
	c.Push.STOMP.HeartBeat = getEnvAsDuration("PANIC_STOMP_HEARTBEAT", c.Push.STOMP.HeartBeat)

	// Redis
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	// Gesture + alarm
	c.Gesture.HoldThreshold = getEnvAsDuration("PANIC_HOLD_THRESHOLD", c.Gesture.HoldThreshold)
	c.Gesture.TickInterval = getEnvAsDuration("PANIC_HOLD_TICK", c.Gesture.TickInterval)
	c.Alarm.VibrationPattern = getEnvAsDurations("PANIC_VIBRATION_PATTERN", c.Alarm.VibrationPattern)
	c.Alarm.VibrationCycle = getEnvAsDuration("PANIC_VIBRATION_CYCLE", c.Alarm.VibrationCycle)
	c.Alarm.BellInterval = getEnvAsDuration("PANIC_BELL_INTERVAL", c.Alarm.BellInterval)
	c.Alarm.SoundBlocked = getEnvAsBool("PANIC_SOUND_BLOCKED", c.Alarm.SoundBlocked)

	// Session
	c.Session.AccessToken = getEnv("PANIC_ACCESS_TOKEN", c.Session.AccessToken)
	c.Session.DisplayName = getEnv("PANIC_DISPLAY_NAME", c.Session.DisplayName)
	c.Session.DefaultRole = getEnv("PANIC_DEFAULT_ROLE", c.Session.DefaultRole)
	c.Session.AutoJoinVideo = getEnvAsBool("PANIC_AUTO_JOIN_VIDEO", c.Session.AutoJoinVideo)
	c.Session.HandledTTL = getEnvAsDuration("PANIC_HANDLED_TTL", c.Session.HandledTTL)
	c.Session.Dedup = strings.ToLower(getEnv("PANIC_DEDUP", c.Session.Dedup))
	c.Session.DedupCapacity = getEnvAsInt("PANIC_DEDUP_CAPACITY", c.Session.DedupCapacity)
	c.Session.WatchdogInterval = getEnvAsDuration("PANIC_WATCHDOG_INTERVAL", c.Session.WatchdogInterval)
	c.Session.WatchdogGrace = getEnvAsDuration("PANIC_WATCHDOG_GRACE", c.Session.WatchdogGrace)

	// Video, control, log
	c.Video.Domain = getEnv("PANIC_VIDEO_DOMAIN", c.Video.Domain)
	c.Control.Listen = getEnv("PANIC_CONTROL_LISTEN", c.Control.Listen)
	c.Control.SecretKey = getEnv("PANIC_CONTROL_SECRET", c.Control.SecretKey)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.ServiceName = getEnv("SERVICE_NAME", c.Log.ServiceName)
}

// Validate checks required values and fills derived ones
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("PANIC_API_URL environment variable is required")
	}
	base, err := url.Parse(c.API.BaseURL)
	if err != nil || base.Host == "" {
		return fmt.Errorf("PANIC_API_URL %q is not an absolute URL", c.API.BaseURL)
	}

	switch c.Push.Transport {
	case TransportSTOMP:
		if c.Push.STOMP.URL == "" {
			c.Push.STOMP.URL = stompURL(base)
		}
	case TransportMQTT:
		if c.Push.MQTT.Broker == "" {
			return fmt.Errorf("PANIC_MQTT_BROKER is required for the mqtt transport")
		}
		if c.Push.MQTT.QoS < 0 || c.Push.MQTT.QoS > 2 {
			return fmt.Errorf("PANIC_MQTT_QOS must be 0, 1 or 2")
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis transport")
		}
	default:
		return fmt.Errorf("unknown push transport %q", c.Push.Transport)
	}

	switch c.Session.Dedup {
	case DedupMemory:
	case DedupRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required for redis dedup")
		}
	default:
		return fmt.Errorf("unknown dedup backend %q", c.Session.Dedup)
	}

	if c.Gesture.HoldThreshold <= 0 {
		return fmt.Errorf("hold threshold must be positive")
	}
	for _, d := range c.Alarm.VibrationPattern {
		if d <= 0 {
			return fmt.Errorf("PANIC_VIBRATION_PATTERN steps must be positive, got %s", d)
		}
	}
	if c.Push.MaxRetries < 0 {
		c.Push.MaxRetries = 0
	}
	return nil
}

// NeedsRedis reports whether any component uses the Redis client
func (c *Config) NeedsRedis() bool {
	return c.Push.Transport == TransportRedis || c.Session.Dedup == DedupRedis
}

// stompURL derives the WebSocket endpoint from the REST base URL
func stompURL(base *url.URL) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String()
}

// getEnv reads environment variable with fallback default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads environment variable as integer with fallback default
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a Go duration ("5s") or plain milliseconds
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getEnvAsDurations reads a comma separated list of durations ("700ms,300ms").
// Any unparsable step keeps the default.
func getEnvAsDurations(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		d, err := time.ParseDuration(part)
		if err != nil {
			ms, convErr := strconv.Atoi(part)
			if convErr != nil {
				return defaultValue
			}
			d = time.Duration(ms) * time.Millisecond
		}
		out = append(out, d)
	}
	return out
}

// getEnvAsBool reads environment variable as bool with fallback default
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
