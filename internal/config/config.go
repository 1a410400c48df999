package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v2"

	"shiptrack-svr/internal/observability"
)

// Config is the full server configuration. Durations are in milliseconds
// on the wire and exposed as time.Duration through accessor methods.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Clients   ClientsConfig   `yaml:"clients"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Staleness StalenessConfig `yaml:"staleness"`
	ShipLog   ShipLogConfig   `yaml:"shipLog"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Redis     RedisConfig     `yaml:"redis"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig holds the WebSocket listeners. Ports is a single port
// ("4001"), a range ("4001-4002") or a comma list ("4001,4003").
type ListenConfig struct {
	Host  string `yaml:"host"`
	Ports string `yaml:"ports"`
}

type ClientsConfig struct {
	Max             int `yaml:"max"`
	SendQueue       int `yaml:"sendQueue"`
	WriteTimeoutMs  int `yaml:"writeTimeoutMs"`
	MaxMessageBytes int `yaml:"maxMessageBytes"`
}

type BroadcastConfig struct {
	PeriodMs int    `yaml:"periodMs"`
	Timezone string `yaml:"timezone"` // IANA name; empty means process local time
}

type StalenessConfig struct {
	WindowMs int  `yaml:"windowMs"`
	Reset    bool `yaml:"reset"`
}

// ShipLogConfig controls the rotating JSON-lines broadcast log.
type ShipLogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
	QueueSize  int    `yaml:"queueSize"`
}

type MetricsConfig struct {
	Port string `yaml:"port"`
}

type HealthConfig struct {
	GRPCPort string `yaml:"grpcPort"`
}

type RedisConfig struct {
	Addr  string `yaml:"addr"`
	DB    int    `yaml:"db"`
	TTLMs int    `yaml:"ttlMs"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"clientId"`
	Topic    string `yaml:"topic"`
}

// ProxyConfig is the upstream NDJSON link; empty Addr disables it.
type ProxyConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file or env is present.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Host:  "0.0.0.0",
			Ports: "4001",
		},
		Clients: ClientsConfig{
			Max:             200,
			SendQueue:       16,
			WriteTimeoutMs:  5000,
			MaxMessageBytes: 64 * 1024,
		},
		Broadcast: BroadcastConfig{
			PeriodMs: 1000,
		},
		Staleness: StalenessConfig{
			WindowMs: 5000,
			Reset:    true,
		},
		ShipLog: ShipLogConfig{
			File:       "logs/ships_log.log",
			MaxSizeMB:  20,
			MaxBackups: 10,
			MaxAgeDays: 7,
			Compress:   true,
			QueueSize:  64,
		},
		Metrics: MetricsConfig{Port: "9000"},
		Health:  HealthConfig{GRPCPort: "50051"},
		Redis: RedisConfig{
			TTLMs: 10000,
		},
		MQTT: MQTTConfig{
			ClientID: "shiptrack-svr",
			Topic:    "ships/update",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load layers defaults, the YAML file at path (skipped when path is empty)
// and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	cfg.Listen.Host = getEnv("WS_HOST", cfg.Listen.Host)
	cfg.Listen.Ports = getEnv("WS_PORTS", cfg.Listen.Ports)
	cfg.Broadcast.Timezone = getEnv("BROADCAST_TZ", cfg.Broadcast.Timezone)
	cfg.ShipLog.File = getEnv("SHIPLOG_FILE", cfg.ShipLog.File)
	cfg.Metrics.Port = getEnv("METRICS_PORT", cfg.Metrics.Port)
	cfg.Health.GRPCPort = getEnv("GRPC_HEALTH_PORT", cfg.Health.GRPCPort)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.Proxy.Addr = getEnv("PROXY_ADDR", cfg.Proxy.Addr)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_CLIENTS", &cfg.Clients.Max},
		{"SEND_QUEUE", &cfg.Clients.SendQueue},
		{"WRITE_TIMEOUT_MS", &cfg.Clients.WriteTimeoutMs},
		{"MAX_MESSAGE_BYTES", &cfg.Clients.MaxMessageBytes},
		{"BROADCAST_PERIOD_MS", &cfg.Broadcast.PeriodMs},
		{"STALENESS_WINDOW_MS", &cfg.Staleness.WindowMs},
		{"REDIS_DB", &cfg.Redis.DB},
	}
	for _, e := range ints {
		if err := getEnvInt(e.key, e.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("STALENESS_RESET"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("env STALENESS_RESET: %w", err)
		}
		cfg.Staleness.Reset = b
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, dst *int) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	*dst = n
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if _, err := ParsePorts(c.Listen.Ports); err != nil {
		return err
	}
	if c.Clients.Max < 1 {
		return fmt.Errorf("clients.max %d must be at least 1", c.Clients.Max)
	}
	if c.Clients.SendQueue < 1 {
		return fmt.Errorf("clients.sendQueue %d must be at least 1", c.Clients.SendQueue)
	}
	if c.Clients.WriteTimeoutMs <= 0 {
		return fmt.Errorf("clients.writeTimeoutMs %d must be positive", c.Clients.WriteTimeoutMs)
	}
	if c.Clients.MaxMessageBytes <= 0 {
		return fmt.Errorf("clients.maxMessageBytes %d must be positive", c.Clients.MaxMessageBytes)
	}
	if c.Broadcast.PeriodMs <= 0 {
		return fmt.Errorf("broadcast.periodMs %d must be positive", c.Broadcast.PeriodMs)
	}
	if c.Staleness.WindowMs <= 0 {
		return fmt.Errorf("staleness.windowMs %d must be positive", c.Staleness.WindowMs)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ShipLog.File == "" {
		return fmt.Errorf("shipLog.file must be set")
	}
	if c.ShipLog.QueueSize < 1 {
		return fmt.Errorf("shipLog.queueSize %d must be at least 1", c.ShipLog.QueueSize)
	}
	if c.Redis.Addr != "" && c.Redis.TTLMs <= 0 {
		return fmt.Errorf("redis.ttlMs %d must be positive", c.Redis.TTLMs)
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic must be set when mqtt.broker is configured")
	}
	if _, err := observability.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func (c *Config) BroadcastPeriod() time.Duration {
	return time.Duration(c.Broadcast.PeriodMs) * time.Millisecond
}

func (c *Config) StalenessWindow() time.Duration {
	return time.Duration(c.Staleness.WindowMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Clients.WriteTimeoutMs) * time.Millisecond
}

func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLMs) * time.Millisecond
}

// Location resolves broadcast.timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Broadcast.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Broadcast.Timezone)
	if err != nil {
		return nil, fmt.Errorf("broadcast.timezone: %w", err)
	}
	return loc, nil
}

// ParsePorts expands the listen.ports syntax into a de-duplicated list,
// keeping the order given.
func ParsePorts(list string) ([]int, error) {
	seen := make(map[int]bool)
	var ports []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, hi = strings.TrimSpace(part[:i]), strings.TrimSpace(part[i+1:])
		}
		from, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		to, err := parsePort(hi)
		if err != nil {
			return nil, err
		}
		if to < from {
			return nil, fmt.Errorf("listen.ports: range %q is reversed", part)
		}
		for p := from; p <= to; p++ {
			if !seen[p] {
				seen[p] = true
				ports = append(ports, p)
			}
		}
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("listen.ports: at least one port is required")
	}
	return ports, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("listen.ports: invalid port %q", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("listen.ports: port %d out of range", p)
	}
	return p, nil
}
