package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 汇总服务运行时所需的全部配置。
type Config struct {
	Addr     string `yaml:"addr"`
	CSRFKey  string `yaml:"csrf_key"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	LogDev   bool   `yaml:"log_dev"`

	ScanInterval       time.Duration `yaml:"scan_interval"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	RateStatusInterval time.Duration `yaml:"rate_status_interval"`
	TracePollInterval  time.Duration `yaml:"trace_poll_interval"`

	TraceMaxHops  int           `yaml:"trace_max_hops"`
	TraceCount    int           `yaml:"trace_count"`
	TraceTimeout  time.Duration `yaml:"trace_timeout"`
	TraceInterval time.Duration `yaml:"trace_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	Privileged    bool          `yaml:"privileged"`
	HistoryLimit  int           `yaml:"history_limit"`

	GeoRateLimit int           `yaml:"geo_rate_limit"`
	GeoWindow    time.Duration `yaml:"geo_window"`
	GeoEndpoint  string        `yaml:"geo_endpoint"`
	GeoTimeout   time.Duration `yaml:"geo_timeout"`
	GeoLite2City string        `yaml:"geolite2_city"`
	GeoLite2ASN  string        `yaml:"geolite2_asn"`

	SentinelIP   string `yaml:"sentinel_ip"`
	SentinelPort int    `yaml:"sentinel_port"`

	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`
}

// Default 返回与原有行为一致的默认配置。
func Default() *Config {
	return &Config{
		Addr:     ":5000",
		CSRFKey:  "abcdef0123456789abcdef0123456789",
		DBPath:   "data/nettrace.db",
		LogLevel: "info",

		ScanInterval:       2 * time.Second,
		ProbeInterval:      2 * time.Second,
		RateStatusInterval: time.Second,
		TracePollInterval:  time.Second,

		TraceMaxHops:  20,
		TraceCount:    1,
		TraceTimeout:  time.Second,
		TraceInterval: 50 * time.Millisecond,
		ProbeTimeout:  time.Second,
		Privileged:    true,
		HistoryLimit:  20,

		GeoRateLimit: 45,
		GeoWindow:    60 * time.Second,
		GeoEndpoint:  "http://ip-api.com/json",
		GeoTimeout:   5 * time.Second,

		SentinelIP:   "8.8.8.8",
		SentinelPort: 53,

		RedisChannel: "nettrace:events",
	}
}

// Load 依次应用默认值、可选的 YAML 文件和环境变量，然后校验。
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
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getenv("NETTRACE_HTTP_ADDR", cfg.Addr)
	cfg.CSRFKey = getenv("NETTRACE_CSRF_KEY", cfg.CSRFKey)
	cfg.DBPath = getenv("NETTRACE_DB_PATH", cfg.DBPath)
	cfg.LogLevel = getenv("NETTRACE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogDev = boolEnv("NETTRACE_LOG_DEV", cfg.LogDev)

	cfg.ScanInterval = durationEnv("NETTRACE_SCAN_INTERVAL", cfg.ScanInterval)
	cfg.ProbeInterval = durationEnv("NETTRACE_PROBE_INTERVAL", cfg.ProbeInterval)
	cfg.RateStatusInterval = durationEnv("NETTRACE_RATE_STATUS_INTERVAL", cfg.RateStatusInterval)
	cfg.TracePollInterval = durationEnv("NETTRACE_TRACE_POLL_INTERVAL", cfg.TracePollInterval)

	cfg.TraceMaxHops = intEnv("NETTRACE_TRACE_MAX_HOPS", cfg.TraceMaxHops)
	cfg.TraceCount = intEnv("NETTRACE_TRACE_COUNT", cfg.TraceCount)
	cfg.TraceTimeout = durationEnv("NETTRACE_TRACE_TIMEOUT", cfg.TraceTimeout)
	cfg.TraceInterval = durationEnv("NETTRACE_TRACE_INTERVAL", cfg.TraceInterval)
	cfg.ProbeTimeout = durationEnv("NETTRACE_PROBE_TIMEOUT", cfg.ProbeTimeout)
	cfg.Privileged = boolEnv("NETTRACE_PRIVILEGED", cfg.Privileged)
	cfg.HistoryLimit = intEnv("NETTRACE_HISTORY_LIMIT", cfg.HistoryLimit)

	cfg.GeoRateLimit = intEnv("NETTRACE_GEO_RATE_LIMIT", cfg.GeoRateLimit)
	cfg.GeoWindow = durationEnv("NETTRACE_GEO_WINDOW", cfg.GeoWindow)
	cfg.GeoEndpoint = getenv("NETTRACE_GEO_ENDPOINT", cfg.GeoEndpoint)
	cfg.GeoTimeout = durationEnv("NETTRACE_GEO_TIMEOUT", cfg.GeoTimeout)
	cfg.GeoLite2City = getenv("NETTRACE_GEOLITE2_CITY", cfg.GeoLite2City)
	cfg.GeoLite2ASN = getenv("NETTRACE_GEOLITE2_ASN", cfg.GeoLite2ASN)

	if v, ok := os.LookupEnv("NETTRACE_SENTINEL_IP"); ok {
		// 显式设置为空字符串表示关闭哨兵策略。
		cfg.SentinelIP = strings.TrimSpace(v)
	}
	cfg.SentinelPort = intEnv("NETTRACE_SENTINEL_PORT", cfg.SentinelPort)

	cfg.RedisURL = getenv("NETTRACE_REDIS_URL", cfg.RedisURL)
	cfg.RedisChannel = getenv("NETTRACE_REDIS_CHANNEL", cfg.RedisChannel)
}

// Validate 检查配置取值是否合法。
func (c *Config) Validate() error {
	if len(c.CSRFKey) < 32 {
		return fmt.Errorf("csrf key must be at least 32 bytes, got %d", len(c.CSRFKey))
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"scan interval":        c.ScanInterval,
		"probe interval":       c.ProbeInterval,
		"rate status interval": c.RateStatusInterval,
		"trace poll interval":  c.TracePollInterval,
		"trace timeout":        c.TraceTimeout,
		"probe timeout":        c.ProbeTimeout,
		"geo window":           c.GeoWindow,
		"geo timeout":          c.GeoTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.TraceMaxHops <= 0 || c.TraceMaxHops > 64 {
		return fmt.Errorf("trace max hops must be within 1..64, got %d", c.TraceMaxHops)
	}
	if c.TraceCount <= 0 {
		return fmt.Errorf("trace count must be positive")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}
	if c.GeoRateLimit <= 0 {
		return fmt.Errorf("geo rate limit must be positive")
	}
	if c.SentinelIP != "" {
		if _, err := netip.ParseAddr(c.SentinelIP); err != nil {
			return fmt.Errorf("invalid sentinel ip %q: %w", c.SentinelIP, err)
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func intEnv(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}
