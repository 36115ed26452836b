package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Requests  RequestsConfig  `yaml:"requests"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	APNs      APNsConfig      `yaml:"apns"`
	WebPush   WebPushConfig   `yaml:"webpush"`
	TLS       TLSConfig       `yaml:"tls"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	HTTPSAddr string `yaml:"https_addr"`
	StateDir  string `yaml:"state_dir"`
}

type RequestsConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	RetentionSeconds     int `yaml:"retention_seconds"`
	MaxHistory           int `yaml:"max_history"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

type RoomsConfig struct {
	IdleTTLSeconds int `yaml:"idle_ttl_seconds"`
	MaxRooms       int `yaml:"max_rooms"`
	MaxDevices     int `yaml:"max_devices"`
}

type APNsConfig struct {
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	KeyPath    string `yaml:"key_path"`
	BundleID   string `yaml:"bundle_id"`
	Production bool   `yaml:"production"`
}

// Configured reports whether every credential needed to talk to APNs is set.
func (c APNsConfig) Configured() bool {
	return c.KeyID != "" && c.TeamID != "" && c.KeyPath != "" && c.BundleID != ""
}

type WebPushConfig struct {
	VAPIDPublicKey  string `yaml:"vapid_public_key"`
	VAPIDPrivateKey string `yaml:"vapid_private_key"`
	Subject         string `yaml:"subject"`
	TTLSeconds      int    `yaml:"ttl_seconds"`
}

func (c WebPushConfig) Configured() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != "" && c.Subject != ""
}

type TLSConfig struct {
	Enabled              *bool    `yaml:"enabled"`
	CertPath             string   `yaml:"cert_path"`
	KeyPath              string   `yaml:"key_path"`
	ExtraSANs            []string `yaml:"extra_sans"`
	MaxDynamicSANs       int      `yaml:"max_dynamic_sans"`
	RegenDebounceSeconds *int     `yaml:"regen_debounce_seconds"`
}

// External reports whether the operator supplied their own certificate.
func (c TLSConfig) External() bool {
	return c.CertPath != "" && c.KeyPath != ""
}

type WebSocketConfig struct {
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type MDNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty *bool  `yaml:"pretty"`
}

// LoadConfig reads the YAML file at path (if any), fills defaults and then
// applies environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":3939"
	}
	if cfg.Server.HTTPSAddr == "" {
		cfg.Server.HTTPSAddr = nextPortAddr(cfg.Server.HTTPAddr)
	}
	if cfg.Server.StateDir == "" {
		cfg.Server.StateDir = "certs"
	}

	if cfg.Requests.TimeoutSeconds == 0 {
		cfg.Requests.TimeoutSeconds = 120
	}
	cfg.Requests.TimeoutSeconds = max(cfg.Requests.TimeoutSeconds, 10)
	if cfg.Requests.RetentionSeconds == 0 {
		cfg.Requests.RetentionSeconds = 300
	}
	cfg.Requests.RetentionSeconds = max(cfg.Requests.RetentionSeconds, 10)
	cfg.Requests.MaxHistory = max(cfg.Requests.MaxHistory, 0)
	if cfg.Requests.SweepIntervalSeconds <= 0 {
		cfg.Requests.SweepIntervalSeconds = 60
	}

	if cfg.Rooms.IdleTTLSeconds == 0 {
		cfg.Rooms.IdleTTLSeconds = 3600
	}
	cfg.Rooms.IdleTTLSeconds = max(cfg.Rooms.IdleTTLSeconds, 60)
	if cfg.Rooms.MaxRooms == 0 {
		cfg.Rooms.MaxRooms = 10
	}
	cfg.Rooms.MaxRooms = max(cfg.Rooms.MaxRooms, 1)
	if cfg.Rooms.MaxDevices == 0 {
		cfg.Rooms.MaxDevices = 4
	}
	cfg.Rooms.MaxDevices = max(cfg.Rooms.MaxDevices, 1)

	if cfg.WebPush.TTLSeconds <= 0 {
		cfg.WebPush.TTLSeconds = 120
	}

	if cfg.TLS.Enabled == nil {
		cfg.TLS.Enabled = boolPtr(true)
	}
	if cfg.TLS.MaxDynamicSANs <= 0 {
		cfg.TLS.MaxDynamicSANs = 50
	}
	if cfg.TLS.RegenDebounceSeconds == nil {
		debounce := 10
		cfg.TLS.RegenDebounceSeconds = &debounce
	}

	if cfg.WebSocket.PingIntervalSeconds <= 0 {
		cfg.WebSocket.PingIntervalSeconds = 30
	}

	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = boolPtr(true)
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.MDNS.Instance == "" {
		cfg.MDNS.Instance = "PromptRelay"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Pretty == nil {
		cfg.Log.Pretty = boolPtr(true)
	}
}

// applyEnv maps the environment variables the hook scripts and docker images
// already use onto the config.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.HTTPAddr = ":" + strconv.Itoa(port)
	}
	if v := os.Getenv("HTTPS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTPS_PORT: %w", err)
		}
		cfg.Server.HTTPSAddr = ":" + strconv.Itoa(port)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REQUEST_TIMEOUT", &cfg.Requests.TimeoutSeconds},
		{"REQUEST_CLEANUP", &cfg.Requests.RetentionSeconds},
		{"MAX_HISTORY", &cfg.Requests.MaxHistory},
		{"ROOM_CLEANUP", &cfg.Rooms.IdleTTLSeconds},
		{"MAX_ROOMS", &cfg.Rooms.MaxRooms},
		{"MAX_DEVICES", &cfg.Rooms.MaxDevices},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"APNS_KEY_ID", &cfg.APNs.KeyID},
		{"APNS_TEAM_ID", &cfg.APNs.TeamID},
		{"APNS_KEY_PATH", &cfg.APNs.KeyPath},
		{"APNS_BUNDLE_ID", &cfg.APNs.BundleID},
		{"VAPID_PUBLIC_KEY", &cfg.WebPush.VAPIDPublicKey},
		{"VAPID_PRIVATE_KEY", &cfg.WebPush.VAPIDPrivateKey},
		{"VAPID_SUBJECT", &cfg.WebPush.Subject},
		{"HTTPS_CERT_PATH", &cfg.TLS.CertPath},
		{"HTTPS_KEY_PATH", &cfg.TLS.KeyPath},
		{"LOG_LEVEL", &cfg.Log.Level},
	}
	for _, e := range strs {
		if v := os.Getenv(e.key); v != "" {
			*e.dst = v
		}
	}

	if v := os.Getenv("APNS_PRODUCTION"); v != "" {
		cfg.APNs.Production = v == "true"
	}
	if v := os.Getenv("HTTPS_EXTRA_SANS"); v != "" {
		cfg.TLS.ExtraSANs = append(cfg.TLS.ExtraSANs, splitList(v)...)
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Requests.TimeoutSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Requests.RetentionSeconds) * time.Second
}

func (c *Config) RoomIdleTTL() time.Duration {
	return time.Duration(c.Rooms.IdleTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Requests.SweepIntervalSeconds) * time.Second
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WebSocket.PingIntervalSeconds) * time.Second
}

func (c *Config) RegenDebounce() time.Duration {
	if c.TLS.RegenDebounceSeconds == nil {
		return 0
	}
	return time.Duration(*c.TLS.RegenDebounceSeconds) * time.Second
}

func (c *Config) TLSEnabled() bool {
	return c.TLS.Enabled == nil || *c.TLS.Enabled
}

func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

func (c *Config) LogPretty() bool {
	return c.Log.Pretty == nil || *c.Log.Pretty
}

// nextPortAddr turns ":3939" into ":3940". Unparseable input falls back to
// the stock HTTPS port.
func nextPortAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ":3940"
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return ":3940"
	}
	return net.JoinHostPort(host, strconv.Itoa(n+1))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func boolPtr(v bool) *bool {
	return &v
}
