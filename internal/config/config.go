// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/sp-rest-proxy/config.toml",
	"configs/config.toml",
	"config/private.toml",
}

// Gateway modes.
const (
	ModeStandalone    = ""
	ModeGatewayServer = "server"
	ModeGatewayClient = "client"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	SiteURL  string `kong:"help='Upstream site URL (overrides config).',env='SITE_URL'"`
	Mode     string `kong:"help='Gateway mode: server|client (overrides config).',env='GATEWAY_MODE'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Site     SiteConfig     `toml:"site"`
	Auth     AuthConfig     `toml:"auth"`
	Upstream UpstreamConfig `toml:"upstream"`
	Digest   DigestConfig   `toml:"digest"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Console  ConsoleConfig  `toml:"console"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Protocol          string          `toml:"protocol"` // http or https
	Host              string          `toml:"host"`
	Port              int             `toml:"port"` // 0 means "use default" (8080)
	PublicURL         string          `toml:"public_url"`
	TLSCert           string          `toml:"tls_cert"`
	TLSKey            string          `toml:"tls_key"`
	RawBodyMaxBytes   int64           `toml:"raw_body_max_bytes"`
	JSONBodyMaxBytes  int64           `toml:"json_body_max_bytes"`
	StrictRelativeURL bool            `toml:"strict_relative_urls"`
	RateLimit         RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// SiteConfig identifies the single upstream site this instance fronts.
type SiteConfig struct {
	URL string `toml:"url"`
}

// AuthConfig holds the stored credentials handed to the auth provider.
type AuthConfig struct {
	Username string            `toml:"username"`
	Password string            `toml:"password"`
	Token    string            `toml:"token"`
	Cookie   string            `toml:"cookie"`
	Headers  map[string]string `toml:"headers"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int  `toml:"timeout_seconds"`
	IdleConnections int  `toml:"idle_connections"`
	VerifyTLS       bool `toml:"verify_tls"`
	FailureStatus   int  `toml:"failure_status"`
}

// DigestConfig selects where request digests are cached.
type DigestConfig struct {
	Backend       string `toml:"backend"` // memory or redis
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	KeyPrefix     string `toml:"key_prefix"`
}

// GatewayConfig controls split-process tunnel mode.
type GatewayConfig struct {
	Mode           string `toml:"mode"` // "", server or client
	Path           string `toml:"path"`
	ServerURL      string `toml:"server_url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ConsoleConfig holds the bundled web console settings.
type ConsoleConfig struct {
	Enabled bool   `toml:"enabled"`
	Root    string `toml:"root"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// configSearchPaths in order.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// Parse decodes TOML config data without validation or defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.SiteURL != "" {
		c.Site.URL = cli.SiteURL
	}
	if cli.Mode != "" {
		c.Gateway.Mode = cli.Mode
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	mode := strings.ToLower(c.Gateway.Mode)
	switch mode {
	case ModeStandalone, ModeGatewayServer, ModeGatewayClient:
	default:
		return fmt.Errorf("gateway.mode must be one of: server, client; got %q", c.Gateway.Mode)
	}

	// The gateway server never calls the site itself.
	if mode != ModeGatewayServer {
		if c.Site.URL == "" {
			return fmt.Errorf("site.url is required")
		}
		u, err := url.Parse(c.Site.URL)
		if err != nil {
			return fmt.Errorf("site.url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("site.url must use http or https; got %q", c.Site.URL)
		}
		if u.Host == "" {
			return fmt.Errorf("site.url must include a host; got %q", c.Site.URL)
		}
	}

	if mode == ModeGatewayClient {
		if c.Gateway.ServerURL == "" {
			return fmt.Errorf("gateway.server_url is required in client mode")
		}
		u, err := url.Parse(c.Gateway.ServerURL)
		if err != nil {
			return fmt.Errorf("gateway.server_url is not a valid URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("gateway.server_url must use ws or wss; got %q", c.Gateway.ServerURL)
		}
	}

	switch strings.ToLower(c.Server.Protocol) {
	case "", "http":
	case "https":
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			return fmt.Errorf("server.tls_cert and server.tls_key are required when server.protocol is https")
		}
	default:
		return fmt.Errorf("server.protocol must be one of: http, https; got %q", c.Server.Protocol)
	}

	if c.Server.PublicURL != "" {
		if _, err := url.Parse(c.Server.PublicURL); err != nil {
			return fmt.Errorf("server.public_url is not a valid URL: %w", err)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.RawBodyMaxBytes < 0 {
		return fmt.Errorf("server.raw_body_max_bytes must be non-negative; got %d", c.Server.RawBodyMaxBytes)
	}
	if c.Server.JSONBodyMaxBytes < 0 {
		return fmt.Errorf("server.json_body_max_bytes must be non-negative; got %d", c.Server.JSONBodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if s := c.Upstream.FailureStatus; s != 0 && (s < 400 || s > 599) {
		return fmt.Errorf("upstream.failure_status must be a 4xx or 5xx code; got %d", s)
	}
	if c.Gateway.TimeoutSeconds < 0 {
		return fmt.Errorf("gateway.timeout_seconds must be non-negative; got %d", c.Gateway.TimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Digest.Backend) {
	case "", "memory":
	case "redis":
		if c.Digest.RedisAddr == "" {
			return fmt.Errorf("digest.redis_addr is required when digest.backend is redis")
		}
	default:
		return fmt.Errorf("digest.backend must be one of: memory, redis; got %q", c.Digest.Backend)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Gateway.Path != "" && c.Gateway.Path[0] != '/' {
		return fmt.Errorf("gateway.path must start with '/'; got %q", c.Gateway.Path)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPrefixes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		if strings.Contains(strings.ToLower(p), "/_api") || strings.Contains(strings.ToLower(p), "/_vti_bin") {
			return fmt.Errorf("metrics.path %q conflicts with proxied API routes", p)
		}
	}

	return nil
}

// reservedPrefixes are local routes that must never be shadowed.
var reservedPrefixes = []string{"/config", "/healthz", "/proxy/status"}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	c.Gateway.Mode = strings.ToLower(c.Gateway.Mode)
	if c.Server.Protocol == "" {
		c.Server.Protocol = "http"
	}
	c.Server.Protocol = strings.ToLower(c.Server.Protocol)
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RawBodyMaxBytes == 0 {
		c.Server.RawBodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Server.JSONBodyMaxBytes == 0 {
		c.Server.JSONBodyMaxBytes = 2 * 1024 * 1024 // 2 MB
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("%s://%s:%d", c.Server.Protocol, c.Server.Host, c.Server.Port)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.FailureStatus == 0 {
		c.Upstream.FailureStatus = 500
	}
	if c.Digest.Backend == "" {
		c.Digest.Backend = "memory"
	}
	c.Digest.Backend = strings.ToLower(c.Digest.Backend)
	if c.Digest.KeyPrefix == "" {
		c.Digest.KeyPrefix = "sp-rest-proxy:digest:"
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/_gateway"
	}
	if c.Gateway.TimeoutSeconds == 0 {
		c.Gateway.TimeoutSeconds = 120
	}
	if c.Console.Root == "" {
		c.Console.Root = "static"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file holds site credentials.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
