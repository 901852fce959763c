// Package config handles Patchbay configuration loading.
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./patchbay.yaml, ~/.config/patchbay/patchbay.yaml,
// /etc/patchbay/patchbay.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"patchbay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "patchbay", "patchbay.yaml"))
	}

	paths = append(paths, "/etc/patchbay/patchbay.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Patchbay configuration.
type Config struct {
	Listen     ListenConfig      `yaml:"listen"`
	Vault      VaultConfig       `yaml:"vault"`
	Audit      AuditConfig       `yaml:"audit"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	Supervisor SupervisorConfig  `yaml:"supervisor"`
	Health     HealthConfig      `yaml:"health"`
	Roots      map[string]string `yaml:"roots"`
	Servers    []ServerConfig    `yaml:"servers"`
	Callers    []CallerConfig    `yaml:"callers"`
	DataDir    string            `yaml:"data_dir"`
	LogLevel   string            `yaml:"log_level"`
	LogFormat  string            `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the admin API server settings.
type ListenConfig struct {
	Address  string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port     int    `yaml:"port"`
	MaxConns int    `yaml:"max_conns"` // Concurrent connection cap (default 64)
}

// VaultConfig defines the credential vault settings.
type VaultConfig struct {
	// Path is the encrypted vault file. Defaults to
	// <data_dir>/vault.json when empty.
	Path string `yaml:"path"`
	// PassphraseEnv names the environment variable holding the master
	// passphrase. Defaults to PATCHBAY_VAULT_KEY.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// AuditConfig defines the audit trail settings.
type AuditConfig struct {
	// Path is the SQLite database file. Defaults to
	// <data_dir>/audit.db when empty. ":memory:" is accepted.
	Path string `yaml:"path"`
}

// MetricsConfig defines Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MQTTConfig defines the optional MQTT availability publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://, mqtts:// or ssl:// URL
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether MQTT publishing is enabled. A broker URL
// is the minimum required setting.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// SupervisorConfig tunes client startup and shutdown.
type SupervisorConfig struct {
	// ConnectParallelism caps how many servers connect concurrently
	// during startup (default 4).
	ConnectParallelism int `yaml:"connect_parallelism"`
	// ConnectTimeoutSec bounds a single server's handshake (default 30).
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	// ShutdownGraceSec bounds graceful close before sessions are
	// forced shut (default 10).
	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
}

// ConnectTimeout returns the handshake deadline as a duration.
func (s SupervisorConfig) ConnectTimeout() time.Duration {
	if s.ConnectTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.ConnectTimeoutSec) * time.Second
}

// ShutdownGrace returns the graceful shutdown window as a duration.
func (s SupervisorConfig) ShutdownGrace() time.Duration {
	if s.ShutdownGraceSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ShutdownGraceSec) * time.Second
}

// Parallelism returns the connect concurrency cap, defaulted.
func (s SupervisorConfig) Parallelism() int {
	if s.ConnectParallelism <= 0 {
		return 4
	}
	return s.ConnectParallelism
}

// HealthConfig tunes per-client health probing.
type HealthConfig struct {
	// PollIntervalSec is the steady-state probe interval (default 60).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// ProbeTimeoutSec bounds a single probe (default 10).
	ProbeTimeoutSec int `yaml:"probe_timeout_sec"`
	// MaxFailures is the consecutive probe failure budget before a
	// degraded client is closed (default 10).
	MaxFailures int `yaml:"max_failures"`
}

// PollInterval returns the probe interval as a duration.
func (h HealthConfig) PollInterval() time.Duration {
	if h.PollIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(h.PollIntervalSec) * time.Second
}

// ProbeTimeout returns the single-probe deadline as a duration.
func (h HealthConfig) ProbeTimeout() time.Duration {
	if h.ProbeTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(h.ProbeTimeoutSec) * time.Second
}

// FailureBudget returns the consecutive failure cap, defaulted.
func (h HealthConfig) FailureBudget() int {
	if h.MaxFailures <= 0 {
		return 10
	}
	return h.MaxFailures
}

// Transport names for ServerConfig.Transport.
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// ServerConfig describes one capability server to connect to.
type ServerConfig struct {
	// Name uniquely identifies the server. Required.
	Name string `yaml:"name"`
	// Transport selects the session type: stdio, http, or websocket.
	Transport string `yaml:"transport"`
	// Command and Args launch the subprocess for stdio transports.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env sets extra environment variables for stdio subprocesses.
	Env map[string]string `yaml:"env"`
	// URL is the endpoint for http and websocket transports.
	URL string `yaml:"url"`
	// Headers are sent on every http/websocket request.
	Headers map[string]string `yaml:"headers"`
	// InsecureSkipVerify disables TLS verification for this server.
	// Only for local development endpoints with self-signed certs.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	// Credential names a vault secret and how to deliver it.
	Credential CredentialConfig `yaml:"credential"`
	// Categories restricts which capability kinds are pulled from the
	// server (tools, prompts, resources). Empty means all advertised.
	Categories []string `yaml:"categories"`
	// Roots are the resource roots this server is declared over, as
	// named prefixes (workspace:) or absolute paths.
	Roots []string `yaml:"roots"`
	// Include limits pulled capabilities to these names (empty = all).
	Include []string `yaml:"include"`
	// Exclude masks capabilities by name after Include is applied.
	Exclude []string `yaml:"exclude"`
}

// CredentialConfig names a vault secret and its delivery mechanism.
type CredentialConfig struct {
	// Ref is the vault reference. Empty means the server needs no
	// credential.
	Ref string `yaml:"ref"`
	// Header is the HTTP/WebSocket header to carry the secret
	// (default "Authorization", sent as a Bearer token).
	Header string `yaml:"header"`
	// EnvVar is the environment variable to inject into stdio
	// subprocesses (default "PATCHBAY_SERVER_TOKEN").
	EnvVar string `yaml:"env_var"`
}

// DeliveryHeader returns the header carrying the secret on http and
// websocket transports, defaulted.
func (c CredentialConfig) DeliveryHeader() string {
	if c.Header == "" {
		return "Authorization"
	}
	return c.Header
}

// DeliveryEnv returns the environment variable carrying the secret
// into stdio subprocesses, defaulted.
func (c CredentialConfig) DeliveryEnv() string {
	if c.EnvVar == "" {
		return "PATCHBAY_SERVER_TOKEN"
	}
	return c.EnvVar
}

// CallerConfig is one caller's access policy.
type CallerConfig struct {
	// Name identifies the caller (agent or workflow identity).
	Name string `yaml:"name"`
	// Allow and Deny are glob patterns over public capability names.
	// Deny wins over Allow; no match at all denies.
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
	// Roots are the resource roots this caller may reach, as named
	// prefixes or absolute paths.
	Roots []string `yaml:"roots"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 7450, MaxConns: 64},
		DataDir: "data",
		Vault:   VaultConfig{PassphraseEnv: "PATCHBAY_VAULT_KEY"},
	}
}

// VaultPath returns the vault file location, defaulted under DataDir.
func (c *Config) VaultPath() string {
	if c.Vault.Path != "" {
		return c.Vault.Path
	}
	return filepath.Join(c.DataDir, "vault.json")
}

// AuditPath returns the audit database location, defaulted under
// DataDir.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.DataDir, "audit.db")
}

// Validate checks the configuration for errors that would otherwise
// surface as confusing failures deep in startup. Server and caller
// entries are checked for the fields their transports and policies
// require.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("server %q: stdio transport requires command", s.Name)
			}
		case TransportHTTP, TransportWebSocket:
			if s.URL == "" {
				return fmt.Errorf("server %q: %s transport requires url", s.Name, s.Transport)
			}
		case "":
			return fmt.Errorf("server %q: transport is required (stdio, http, websocket)", s.Name)
		default:
			return fmt.Errorf("server %q: unknown transport %q", s.Name, s.Transport)
		}

		for _, cat := range s.Categories {
			switch cat {
			case "tools", "prompts", "resources":
			default:
				return fmt.Errorf("server %q: unknown capability category %q", s.Name, cat)
			}
		}

		for _, pat := range append(append([]string{}, s.Include...), s.Exclude...) {
			if _, err := path.Match(pat, ""); err != nil {
				return fmt.Errorf("server %q: invalid filter pattern %q", s.Name, pat)
			}
		}
	}

	callers := make(map[string]bool, len(c.Callers))
	for i, cl := range c.Callers {
		if cl.Name == "" {
			return fmt.Errorf("callers[%d]: name is required", i)
		}
		if callers[cl.Name] {
			return fmt.Errorf("callers[%d]: duplicate caller name %q", i, cl.Name)
		}
		callers[cl.Name] = true
	}

	if c.MQTT.Configured() {
		if c.MQTT.DeviceName == "" {
			return fmt.Errorf("mqtt.device_name is required when a broker is set")
		}
		if c.MQTT.PublishIntervalSec <= 0 {
			return fmt.Errorf("mqtt.publish_interval_sec must be positive")
		}
	}

	return nil
}
