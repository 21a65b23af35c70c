// Package config handles configuration loading from CLI flags, environment
// variables, and a TOML file.
// CRC: crc-Config.md
// Spec: deployment.md
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the proxy.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	PG        PGConfig        `toml:"pg"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Remap     RemapConfig     `toml:"remap"`
	Logging   LoggingConfig   `toml:"logging"`
	Audit     AuditConfig     `toml:"audit"`

	// Authenticate validates a sessionId extracted from an incoming request.
	// Not loaded from TOML; set by the embedding host before Start.
	Authenticate func(sessionID string) bool `toml:"-"`
}

// ServerConfig holds WebSocket listener settings.
type ServerConfig struct {
	WSPort int    `toml:"wsPort"`
	Path   string `toml:"path"`
}

// PGConfig holds PostgreSQL driver settings.
type PGConfig struct {
	ConnectTimeout Duration `toml:"connectTimeout"`
}

// LifecycleConfig holds supervisor lifecycle timing.
type LifecycleConfig struct {
	DelayBeforeStop                      Duration `toml:"delayBeforeStop"`
	GarbageCollectDisconnectedClientsAfter Duration `toml:"garbageCollectDisconnectedClientsAfterPeriod"`
	IdleDumpStateFrequency                Duration `toml:"idleDumpStateFrequency"`
}

// RemapConfig holds credential-remapping lookup tables. Missing keys
// substitute the literal "invalid" (0 for port), per spec.md section 4.5.
type RemapConfig struct {
	HostMap     map[string]string `toml:"hostMap"`
	PortMap     map[string]int    `toml:"portMap"`
	DatabaseMap map[string]string `toml:"databaseMap"`
	UserMap     map[string]string `toml:"userMap"`
	PasswordMap map[string]string `toml:"passwordMap"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=fatal/error/warn, 1=adds info, 2+=adds debug
	Debug     bool   `toml:"debug"`
}

// AuditConfig holds the optional observational audit-log backend.
type AuditConfig struct {
	Type string `toml:"type"` // "none", "memory", "sqlite", "postgres"
	Path string `toml:"path"` // sqlite file path
	URL  string `toml:"url"`  // postgres connection URL
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WSPort: 8080,
			Path:   "/pgproxy",
		},
		PG: PGConfig{
			ConnectTimeout: Duration(10 * time.Second),
		},
		Lifecycle: LifecycleConfig{
			DelayBeforeStop:                        Duration(5 * time.Second),
			GarbageCollectDisconnectedClientsAfter: Duration(30 * time.Second),
			IdleDumpStateFrequency:                 Duration(5 * time.Minute),
		},
		Remap: RemapConfig{
			HostMap:     map[string]string{},
			PortMap:     map[string]int{},
			DatabaseMap: map[string]string{},
			UserMap:     map[string]string{},
			PasswordMap: map[string]string{},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 0,
		},
		Audit: AuditConfig{
			Type: "none",
		},
		Authenticate: func(string) bool { return true },
	}
}

// Load loads configuration from CLI flags, environment variables, and a
// TOML file. Priority: CLI flags > env vars > TOML file > defaults.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("pgproxy", flag.ContinueOnError)

	configPath := fs.String("config", "", "Path to pgproxy.toml")
	wsPort := fs.Int("ws-port", 0, "WebSocket listen port")
	path := fs.String("path", "", "WebSocket path")
	verbosity := fs.Int("v", 0, "Verbosity level (0-3)")
	debug := fs.Bool("debug", false, "Enable debug state dumps")
	auditType := fs.String("audit", "", "Audit backend: none, memory, sqlite, postgres")
	auditPath := fs.String("audit-path", "", "SQLite audit database path")
	auditURL := fs.String("audit-url", "", "PostgreSQL audit connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := cfg.loadTOML(*configPath); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else if _, err := os.Stat("pgproxy.toml"); err == nil {
		if err := cfg.loadTOML("pgproxy.toml"); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.applyEnv()

	if *wsPort != 0 {
		cfg.Server.WSPort = *wsPort
	}
	if *path != "" {
		cfg.Server.Path = *path
	}
	if *verbosity != 0 {
		cfg.Logging.Verbosity = *verbosity
	}
	if *debug {
		cfg.Logging.Debug = true
	}
	if *auditType != "" {
		cfg.Audit.Type = *auditType
	}
	if *auditPath != "" {
		cfg.Audit.Path = *auditPath
	}
	if *auditURL != "" {
		cfg.Audit.URL = *auditURL
	}

	return cfg, nil
}

// loadTOML merges a TOML file's contents into the config.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("PGPROXY_WS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.WSPort = n
		}
	}
	if v := os.Getenv("PGPROXY_PATH"); v != "" {
		c.Server.Path = v
	}
	if v := os.Getenv("PGPROXY_VERBOSITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = n
		}
	}
	if v := os.Getenv("PGPROXY_AUDIT_TYPE"); v != "" {
		c.Audit.Type = v
	}
	if v := os.Getenv("PGPROXY_AUDIT_URL"); v != "" {
		c.Audit.URL = v
	}
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// RemapHost resolves a client-supplied host through hostMap, defaulting to
// "invalid" when absent, per spec.md section 4.5.
func (c *Config) RemapHost(host string) string {
	if v, ok := c.Remap.HostMap[host]; ok {
		return v
	}
	return "invalid"
}

// RemapPort resolves a client-supplied port through portMap, defaulting to
// 0 when absent.
func (c *Config) RemapPort(port int) int {
	if v, ok := c.Remap.PortMap[strconv.Itoa(port)]; ok {
		return v
	}
	return 0
}

// RemapDatabase resolves a client-supplied database name through databaseMap.
func (c *Config) RemapDatabase(database string) string {
	if v, ok := c.Remap.DatabaseMap[database]; ok {
		return v
	}
	return "invalid"
}

// RemapUser resolves a client-supplied user through userMap.
func (c *Config) RemapUser(user string) string {
	if v, ok := c.Remap.UserMap[user]; ok {
		return v
	}
	return "invalid"
}

// RemapPassword resolves a client-supplied password through passwordMap.
func (c *Config) RemapPassword(password string) string {
	if v, ok := c.Remap.PasswordMap[password]; ok {
		return v
	}
	return "invalid"
}
