package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/varkas/deathwatch/internal/domain"
)

// MaxServers is the hard upper bound on configured game servers.
const MaxServers = 5

// Config holds the application configuration
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Database  DatabaseConfig      `yaml:"database"`
	Auth      AuthConfig          `yaml:"auth"`
	Policy    PolicyConfig        `yaml:"policy"`
	Collector CollectorConfig     `yaml:"collector"`
	Engine    EngineConfig        `yaml:"engine"`
	Presence  PresenceConfig      `yaml:"presence"`
	Servers   []domain.GameServer `yaml:"servers"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPPort   int    `yaml:"http_port"`
	StaticDir  string `yaml:"static_dir"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"DEATHWATCH_JWT_SECRET"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// PolicyConfig selects how ban targets are resolved across servers
type PolicyConfig struct {
	// Mode is one of single_active_server, all_servers, per_user_server.
	Mode string `yaml:"mode"`
	// WhitelistOnValidate is one of all_servers, active_server.
	WhitelistOnValidate string `yaml:"whitelist_on_validate"`
	// DefaultActiveServer, when set, becomes the active server of newly
	// created users. The resolver itself never falls back to it.
	DefaultActiveServer string `yaml:"default_active_server"`
}

// CollectorConfig holds log tailing settings
type CollectorConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	FilePattern        string        `yaml:"file_pattern"`
	ArchiveRotatedLogs bool          `yaml:"archive_rotated_logs"`
}

// EngineConfig holds ban lifecycle settings
type EngineConfig struct {
	Cooldown          time.Duration `yaml:"cooldown"`
	ResyncInterval    time.Duration `yaml:"resync_interval"`
	IdentityMinDigits int           `yaml:"identity_min_digits"`
}

// PresenceConfig holds voice presence bus settings
type PresenceConfig struct {
	// URL of the NATS server carrying presence traffic. Ignored when
	// Embedded is set.
	URL      string `yaml:"url" env:"DEATHWATCH_NATS_URL"`
	Embedded bool   `yaml:"embedded"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Secrets may come from the environment instead of the file.
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}

	// Set defaults
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/deathwatch/deathwatch.db"
	}
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}
	if cfg.Policy.Mode == "" {
		cfg.Policy.Mode = "single_active_server"
	}
	if cfg.Policy.WhitelistOnValidate == "" {
		cfg.Policy.WhitelistOnValidate = "all_servers"
	}
	if cfg.Collector.PollInterval == 0 {
		cfg.Collector.PollInterval = 2 * time.Second
	}
	if cfg.Collector.FilePattern == "" {
		cfg.Collector.FilePattern = "dl_*.ljson"
	}
	if cfg.Engine.Cooldown == 0 {
		cfg.Engine.Cooldown = 30 * time.Minute
	}
	if cfg.Engine.ResyncInterval == 0 {
		cfg.Engine.ResyncInterval = 30 * time.Second
	}
	if cfg.Engine.IdentityMinDigits == 0 {
		cfg.Engine.IdentityMinDigits = domain.DefaultSteamIDMinDigits
	}
	if cfg.Presence.Host == "" {
		cfg.Presence.Host = "127.0.0.1"
	}
	if cfg.Presence.Port == 0 {
		cfg.Presence.Port = 4222
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the server table and policy settings. Nothing here is
// recoverable at runtime, so callers treat any error as fatal.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one game server must be configured")
	}
	if len(c.Servers) > MaxServers {
		return fmt.Errorf("%d game servers configured, maximum is %d", len(c.Servers), MaxServers)
	}
	seen := make(map[string]bool, len(c.Servers))
	fileOwner := make(map[string]string, 2*len(c.Servers))
	for i, srv := range c.Servers {
		if srv.ID == "" {
			return fmt.Errorf("server %d: id is required", i)
		}
		if seen[srv.ID] {
			return fmt.Errorf("server %q: duplicate id", srv.ID)
		}
		seen[srv.ID] = true
		if srv.LogDir == "" {
			return fmt.Errorf("server %q: log_dir is required", srv.ID)
		}
		if srv.BanFile == "" {
			return fmt.Errorf("server %q: ban_file is required", srv.ID)
		}
		if srv.WhitelistFile == "" {
			return fmt.Errorf("server %q: whitelist_file is required", srv.ID)
		}
		// Each list file belongs to exactly one server; shared files would
		// make the per-server target sets meaningless.
		for _, f := range []string{srv.BanFile, srv.WhitelistFile} {
			if owner, dup := fileOwner[f]; dup {
				return fmt.Errorf("server %q: list file %q already used by server %q", srv.ID, f, owner)
			}
			fileOwner[f] = srv.ID
		}
	}

	switch c.Policy.Mode {
	case "single_active_server", "all_servers", "per_user_server":
	default:
		return fmt.Errorf("policy mode %q: must be single_active_server, all_servers or per_user_server", c.Policy.Mode)
	}
	switch c.Policy.WhitelistOnValidate {
	case "all_servers", "active_server":
	default:
		return fmt.Errorf("whitelist_on_validate %q: must be all_servers or active_server", c.Policy.WhitelistOnValidate)
	}
	if c.Policy.DefaultActiveServer != "" && !seen[c.Policy.DefaultActiveServer] {
		return fmt.Errorf("default_active_server %q is not in the server table", c.Policy.DefaultActiveServer)
	}
	return nil
}

// ServerByID returns the configured server with the given id.
func (c *Config) ServerByID(id string) (domain.GameServer, bool) {
	for _, srv := range c.Servers {
		if srv.ID == id {
			return srv, true
		}
	}
	return domain.GameServer{}, false
}

// ServerIDs returns the ids of all configured servers in config order.
func (c *Config) ServerIDs() []string {
	ids := make([]string, len(c.Servers))
	for i, srv := range c.Servers {
		ids[i] = srv.ID
	}
	return ids
}
