package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varkas/deathwatch/internal/domain"
)

const minimalYAML = `
servers:
  - id: alpha
    name: Alpha
    log_dir: /srv/alpha/logs
    ban_file: /srv/alpha/banned.txt
    whitelist_file: /srv/alpha/whitelist.txt
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validConfig() *Config {
	return &Config{
		Policy: PolicyConfig{Mode: "single_active_server", WhitelistOnValidate: "all_servers"},
		Servers: []domain.GameServer{
			{ID: "alpha", LogDir: "/srv/a/logs", BanFile: "/srv/a/banned.txt", WhitelistFile: "/srv/a/whitelist.txt"},
			{ID: "bravo", LogDir: "/srv/b/logs", BanFile: "/srv/b/banned.txt", WhitelistFile: "/srv/b/whitelist.txt"},
		},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.ListenAddr)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "/var/lib/deathwatch/deathwatch.db", cfg.Database.Path)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenDuration)
	assert.Equal(t, "single_active_server", cfg.Policy.Mode)
	assert.Equal(t, "all_servers", cfg.Policy.WhitelistOnValidate)
	assert.Equal(t, 2*time.Second, cfg.Collector.PollInterval)
	assert.Equal(t, "dl_*.ljson", cfg.Collector.FilePattern)
	assert.Equal(t, 30*time.Minute, cfg.Engine.Cooldown)
	assert.Equal(t, 30*time.Second, cfg.Engine.ResyncInterval)
	assert.Equal(t, domain.DefaultSteamIDMinDigits, cfg.Engine.IdentityMinDigits)
	assert.Equal(t, "127.0.0.1", cfg.Presence.Host)
	assert.Equal(t, 4222, cfg.Presence.Port)

	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "alpha", cfg.Servers[0].ID)
	assert.Equal(t, "/srv/alpha/logs", cfg.Servers[0].LogDir)
}

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  listen_addr: 0.0.0.0
  http_port: 9090
database:
  path: /tmp/dw.db
auth:
  jwt_secret: file-secret
  token_duration: 1h
policy:
  mode: per_user_server
  whitelist_on_validate: active_server
  default_active_server: bravo
collector:
  poll_interval: 5s
  file_pattern: "game_*.log"
  archive_rotated_logs: true
engine:
  cooldown: 45m
  resync_interval: 10s
  identity_min_digits: 10
presence:
  embedded: true
  host: 0.0.0.0
  port: 4333
servers:
  - id: alpha
    log_dir: /srv/a/logs
    ban_file: /srv/a/banned.txt
    whitelist_file: /srv/a/whitelist.txt
  - id: bravo
    log_dir: /srv/b/logs
    ban_file: /srv/b/banned.txt
    whitelist_file: /srv/b/whitelist.txt
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.ListenAddr)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, "/tmp/dw.db", cfg.Database.Path)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, time.Hour, cfg.Auth.TokenDuration)
	assert.Equal(t, "per_user_server", cfg.Policy.Mode)
	assert.Equal(t, "active_server", cfg.Policy.WhitelistOnValidate)
	assert.Equal(t, "bravo", cfg.Policy.DefaultActiveServer)
	assert.Equal(t, 5*time.Second, cfg.Collector.PollInterval)
	assert.Equal(t, "game_*.log", cfg.Collector.FilePattern)
	assert.True(t, cfg.Collector.ArchiveRotatedLogs)
	assert.Equal(t, 45*time.Minute, cfg.Engine.Cooldown)
	assert.Equal(t, 10, cfg.Engine.IdentityMinDigits)
	assert.True(t, cfg.Presence.Embedded)
	assert.Equal(t, 4333, cfg.Presence.Port)
	assert.Equal(t, []string{"alpha", "bravo"}, cfg.ServerIDs())
}

func TestLoad_EnvOverridesSecret(t *testing.T) {
	t.Setenv("DEATHWATCH_JWT_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, minimalYAML+`
auth:
  jwt_secret: file-secret
`))
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "servers: ["))
	assert.Error(t, err)
}

func TestValidate_ServerTable(t *testing.T) {
	t.Run("no servers", func(t *testing.T) {
		cfg := validConfig()
		cfg.Servers = nil
		assert.ErrorContains(t, cfg.Validate(), "at least one game server")
	})

	t.Run("too many servers", func(t *testing.T) {
		cfg := validConfig()
		for i := 0; i < MaxServers; i++ {
			srv := cfg.Servers[0]
			srv.ID = string(rune('s' + i))
			cfg.Servers = append(cfg.Servers, srv)
		}
		assert.ErrorContains(t, cfg.Validate(), "maximum is 5")
	})

	t.Run("duplicate id", func(t *testing.T) {
		cfg := validConfig()
		cfg.Servers[1].ID = "alpha"
		assert.ErrorContains(t, cfg.Validate(), "duplicate id")
	})

	t.Run("missing id", func(t *testing.T) {
		cfg := validConfig()
		cfg.Servers[0].ID = ""
		assert.ErrorContains(t, cfg.Validate(), "id is required")
	})

	t.Run("missing log_dir", func(t *testing.T) {
		cfg := validConfig()
		cfg.Servers[0].LogDir = ""
		assert.ErrorContains(t, cfg.Validate(), "log_dir is required")
	})

	t.Run("missing ban_file", func(t *testing.T) {
		cfg := validConfig()
		cfg.Servers[0].BanFile = ""
		assert.ErrorContains(t, cfg.Validate(), "ban_file is required")
	})

	t.Run("missing whitelist_file", func(t *testing.T) {
		cfg := validConfig()
		cfg.Servers[0].WhitelistFile = ""
		assert.ErrorContains(t, cfg.Validate(), "whitelist_file is required")
	})

	t.Run("shared list file", func(t *testing.T) {
		cfg := validConfig()
		cfg.Servers[1].BanFile = cfg.Servers[0].BanFile
		assert.ErrorContains(t, cfg.Validate(), "already used by server")
	})
}

func TestValidate_PolicySettings(t *testing.T) {
	t.Run("unknown mode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Policy.Mode = "round_robin"
		assert.ErrorContains(t, cfg.Validate(), "policy mode")
	})

	t.Run("unknown whitelist mode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Policy.WhitelistOnValidate = "everyone"
		assert.ErrorContains(t, cfg.Validate(), "whitelist_on_validate")
	})

	t.Run("default active server not in table", func(t *testing.T) {
		cfg := validConfig()
		cfg.Policy.DefaultActiveServer = "retired"
		assert.ErrorContains(t, cfg.Validate(), "not in the server table")
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})
}

func TestServerByID(t *testing.T) {
	cfg := validConfig()

	srv, ok := cfg.ServerByID("bravo")
	assert.True(t, ok)
	assert.Equal(t, "bravo", srv.ID)

	_, ok = cfg.ServerByID("retired")
	assert.False(t, ok)
}
