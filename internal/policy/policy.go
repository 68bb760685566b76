package policy

import (
	"errors"
	"fmt"

	"github.com/varkas/deathwatch/internal/domain"
)

// Ban target modes
const (
	ModeSingleActive = "single_active_server"
	ModeAllServers   = "all_servers"
	ModePerUser      = "per_user_server"
)

// Whitelist target modes
const (
	WhitelistAllServers   = "all_servers"
	WhitelistActiveServer = "active_server"
)

// ErrUnresolved means the mode needs a per-user server that is unset or not
// in the server table. There is no fallback; the caller defers the
// materialization and reports the failure.
var ErrUnresolved = errors.New("policy target unresolved")

// Resolver computes which servers a user's bans and whitelist entries apply
// to. It is a pure function of the user record, the configured modes and the
// server table; identical inputs always yield identical targets.
type Resolver struct {
	mode          string
	whitelistMode string
	serverIDs     []string
	known         map[string]bool
}

// New creates a resolver over the given server table. serverIDs keep their
// config order so target sets are deterministic.
func New(mode, whitelistMode string, serverIDs []string) *Resolver {
	known := make(map[string]bool, len(serverIDs))
	for _, id := range serverIDs {
		known[id] = true
	}
	return &Resolver{
		mode:          mode,
		whitelistMode: whitelistMode,
		serverIDs:     append([]string(nil), serverIDs...),
		known:         known,
	}
}

// BanTargets returns the servers a ban on u applies to.
func (r *Resolver) BanTargets(u *domain.User) ([]string, error) {
	switch r.mode {
	case ModeAllServers:
		return append([]string(nil), r.serverIDs...), nil
	case ModeSingleActive:
		return r.single(u.ActiveServer, "active server")
	case ModePerUser:
		return r.single(u.HomeServer, "home server")
	default:
		return nil, fmt.Errorf("unknown policy mode %q", r.mode)
	}
}

// WhitelistTargets returns the servers a validating user is whitelisted on.
func (r *Resolver) WhitelistTargets(u *domain.User) ([]string, error) {
	switch r.whitelistMode {
	case WhitelistAllServers:
		return append([]string(nil), r.serverIDs...), nil
	case WhitelistActiveServer:
		return r.single(u.ActiveServer, "active server")
	default:
		return nil, fmt.Errorf("unknown whitelist mode %q", r.whitelistMode)
	}
}

func (r *Resolver) single(id, what string) ([]string, error) {
	if id == "" {
		return nil, fmt.Errorf("%s not set: %w", what, ErrUnresolved)
	}
	if !r.known[id] {
		return nil, fmt.Errorf("%s %q not in server table: %w", what, id, ErrUnresolved)
	}
	return []string{id}, nil
}
