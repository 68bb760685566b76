package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varkas/deathwatch/internal/domain"
)

var testServers = []string{"alpha", "bravo", "charlie"}

func TestBanTargets_AllServers(t *testing.T) {
	r := New(ModeAllServers, WhitelistAllServers, testServers)

	targets, err := r.BanTargets(&domain.User{SteamID: "7656119801234567"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, targets)
}

func TestBanTargets_AllServersReturnsCopy(t *testing.T) {
	r := New(ModeAllServers, WhitelistAllServers, testServers)

	targets, err := r.BanTargets(&domain.User{})
	require.NoError(t, err)
	targets[0] = "mutated"

	again, err := r.BanTargets(&domain.User{})
	require.NoError(t, err)
	assert.Equal(t, "alpha", again[0])
}

func TestBanTargets_SingleActive(t *testing.T) {
	r := New(ModeSingleActive, WhitelistAllServers, testServers)

	targets, err := r.BanTargets(&domain.User{ActiveServer: "bravo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bravo"}, targets)
}

func TestBanTargets_SingleActiveUnset(t *testing.T) {
	r := New(ModeSingleActive, WhitelistAllServers, testServers)

	_, err := r.BanTargets(&domain.User{})
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestBanTargets_SingleActiveNotInTable(t *testing.T) {
	r := New(ModeSingleActive, WhitelistAllServers, testServers)

	_, err := r.BanTargets(&domain.User{ActiveServer: "retired"})
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestBanTargets_PerUserHome(t *testing.T) {
	r := New(ModePerUser, WhitelistAllServers, testServers)

	// Home server wins even when an active server is also set.
	targets, err := r.BanTargets(&domain.User{HomeServer: "charlie", ActiveServer: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"charlie"}, targets)
}

func TestBanTargets_PerUserHomeUnset(t *testing.T) {
	r := New(ModePerUser, WhitelistAllServers, testServers)

	_, err := r.BanTargets(&domain.User{ActiveServer: "alpha"})
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestBanTargets_UnknownMode(t *testing.T) {
	r := New("round_robin", WhitelistAllServers, testServers)

	_, err := r.BanTargets(&domain.User{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnresolved)
}

func TestWhitelistTargets_AllServers(t *testing.T) {
	r := New(ModeSingleActive, WhitelistAllServers, testServers)

	targets, err := r.WhitelistTargets(&domain.User{})
	require.NoError(t, err)
	assert.Equal(t, testServers, targets)
}

func TestWhitelistTargets_ActiveServer(t *testing.T) {
	r := New(ModeAllServers, WhitelistActiveServer, testServers)

	targets, err := r.WhitelistTargets(&domain.User{ActiveServer: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, targets)
}

func TestWhitelistTargets_ActiveServerUnset(t *testing.T) {
	r := New(ModeAllServers, WhitelistActiveServer, testServers)

	_, err := r.WhitelistTargets(&domain.User{})
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestWhitelistTargets_UnknownMode(t *testing.T) {
	r := New(ModeAllServers, "everyone", testServers)

	_, err := r.WhitelistTargets(&domain.User{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnresolved)
}
