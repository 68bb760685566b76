package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varkas/deathwatch/internal/domain"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "deathwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func intPtr(v int) *int { return &v }

func seedUser(t *testing.T, store *Store, steamID string, mutate func(*domain.User)) {
	t.Helper()
	now := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	u := &domain.User{SteamID: steamID, CreatedAt: now, UpdatedAt: now}
	if mutate != nil {
		mutate(u)
	}
	require.NoError(t, store.UpsertUser(context.Background(), u))
}

func TestUpsertUser_InsertAndUpdate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	created := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	deadUntil := created.Add(30 * time.Minute)
	u := &domain.User{
		SteamID:           "76561198000000001",
		PlatformID:        "discord-1001",
		Dead:              true,
		DeadUntil:         &deadUntil,
		DeathAt:           &created,
		LastDeathServer:   "alpha",
		LastAliveSec:      intPtr(321),
		ActiveServer:      "alpha",
		HomeServer:        "bravo",
		ValidationPending: true,
		LastVoiceChannel:  "discord-1001",
		DeathCount:        3,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
	require.NoError(t, store.UpsertUser(ctx, u))

	got, err := store.GetUser(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.Equal(t, "discord-1001", got.PlatformID)
	assert.True(t, got.Dead)
	require.NotNil(t, got.DeadUntil)
	assert.True(t, got.DeadUntil.Equal(deadUntil))
	require.NotNil(t, got.DeathAt)
	assert.True(t, got.DeathAt.Equal(created))
	assert.Equal(t, "alpha", got.LastDeathServer)
	require.NotNil(t, got.LastAliveSec)
	assert.Equal(t, 321, *got.LastAliveSec)
	assert.Equal(t, "alpha", got.ActiveServer)
	assert.Equal(t, "bravo", got.HomeServer)
	assert.True(t, got.ValidationPending)
	assert.Nil(t, got.ValidatedAt)
	assert.Equal(t, "discord-1001", got.LastVoiceChannel)
	assert.Nil(t, got.LastVoiceSeenAt)
	assert.Equal(t, 3, got.DeathCount)
	assert.True(t, got.CreatedAt.Equal(created))

	// A second upsert overwrites every mutable field, nil pointers included.
	u.Dead = false
	u.DeadUntil = nil
	u.ValidationPending = false
	u.DeathCount = 4
	u.UpdatedAt = created.Add(time.Hour)
	require.NoError(t, store.UpsertUser(ctx, u))

	got, err = store.GetUser(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.False(t, got.Dead)
	assert.Nil(t, got.DeadUntil)
	assert.False(t, got.ValidationPending)
	assert.Equal(t, 4, got.DeathCount)
	assert.True(t, got.UpdatedAt.Equal(created.Add(time.Hour)))
}

func TestGetUser_Missing(t *testing.T) {
	store := setupStore(t)

	_, err := store.GetUser(context.Background(), "76561198000000099")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestGetUserByPlatformID(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedUser(t, store, "76561198000000001", func(u *domain.User) { u.PlatformID = "discord-1001" })
	seedUser(t, store, "76561198000000002", nil)

	got, err := store.GetUserByPlatformID(ctx, "discord-1001")
	require.NoError(t, err)
	assert.Equal(t, "76561198000000001", got.SteamID)

	// An empty platform id never matches the users who have none linked.
	_, err = store.GetUserByPlatformID(ctx, "")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestGetAllUsers_OrderedBySteamID(t *testing.T) {
	store := setupStore(t)

	seedUser(t, store, "76561198000000003", nil)
	seedUser(t, store, "76561198000000001", nil)
	seedUser(t, store, "76561198000000002", nil)

	users, err := store.GetAllUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "76561198000000001", users[0].SteamID)
	assert.Equal(t, "76561198000000002", users[1].SteamID)
	assert.Equal(t, "76561198000000003", users[2].SteamID)
}

func TestSearchUsers_PrefixAndPaging(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	seedUser(t, store, "11100000000000001", func(u *domain.User) { u.UpdatedAt = base })
	seedUser(t, store, "11100000000000002", func(u *domain.User) { u.UpdatedAt = base.Add(time.Minute) })
	seedUser(t, store, "22200000000000001", func(u *domain.User) {
		u.PlatformID = "discord-1001"
		u.UpdatedAt = base.Add(2 * time.Minute)
	})

	users, total, err := store.SearchUsers(ctx, "111", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, users, 2)
	assert.Equal(t, "11100000000000002", users[0].SteamID, "most recently updated first")

	// Platform ids are searched with the same prefix.
	users, total, err = store.SearchUsers(ctx, "discord", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, users, 1)
	assert.Equal(t, "22200000000000001", users[0].SteamID)

	// Empty search matches everyone; limit and offset page through.
	users, total, err = store.SearchUsers(ctx, "", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, users, 1)
	assert.Equal(t, "11100000000000001", users[0].SteamID)
}

func TestGetDeadUsers(t *testing.T) {
	store := setupStore(t)

	seedUser(t, store, "76561198000000001", func(u *domain.User) { u.Dead = true })
	seedUser(t, store, "76561198000000002", nil)
	seedUser(t, store, "76561198000000003", func(u *domain.User) { u.Dead = true })

	dead, err := store.GetDeadUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "76561198000000001", dead[0].SteamID)
	assert.Equal(t, "76561198000000003", dead[1].SteamID)
}

func TestGetDeathLeaderboard(t *testing.T) {
	store := setupStore(t)

	seedUser(t, store, "76561198000000001", func(u *domain.User) {
		u.DeathCount = 3
		u.LastDeathServer = "alpha"
	})
	seedUser(t, store, "76561198000000002", func(u *domain.User) {
		u.DeathCount = 5
		u.LastDeathServer = "bravo"
	})
	seedUser(t, store, "76561198000000003", func(u *domain.User) { u.DeathCount = 3 })
	seedUser(t, store, "76561198000000004", nil) // zero deaths, excluded

	entries, err := store.GetDeathLeaderboard(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, "76561198000000002", entries[0].SteamID)
	assert.Equal(t, 5, entries[0].DeathCount)
	assert.Equal(t, "bravo", entries[0].LastDeathServer)

	// Ties keep steam id order so ranks are stable across calls.
	assert.Equal(t, "76561198000000001", entries[1].SteamID)
	assert.Equal(t, "76561198000000003", entries[2].SteamID)

	entries, err = store.GetDeathLeaderboard(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "76561198000000002", entries[0].SteamID)
}

func TestWipeUsers(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	seedUser(t, store, "76561198000000001", nil)
	seedUser(t, store, "76561198000000002", nil)

	n, err := store.WipeUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	users, err := store.GetAllUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	n, err = store.WipeUsers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCursors_SaveGetFinalize(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	// No cursor yet.
	c, err := store.GetCursor(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, c)

	require.NoError(t, store.SaveCursor(ctx, "alpha", "dl_001.ljson", 100))
	c, err = store.GetCursor(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "dl_001.ljson", c.File)
	assert.Equal(t, int64(100), c.Offset)
	assert.False(t, c.Finalized)

	// Saving again moves the offset in place.
	require.NoError(t, store.SaveCursor(ctx, "alpha", "dl_001.ljson", 250))
	c, err = store.GetCursor(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(250), c.Offset)

	// Rotation freezes the old file and the new file takes over.
	require.NoError(t, store.FinalizeCursor(ctx, "alpha", "dl_001.ljson", 250))
	c, err = store.GetCursor(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, c, "a finalized cursor is no longer live")

	require.NoError(t, store.SaveCursor(ctx, "alpha", "dl_002.ljson", 10))
	c, err = store.GetCursor(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "dl_002.ljson", c.File)

	history, err := store.GetCursorHistory(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "dl_002.ljson", history[0].File, "live cursor first")
	assert.Equal(t, "dl_001.ljson", history[1].File)
	assert.True(t, history[1].Finalized)

	// Cursors are per server.
	c, err = store.GetCursor(ctx, "bravo")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestAudit_AppendAndQuery(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	base := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, action := range []string{domain.EventDeath, domain.EventRevive, domain.EventAdminUnban} {
		entry := &domain.AuditEntry{
			ID:        uuid.New().String(),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Actor:     "system",
			Action:    action,
			SteamID:   "76561198000000001",
			ServerID:  "alpha",
			Result:    domain.ResultOK,
			Detail:    "detail " + action,
		}
		require.NoError(t, store.AppendAudit(ctx, entry))
	}

	entries, err := store.GetAuditEntries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EventAdminUnban, entries[0].Action, "newest first")
	assert.Equal(t, domain.EventRevive, entries[1].Action)
	assert.Equal(t, "system", entries[0].Actor)
	assert.Equal(t, "76561198000000001", entries[0].SteamID)
	assert.Equal(t, domain.ResultOK, entries[0].Result)
	assert.True(t, entries[0].Timestamp.Equal(base.Add(2*time.Minute)))
}

func TestOperators_CreateAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateOperator(ctx, "alice", "hash-1", false))

	op, err := store.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", op.Username)
	assert.Equal(t, "hash-1", op.PasswordHash)
	assert.False(t, op.IsAdmin)
	assert.False(t, op.PasswordChangeRequired)
	assert.Nil(t, op.LastLogin)
	assert.WithinDuration(t, time.Now().UTC(), op.CreatedAt, time.Minute)

	byID, err := store.GetOperatorByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	// Usernames are unique.
	assert.Error(t, store.CreateOperator(ctx, "alice", "hash-2", true))

	_, err = store.GetOperatorByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestOperators_ListAndDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateOperator(ctx, "carol", "hash", true))
	require.NoError(t, store.CreateOperator(ctx, "bob", "hash", false))

	ops, err := store.ListOperators(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "bob", ops[0].Username)
	assert.Equal(t, "carol", ops[1].Username)
	assert.True(t, ops[1].IsAdmin)

	require.NoError(t, store.DeleteOperator(ctx, "bob"))
	err = store.DeleteOperator(ctx, "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operator not found")
}

func TestOperators_PasswordFlows(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateOperator(ctx, "alice", "hash-1", false))
	op, err := store.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)

	// Admin reset forces a change on next login.
	require.NoError(t, store.ResetOperatorPassword(ctx, op.ID, "hash-2"))
	op, err = store.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash-2", op.PasswordHash)
	assert.True(t, op.PasswordChangeRequired)

	// The operator changing their own password clears the flag.
	require.NoError(t, store.UpdateOperatorPassword(ctx, op.ID, "hash-3"))
	op, err = store.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash-3", op.PasswordHash)
	assert.False(t, op.PasswordChangeRequired)

	require.NoError(t, store.UpdateOperatorLastLogin(ctx, op.ID))
	op, err = store.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, op.LastLogin)
	assert.WithinDuration(t, time.Now().UTC(), *op.LastLogin, time.Minute)
}

func TestOperators_AdminToggle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateOperator(ctx, "alice", "hash", false))
	op, err := store.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, store.UpdateOperatorAdmin(ctx, op.ID, true))
	op, err = store.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, op.IsAdmin)

	require.NoError(t, store.UpdateOperatorAdmin(ctx, op.ID, false))
	op, err = store.GetOperatorByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, op.IsAdmin)
}
