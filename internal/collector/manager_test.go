package collector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varkas/deathwatch/internal/config"
	"github.com/varkas/deathwatch/internal/domain"
	"github.com/varkas/deathwatch/internal/storage"
)

type stubSink struct {
	mu  sync.Mutex
	obs []domain.DeathObservation
}

func (s *stubSink) HandleDeath(_ context.Context, o domain.DeathObservation) <-chan struct{} {
	s.mu.Lock()
	s.obs = append(s.obs, o)
	s.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return done
}

func (s *stubSink) observations() []domain.DeathObservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeathObservation(nil), s.obs...)
}

func setupManager(t *testing.T) (*Manager, *stubSink, *storage.Store, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "deathwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logDir := filepath.Join(dir, "alpha")
	require.NoError(t, os.MkdirAll(logDir, 0o755))

	cfg := &config.Config{
		Servers: []domain.GameServer{
			{
				ID:            "alpha",
				LogDir:        logDir,
				BanFile:       filepath.Join(dir, "banned.txt"),
				WhitelistFile: filepath.Join(dir, "whitelist.txt"),
			},
		},
	}
	cfg.Collector.PollInterval = 20 * time.Millisecond
	cfg.Collector.FilePattern = "dl_*.ljson"
	cfg.Engine.IdentityMinDigits = 16

	sink := &stubSink{}
	return NewManager(cfg, store, sink), sink, store, logDir
}

func TestManager_IngestsDeathsAndSavesCursor(t *testing.T) {
	m, sink, store, logDir := setupManager(t)

	lines := `{"ts":"2025-04-01T12:00:00Z","event":"PLAYER_DEATH","player":{"steamId":"76561198000000001","aliveSec":60}}` + "\n" +
		`{"event":"PLAYER_CONNECT","player":{"steamId":"76561198000000002"}}` + "\n" +
		`{"event":"PLAYER_DEATH","player":{"steamId":"short"}}` + "\n" +
		`not json at all` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "dl_001.ljson"), []byte(lines), 0o644))

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool {
		st, ok := m.Status("alpha")
		return ok && st.Offset == int64(len(lines))
	}, 3*time.Second, 10*time.Millisecond, "batch never processed")

	obs := sink.observations()
	require.Len(t, obs, 1, "only the well-formed death with a valid id gets through")
	assert.Equal(t, "76561198000000001", obs[0].SteamID)
	assert.Equal(t, "alpha", obs[0].ServerID)
	require.NotNil(t, obs[0].AliveSec)
	assert.Equal(t, 60, *obs[0].AliveSec)
	assert.Equal(t, time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC), obs[0].At)

	status, _ := m.Status("alpha")
	assert.Equal(t, "dl_001.ljson", status.File)
	assert.Equal(t, int64(4), status.Lines)
	assert.Equal(t, int64(1), status.Deaths)
	assert.Equal(t, int64(2), status.Skipped)
	assert.NotNil(t, status.LastEvent)
	assert.Empty(t, status.LastError)

	cursor, err := store.GetCursor(context.Background(), "alpha")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, "dl_001.ljson", cursor.File)
	assert.Equal(t, int64(len(lines)), cursor.Offset)
}

func TestManager_ResumesFromCursor(t *testing.T) {
	m, sink, store, logDir := setupManager(t)

	first := `{"ts":"2025-04-01T12:00:00Z","event":"PLAYER_DEATH","player":{"steamId":"76561198000000001"}}` + "\n"
	second := `{"ts":"2025-04-01T12:05:00Z","event":"PLAYER_DEATH","player":{"steamId":"76561198000000002"}}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "dl_001.ljson"), []byte(first+second), 0o644))

	// The first line was already applied before the restart.
	require.NoError(t, store.SaveCursor(context.Background(), "alpha", "dl_001.ljson", int64(len(first))))

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	require.Eventually(t, func() bool {
		return len(sink.observations()) == 1
	}, 3*time.Second, 10*time.Millisecond, "resumed batch never delivered")

	obs := sink.observations()
	assert.Equal(t, "76561198000000002", obs[0].SteamID, "lines before the cursor must not replay")

	require.Eventually(t, func() bool {
		st, ok := m.Status("alpha")
		return ok && st.Offset == int64(len(first)+len(second))
	}, 3*time.Second, 10*time.Millisecond)
}
