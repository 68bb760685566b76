package lists

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varkas/deathwatch/internal/domain"
)

func testList(t *testing.T) *ListFile {
	t.Helper()
	return NewListFile(filepath.Join(t.TempDir(), "bans.txt"))
}

func readRaw(t *testing.T, f *ListFile) string {
	t.Helper()
	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	return string(data)
}

func TestAdd_CreatesFileAndReportsChange(t *testing.T) {
	f := testList(t)
	ctx := context.Background()

	changed, err := f.Add(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.Add(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.False(t, changed, "re-adding a present id must report no change")

	assert.Equal(t, "76561198000000001\n", readRaw(t, f))
}

func TestRemove_AbsentIsNoOp(t *testing.T) {
	f := testList(t)
	ctx := context.Background()

	changed, err := f.Remove(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.False(t, changed)

	// A no-op remove must not create the file.
	_, err = os.Stat(f.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestAddRemove_Roundtrip(t *testing.T) {
	f := testList(t)
	ctx := context.Background()

	_, err := f.Add(ctx, "76561198000000001")
	require.NoError(t, err)

	changed, err := f.Remove(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.True(t, changed)

	found, err := f.Contains(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", readRaw(t, f))
}

func TestStore_SortedWithTrailingNewlines(t *testing.T) {
	f := testList(t)
	ctx := context.Background()

	for _, id := range []string{"300", "100", "200"} {
		_, err := f.Add(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, "100\n200\n300\n", readRaw(t, f))
}

func TestForeignEntriesSurviveRewrites(t *testing.T) {
	f := testList(t)
	ctx := context.Background()

	// A hand-edited file with entries this system does not own.
	require.NoError(t, os.WriteFile(f.Path(), []byte("admin-one\nadmin-two\n"), 0o644))

	_, err := f.Add(ctx, "76561198000000001")
	require.NoError(t, err)
	_, err = f.Remove(ctx, "76561198000000001")
	require.NoError(t, err)

	entries, err := f.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin-one", "admin-two"}, entries)
}

func TestReconcile_TouchesOwnedIDsOnly(t *testing.T) {
	f := testList(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(f.Path(), []byte("foreign\n111\n222\n"), 0o644))

	owned := []string{"111", "222", "333"}
	want := map[string]bool{"222": true, "333": true}
	added, removed, err := f.Reconcile(ctx, owned, want)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)

	entries, err := f.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"222", "333", "foreign"}, entries)
}

func TestReconcile_NoChangesSkipsWrite(t *testing.T) {
	f := testList(t)
	ctx := context.Background()

	_, err := f.Add(ctx, "111")
	require.NoError(t, err)
	before, err := os.Stat(f.Path())
	require.NoError(t, err)

	added, removed, err := f.Reconcile(ctx, []string{"111"}, map[string]bool{"111": true})
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, removed)

	after, err := os.Stat(f.Path())
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "converged reconcile must not rewrite the file")
}

func TestReconcile_EmptyWantClearsOwned(t *testing.T) {
	f := testList(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(f.Path(), []byte("111\n222\nforeign\n"), 0o644))

	added, removed, err := f.Reconcile(ctx, []string{"111", "222"}, nil)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, 2, removed)

	entries, err := f.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"foreign"}, entries)
}

func TestList_MissingFileIsEmpty(t *testing.T) {
	f := testList(t)

	entries, err := f.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoad_SkipsBlankAndPaddedLines(t *testing.T) {
	f := testList(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(f.Path(), []byte("  111  \n\n\n222\n   \n"), 0o644))

	entries, err := f.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"111", "222"}, entries)

	found, err := f.Contains(ctx, "111")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStore_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewListFile(filepath.Join(dir, "whitelist.txt"))

	_, err := f.Add(context.Background(), "76561198000000001")
	require.NoError(t, err)

	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "whitelist.txt", names[0].Name())
}

func TestForServer_UsesConfiguredPaths(t *testing.T) {
	dir := t.TempDir()
	srv := domain.GameServer{
		ID:            "alpha",
		LogDir:        dir,
		BanFile:       filepath.Join(dir, "banned.txt"),
		WhitelistFile: filepath.Join(dir, "whitelist.txt"),
	}

	sl := ForServer(srv)
	assert.Equal(t, "alpha", sl.ServerID)
	assert.Equal(t, srv.BanFile, sl.Bans.Path())
	assert.Equal(t, srv.WhitelistFile, sl.Whitelist.Path())
}
