package lists

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/varkas/deathwatch/internal/domain"
)

// ListFile manages one ban or whitelist text file: one identity per line,
// LF-terminated, sorted on write. All access is serialized per file so the
// game server never observes a half-written list; distinct files (and so
// distinct servers) proceed in parallel.
//
// Entries the engine does not own (hand-edited or written by other tools)
// are ordinary lines here: Add and Remove only ever touch the given id, so
// foreign entries survive every rewrite.
type ListFile struct {
	mu   sync.Mutex
	path string
}

// NewListFile creates a handle for the list at path. The file does not have
// to exist yet; it is created on the first Add.
func NewListFile(path string) *ListFile {
	return &ListFile{path: path}
}

// Path returns the file path this list writes to.
func (f *ListFile) Path() string {
	return f.path
}

// Add inserts id into the list. Returns whether the file changed; adding an
// id that is already present is a no-op.
func (f *ListFile) Add(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	changed := false
	err := withRetry(ctx, func() error {
		entries, err := f.load()
		if err != nil {
			return err
		}
		if entries[id] {
			changed = false
			return nil
		}
		entries[id] = true
		if err := f.store(entries); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("adding %s to %s: %w", id, f.path, err)
	}
	return changed, nil
}

// Remove deletes id from the list. Removing an absent id is a no-op.
func (f *ListFile) Remove(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	changed := false
	err := withRetry(ctx, func() error {
		entries, err := f.load()
		if err != nil {
			return err
		}
		if !entries[id] {
			changed = false
			return nil
		}
		delete(entries, id)
		if err := f.store(entries); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("removing %s from %s: %w", id, f.path, err)
	}
	return changed, nil
}

// Reconcile applies a membership decision for every id in owned: ids in
// want are ensured present, owned ids not in want are removed. Lines outside
// owned are never touched, so foreign entries survive bulk passes the same
// way they survive Add and Remove. One read, at most one write.
func (f *ListFile) Reconcile(ctx context.Context, owned []string, want map[string]bool) (added, removed int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	err = withRetry(ctx, func() error {
		entries, lerr := f.load()
		if lerr != nil {
			return lerr
		}
		added, removed = 0, 0
		for _, id := range owned {
			switch {
			case want[id] && !entries[id]:
				entries[id] = true
				added++
			case !want[id] && entries[id]:
				delete(entries, id)
				removed++
			}
		}
		if added == 0 && removed == 0 {
			return nil
		}
		return f.store(entries)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("reconciling %s: %w", f.path, err)
	}
	return added, removed, nil
}

// List returns every entry, sorted.
func (f *ListFile) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	err := withRetry(ctx, func() error {
		entries, err := f.load()
		if err != nil {
			return err
		}
		out = out[:0]
		for id := range entries {
			out = append(out, id)
		}
		sort.Strings(out)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return out, nil
}

// Contains reports whether id is currently in the list.
func (f *ListFile) Contains(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	found := false
	err := withRetry(ctx, func() error {
		entries, err := f.load()
		if err != nil {
			return err
		}
		found = entries[id]
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", f.path, err)
	}
	return found, nil
}

// load reads the file into a set. A missing file is an empty list; any other
// read error surfaces so an unreadable list is never clobbered.
func (f *ListFile) load() (map[string]bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]bool), nil
		}
		return nil, err
	}
	entries := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries[line] = true
	}
	return entries, nil
}

// store writes the set atomically: temp file in the same directory, fsync,
// rename over the original.
func (f *ListFile) store(entries map[string]bool) error {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(id)
		sb.WriteByte('\n')
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}

// withRetry runs op with capped exponential backoff. List files live on the
// same disks the game servers write to, so brief contention is expected.
func withRetry(ctx context.Context, op func() error) error {
	b := retry.WithMaxRetries(4, retry.WithCappedDuration(2*time.Second, retry.NewExponential(50*time.Millisecond)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := op(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// ServerLists bundles the ban and whitelist files of one game server.
type ServerLists struct {
	ServerID  string
	Bans      *ListFile
	Whitelist *ListFile
}

// ForServer creates the list pair for a configured server.
func ForServer(srv domain.GameServer) *ServerLists {
	return &ServerLists{
		ServerID:  srv.ID,
		Bans:      NewListFile(srv.BanFile),
		Whitelist: NewListFile(srv.WhitelistFile),
	}
}
