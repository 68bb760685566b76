package collector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/varkas/deathwatch/internal/domain"
)

// Batch is one poll's worth of complete log lines, plus the cursor position
// to persist once the batch has been durably processed.
type Batch struct {
	Lines    []string
	File     string // base name of the file the lines came from
	Offset   int64  // cursor position after the last complete line
	Rotation *domain.RotationEvent
}

// Tailer follows the newest matching log file in a server's log directory
// using a byte cursor. Only whole newline-terminated lines are surfaced; a
// trailing partial line never advances the cursor and is retried on the next
// poll. When a newer file appears the old one is drained first, then the
// tailer hands over at offset 0 and reports the rotation.
type Tailer struct {
	serverID string
	dir      string
	pattern  string

	file   *os.File
	name   string // base name of the tracked file (cursor identity)
	offset int64
}

// NewTailer creates a tailer for one server's log directory.
func NewTailer(serverID, dir, pattern string) *Tailer {
	return &Tailer{serverID: serverID, dir: dir, pattern: pattern}
}

// Restore points the tailer at a persisted cursor position. Call before the
// first Poll. If the file no longer exists the next Poll reports a rotation
// to the newest available file.
func (t *Tailer) Restore(file string, offset int64) {
	t.name = file
	t.offset = offset
}

// Position returns the current cursor (file base name, byte offset).
func (t *Tailer) Position() (string, int64) {
	return t.name, t.offset
}

// Close releases the open file handle.
func (t *Tailer) Close() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// Poll reads newly appended complete lines. It returns nil when there is no
// matching file yet and an empty batch when nothing new arrived.
func (t *Tailer) Poll() (*Batch, error) {
	newest, err := t.newestFile()
	if err != nil {
		return nil, err
	}

	if t.name == "" {
		if newest == "" {
			return nil, nil
		}
		// First attach is not a rotation.
		t.name = newest
		t.offset = 0
	}

	if err := t.ensureOpen(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// The tracked file is gone; hand over to the newest one (which may
		// be none at all) and report the cursor hand-over.
		return t.rotateTo(newest)
	}

	batch := &Batch{File: t.name}

	stat, err := t.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", t.name, err)
	}

	// Copytruncate or log wipe: same identity, smaller file.
	if stat.Size() < t.offset {
		batch.Rotation = &domain.RotationEvent{
			OldFile:   t.name,
			OldOffset: t.offset,
			NewFile:   t.name,
			Truncated: true,
		}
		t.offset = 0
	}

	lines, newOffset, err := t.readComplete(stat.Size())
	if err != nil {
		return nil, err
	}
	batch.Lines = lines
	batch.Offset = newOffset
	t.offset = newOffset

	// Drained the tracked file; now hand over if a newer one appeared.
	if newest != "" && newest != t.name && batch.Rotation == nil {
		batch.Rotation = &domain.RotationEvent{
			OldFile:   t.name,
			OldOffset: t.offset,
			NewFile:   newest,
		}
		t.Close()
		t.name = newest
		t.offset = 0
	}

	return batch, nil
}

// rotateTo switches to file (possibly none) after the tracked file
// disappeared mid-stream.
func (t *Tailer) rotateTo(newest string) (*Batch, error) {
	batch := &Batch{
		File:   t.name,
		Offset: t.offset,
		Rotation: &domain.RotationEvent{
			OldFile:   t.name,
			OldOffset: t.offset,
			NewFile:   newest,
		},
	}
	t.Close()
	t.name = newest
	t.offset = 0
	return batch, nil
}

// ensureOpen opens the tracked file if it is not already open.
func (t *Tailer) ensureOpen() error {
	if t.file != nil {
		return nil
	}
	f, err := os.Open(filepath.Join(t.dir, t.name))
	if err != nil {
		return err
	}
	t.file = f
	return nil
}

// readComplete reads from the cursor up to size and returns the complete
// lines plus the new offset. Bytes after the last newline stay unread.
func (t *Tailer) readComplete(size int64) ([]string, int64, error) {
	if size <= t.offset {
		return nil, t.offset, nil
	}
	if _, err := t.file.Seek(t.offset, io.SeekStart); err != nil {
		return nil, t.offset, fmt.Errorf("seeking %s to %d: %w", t.name, t.offset, err)
	}

	buf := make([]byte, size-t.offset)
	n, err := io.ReadFull(t.file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, t.offset, fmt.Errorf("reading %s: %w", t.name, err)
	}
	buf = buf[:n]

	lines, consumed := splitCompleteLines(buf)
	return lines, t.offset + consumed, nil
}

// newestFile returns the base name of the newest matching file in the log
// directory, or "" when none match. Ties on mtime break toward the larger
// name so the choice is deterministic.
func (t *Tailer) newestFile() (string, error) {
	return newestMatch(t.dir, t.pattern)
}

// splitCompleteLines splits buf into newline-terminated lines and reports how
// many bytes they cover. Trailing bytes without a newline are not consumed;
// blank lines advance the cursor but produce no output.
func splitCompleteLines(buf []byte) ([]string, int64) {
	var lines []string
	var consumed int64
	for {
		idx := bytes.IndexByte(buf[consumed:], '\n')
		if idx < 0 {
			return lines, consumed
		}
		line := strings.TrimSpace(string(buf[consumed : consumed+int64(idx)]))
		consumed += int64(idx) + 1
		if line != "" {
			lines = append(lines, line)
		}
	}
}
