package collector

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// RawLogTailer streams raw log lines without parsing, for the live log view.
// It tails the newest matching file in the directory and jumps to the new
// file when the logs rotate.
type RawLogTailer struct {
	dir      string
	pattern  string
	file     *os.File
	name     string
	position int64
	Lines    chan string
	Errors   chan error
	done     chan struct{}
}

// NewRawLogTailer creates a new raw log tailer for a server's log directory
func NewRawLogTailer(dir, pattern string) *RawLogTailer {
	return &RawLogTailer{
		dir:     dir,
		pattern: pattern,
		Lines:   make(chan string, 100),
		Errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}
}

// ReadLastNLines reads the last N lines from the newest log file
func (t *RawLogTailer) ReadLastNLines(n int) ([]string, error) {
	newest, err := newestMatch(t.dir, t.pattern)
	if err != nil {
		return nil, err
	}
	if newest == "" {
		return []string{}, nil
	}

	file, err := os.Open(filepath.Join(t.dir, newest))
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	fileSize := stat.Size()
	if fileSize == 0 {
		return []string{}, nil
	}

	// Read file backwards to find line boundaries
	const blockSize = 4096
	var lines []string
	var partial string
	position := fileSize

	for position > 0 && len(lines) < n {
		readSize := int64(blockSize)
		if readSize > position {
			readSize = position
		}
		position -= readSize

		buf := make([]byte, readSize)
		_, err := file.ReadAt(buf, position)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading block: %w", err)
		}

		// Process block backwards
		content := string(buf) + partial
		partial = ""

		for i := len(content) - 1; i >= 0; i-- {
			if content[i] == '\n' {
				line := content[i+1:]
				if line != "" {
					lines = append(lines, line)
					if len(lines) >= n {
						break
					}
				}
				content = content[:i]
			}
		}

		// Remaining content becomes partial (incomplete line at start of block)
		if len(lines) < n {
			partial = content
		}
	}

	// Don't forget the first line if we reached beginning of file
	if partial != "" && len(lines) < n {
		lines = append(lines, partial)
	}

	// Reverse to get chronological order
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	return lines, nil
}

// Start begins tailing the newest log file from its current end
func (t *RawLogTailer) Start() error {
	newest, err := newestMatch(t.dir, t.pattern)
	if err != nil {
		return err
	}
	if newest == "" {
		return fmt.Errorf("no log files matching %s in %s", t.pattern, t.dir)
	}

	file, err := os.Open(filepath.Join(t.dir, newest))
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	t.file = file
	t.name = newest

	// Seek to end to only process new lines
	pos, err := t.file.Seek(0, io.SeekEnd)
	if err != nil {
		t.file.Close()
		return fmt.Errorf("seeking to end: %w", err)
	}
	t.position = pos

	go t.tailLoop()
	return nil
}

// Stop stops the tailer
func (t *RawLogTailer) Stop() {
	close(t.done)
	if t.file != nil {
		t.file.Close()
	}
}

// tailLoop continuously reads new content from the log
func (t *RawLogTailer) tailLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.readNewContent(); err != nil {
				select {
				case t.Errors <- err:
				default:
				}
			}
		}
	}
}

// readNewContent reads any new complete lines since the last read, following
// truncation and rotation
func (t *RawLogTailer) readNewContent() error {
	// Jump to the newest file when the logs rotate
	newest, err := newestMatch(t.dir, t.pattern)
	if err == nil && newest != "" && newest != t.name {
		file, err := os.Open(filepath.Join(t.dir, newest))
		if err != nil {
			return fmt.Errorf("opening rotated log: %w", err)
		}
		t.file.Close()
		t.file = file
		t.name = newest
		t.position = 0
	}

	stat, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	// Handle copytruncate: file size smaller than position
	if stat.Size() < t.position {
		t.position = 0
	}

	// No new content
	if stat.Size() == t.position {
		return nil
	}

	if _, err := t.file.Seek(t.position, io.SeekStart); err != nil {
		return fmt.Errorf("seeking: %w", err)
	}
	buf := make([]byte, stat.Size()-t.position)
	n, err := io.ReadFull(t.file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("reading: %w", err)
	}

	// Only complete lines move the position; a trailing partial line is
	// re-read on the next tick
	lines, consumed := splitCompleteLines(buf[:n])
	t.position += consumed

	for _, line := range lines {
		select {
		case t.Lines <- line:
		default:
			// Channel full, drop line
		}
	}

	return nil
}

// newestMatch returns the base name of the newest file matching pattern in
// dir, or "" when none match.
func newestMatch(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("globbing %s: %w", pattern, err)
	}

	var best string
	var bestInfo os.FileInfo
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		name := filepath.Base(path)
		if bestInfo == nil ||
			info.ModTime().After(bestInfo.ModTime()) ||
			(info.ModTime().Equal(bestInfo.ModTime()) && name > best) {
			best = name
			bestInfo = info
		}
	}
	return best, nil
}
