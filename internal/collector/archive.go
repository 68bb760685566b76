package collector

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/gzip"
)

// archiveFile gzips a rotated-out log file next to itself and removes the
// original. If the archive already exists the original is just removed.
func archiveFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			src.Close()
			return os.Remove(path)
		}
		return fmt.Errorf("creating %s.gz: %w", path, err)
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("finishing %s.gz: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing %s.gz: %w", path, err)
	}

	return os.Remove(path)
}
