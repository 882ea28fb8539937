package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tempSuffix = ".tmp"

// CreateTemp opens a new temp file in dir whose name starts with prefix.
// Callers either Commit it or Discard it.
func CreateTemp(dir, prefix string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, prefix+"-*"+tempSuffix)
}

// Discard closes f (if open) and removes it. Errors are ignored; the file is
// garbage either way and CleanTemp will catch leftovers.
func Discard(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
}

// Commit syncs f, closes it and moves it over dst. The rename is atomic
// within a filesystem; across devices it falls back to copy+fsync. On error
// dst is left as it was and the temp file is removed.
func Commit(f *os.File, dst string) error {
	tmp := f.Name()
	if err := f.Sync(); err != nil {
		Discard(f)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		// Cross-device: copy next to dst first so the final step is still a rename.
		side := dst + tempSuffix
		if err2 := copyFile(tmp, side); err2 != nil {
			_ = os.Remove(tmp)
			_ = os.Remove(side)
			return fmt.Errorf("commit %s: rename=%v copy=%v", dst, err, err2)
		}
		_ = os.Remove(tmp)
		if err := os.Rename(side, dst); err != nil {
			_ = os.Remove(side)
			return fmt.Errorf("commit %s: %w", dst, err)
		}
	}
	syncDir(filepath.Dir(dst))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// syncDir makes a rename durable. Some platforms cannot fsync directories,
// so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// CleanTemp removes temp files in dir older than maxAge. It returns how many
// were removed. A missing dir is not an error.
func CleanTemp(dir string, maxAge time.Duration) (int, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tempSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			n++
		}
	}
	return n, nil
}
