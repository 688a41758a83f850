package fsys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const tempMarker = ".tmp."

// Dir is an FS rooted at a directory on the local disk.
type Dir struct {
	root string
}

var _ TempSweeper = (*Dir)(nil)

// NewDir returns an FS rooted at root, creating the directory if needed.
func NewDir(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Dir{root: filepath.Clean(root)}, nil
}

// Root returns the directory d is rooted at.
func (d *Dir) Root() string {
	return d.root
}

func (d *Dir) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

// ReadFile implements FS.
func (d *Dir) ReadFile(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validName("read", name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(d.path(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile implements FS with a temp file renamed into place.
func (d *Dir) WriteFile(ctx context.Context, name, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validName("write", name); err != nil {
		return err
	}
	path := d.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, content, 0o644)
}

// ReadDir implements FS. In-progress temp files are skipped.
func (d *Dir) ReadDir(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validDir("readdir", dir); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.path(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	// os.ReadDir returns entries sorted by filename.
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.Contains(entry.Name(), tempMarker) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// RemoveStaleTemps implements TempSweeper. Temp files newer than cutoff may
// belong to a write still in progress and are left alone.
func (d *Dir) RemoveStaleTemps(ctx context.Context, dir, suffix string, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validDir("sweep", dir); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.path(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	var errs []error
	for _, entry := range entries {
		target, _, ok := strings.Cut(entry.Name(), tempMarker)
		if entry.IsDir() || !ok || !strings.HasSuffix(target, suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.path(dir), entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, entry.Name())
	}
	return removed, errors.Join(errs...)
}

// Remove implements FS.
func (d *Dir) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validName("remove", name); err != nil {
		return err
	}
	return os.Remove(d.path(name))
}

func writeFileAtomic(path, content string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+tempMarker+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(content); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync() // best-effort durability
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
