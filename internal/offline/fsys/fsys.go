// Package fsys is the filesystem capability the offline cache is built on.
//
// Paths are slash-separated and relative to a fixed storage root, matching
// the device filesystem plugin the mobile client uses. Content is UTF-8
// text; binary payloads go through package bridge first.
package fsys

import (
	"context"
	"io/fs"
	"time"
)

// ErrNotExist is returned (possibly wrapped) when a path has no file.
var ErrNotExist = fs.ErrNotExist

// FS reads, writes, lists and deletes text files under one storage root.
type FS interface {
	// ReadFile returns the whole content of name.
	ReadFile(ctx context.Context, name string) (string, error)
	// WriteFile replaces the content of name. Readers never observe a
	// partially written file.
	WriteFile(ctx context.Context, name, content string) error
	// ReadDir returns the sorted names of regular files directly under dir.
	// A missing dir yields an empty list.
	ReadDir(ctx context.Context, dir string) ([]string, error)
	// Remove deletes name.
	Remove(ctx context.Context, name string) error
}

// TempSweeper is implemented by filesystems whose writes can leave temp
// files behind when the process dies mid-write.
type TempSweeper interface {
	// RemoveStaleTemps deletes temp files in dir belonging to names ending in
	// suffix that were last modified before cutoff, and returns the temp
	// file names it removed.
	RemoveStaleTemps(ctx context.Context, dir, suffix string, cutoff time.Time) ([]string, error)
}

func validName(op, name string) error {
	if name == "." || !fs.ValidPath(name) {
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	return nil
}

func validDir(op, dir string) error {
	if !fs.ValidPath(dir) {
		return &fs.PathError{Op: op, Path: dir, Err: fs.ErrInvalid}
	}
	return nil
}

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: ErrNotExist}
}
