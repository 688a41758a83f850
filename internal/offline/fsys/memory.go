package fsys

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
)

// Memory is an FS held in process memory. The zero value is not usable; use
// NewMemory.
type Memory struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewMemory returns an empty in-memory FS.
func NewMemory() *Memory {
	return &Memory{files: make(map[string]string)}
}

// ReadFile implements FS.
func (m *Memory) ReadFile(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validName("read", name); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.files[name]
	if !ok {
		return "", notExist("read", name)
	}
	return content, nil
}

// WriteFile implements FS.
func (m *Memory) WriteFile(ctx context.Context, name, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validName("write", name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = content
	return nil
}

// ReadDir implements FS.
func (m *Memory) ReadDir(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validDir("readdir", dir); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name := range m.files {
		parent, base := path.Split(name)
		parent = strings.TrimSuffix(parent, "/")
		if parent == "" {
			parent = "."
		}
		if parent == dir {
			names = append(names, base)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove implements FS.
func (m *Memory) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validName("remove", name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return notExist("remove", name)
	}
	delete(m.files, name)
	return nil
}
