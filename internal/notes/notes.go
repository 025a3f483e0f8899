// Package notes reads and writes the author's notes.
package notes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned for a note that does not exist.
var ErrNotFound = errors.New("note not found")

// Store supplies note text by path and persists edits.
type Store interface {
	Read(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, path, content string) error
}

// Vault is a Store over a directory of plain-text notes.
type Vault struct {
	root string
}

// NewVault returns a Store rooted at dir.
func NewVault(dir string) (*Vault, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open vault: %s is not a directory", abs)
	}
	return &Vault{root: abs}, nil
}

// Root returns the vault directory.
func (v *Vault) Root() string {
	return v.root
}

func (v *Vault) resolve(p string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimSpace(p)))
	if cleaned == "." || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("note path %q is outside the vault", p)
	}
	return filepath.Join(v.root, cleaned), nil
}

// Read returns the text of the note at path.
func (v *Vault) Read(ctx context.Context, path string) (string, error) {
	full, err := v.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write replaces the note at path. The new text is written to a temporary
// file and renamed into place.
func (v *Vault) Write(ctx context.Context, path, content string) error {
	full, err := v.resolve(path)
	if err != nil {
		return err
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".notepub-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), full)
}

// Memory is an in-memory Store.
type Memory struct {
	mu    sync.RWMutex
	notes map[string]string
}

// NewMemory returns a Memory store seeded with notes.
func NewMemory(seed map[string]string) *Memory {
	m := &Memory{notes: make(map[string]string, len(seed))}
	for k, v := range seed {
		m.notes[k] = v
	}
	return m
}

func (m *Memory) Read(_ context.Context, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	text, ok := m.notes[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return text, nil
}

func (m *Memory) Write(_ context.Context, path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[path] = content
	return nil
}
