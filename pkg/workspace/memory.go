package workspace

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type memFile struct {
	data    []byte
	modTime time.Time
}

// Memory is a workspace held entirely in process memory. Nested agents get
// a fresh one so they cannot touch their parent's files.
type Memory struct {
	mu    sync.RWMutex
	files map[string]memFile
}

var _ Workspace = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{files: make(map[string]memFile)}
}

func (m *Memory) ReadFile(name string) ([]byte, error) {
	p, err := Clean(name)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return append([]byte(nil), f.data...), nil
}

func (m *Memory) WriteFile(name string, data []byte) error {
	p, err := Clean(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = memFile{data: append([]byte(nil), data...), modTime: time.Now().UTC()}
	return nil
}

func (m *Memory) AppendFile(name string, data []byte) error {
	p, err := Clean(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[p]
	m.files[p] = memFile{data: append(f.data, data...), modTime: time.Now().UTC()}
	return nil
}

func (m *Memory) Exists(name string) (bool, error) {
	p, err := Clean(name)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[p]
	return ok, nil
}

func (m *Memory) List(prefix string) ([]File, error) {
	pre, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []File
	for p, f := range m.files {
		if hasPrefix(p, pre) {
			out = append(out, File{Path: p, Size: int64(len(f.data)), ModTime: f.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) Remove(name string) error {
	p, err := Clean(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	delete(m.files, p)
	return nil
}
