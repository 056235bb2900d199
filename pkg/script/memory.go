package script

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nstogner/evo/pkg/domain"
)

// Memory is an in-process script store.
type Memory struct {
	mu      sync.RWMutex
	scripts map[string]domain.Script
}

var _ Store = (*Memory)(nil)

// NewMemory creates a store holding the given scripts.
func NewMemory(scripts ...domain.Script) *Memory {
	m := &Memory{scripts: make(map[string]domain.Script)}
	for _, s := range scripts {
		if s.Language == "" {
			s.Language = domain.LanguageStarlark
		}
		m.scripts[s.Name] = s
	}
	return m
}

func (m *Memory) GetScriptByName(ctx context.Context, name string) (domain.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scripts[name]
	if !ok {
		return domain.Script{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s, nil
}

func (m *Memory) PutScript(ctx context.Context, s domain.Script) error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if s.Language == "" {
		s.Language = domain.LanguageStarlark
	}
	if s.Description == "" {
		s.Description = describe(s.Code)
	}
	s.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[s.Name] = s
	return nil
}

func (m *Memory) ListScripts(ctx context.Context) ([]domain.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Script, 0, len(m.scripts))
	for _, s := range m.scripts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
