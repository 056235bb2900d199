package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nstogner/evo/pkg/domain"
)

// Dir stores scripts as files in a directory on disk.
type Dir struct {
	*FS
	root string
}

var _ Store = (*Dir)(nil)

// NewDir opens (and creates if needed) a directory-backed store.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating script dir: %w", err)
	}
	return &Dir{FS: NewFS(os.DirFS(root), "."), root: root}, nil
}

func (d *Dir) PutScript(ctx context.Context, s domain.Script) error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if s.Language == "" {
		s.Language = domain.LanguageStarlark
	}
	ext := Extension(s.Language)

	// Drop any copy in another language so lookups stay unambiguous.
	for other := range extensions {
		if other != ext {
			os.Remove(filepath.Join(d.root, s.Name+other))
		}
	}

	p := filepath.Join(d.root, s.Name+ext)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(s.Code), 0o644); err != nil {
		return fmt.Errorf("writing script %s: %w", s.Name, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("writing script %s: %w", s.Name, err)
	}
	return nil
}
