package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Dir is a workspace rooted at a directory on disk.
type Dir struct {
	root string
}

var _ Workspace = (*Dir)(nil)

// NewDir creates the root directory if it does not exist.
func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute directory backing the workspace.
func (d *Dir) Root() string { return d.root }

func (d *Dir) resolve(name string) (string, error) {
	p, err := Clean(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(p)), nil
}

func notFound(err error, name string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

func (d *Dir) ReadFile(name string) ([]byte, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, notFound(err, name)
	}
	return b, nil
}

func (d *Dir) WriteFile(name string, data []byte) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", name, err)
	}
	return os.WriteFile(p, data, 0o644)
}

func (d *Dir) AppendFile(name string, data []byte) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", name, err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (d *Dir) Exists(name string) (bool, error) {
	p, err := d.resolve(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d *Dir) List(prefix string) ([]File, error) {
	pre, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var out []File
	err = filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !hasPrefix(rel, pre) {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		out = append(out, File{Path: rel, Size: info.Size(), ModTime: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing workspace: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d *Dir) Remove(name string) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return notFound(err, name)
	}
	return nil
}
