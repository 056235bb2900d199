// Package script resolves executable scripts by name.
package script

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/sahilm/fuzzy"
)

// ErrNotFound is returned when no script exists under a name.
var ErrNotFound = errors.New("script not found")

// Repository looks up scripts by name.
type Repository interface {
	GetScriptByName(ctx context.Context, name string) (domain.Script, error)
}

// Lister enumerates the scripts a repository holds.
type Lister interface {
	ListScripts(ctx context.Context) ([]domain.Script, error)
}

// Store is a writable repository.
type Store interface {
	Repository
	Lister
	PutScript(ctx context.Context, s domain.Script) error
}

var extensions = map[string]string{
	".star": domain.LanguageStarlark,
	".py":   domain.LanguagePython,
}

// Extension returns the file extension used for a language.
func Extension(language string) string {
	for ext, lang := range extensions {
		if lang == language {
			return ext
		}
	}
	return ".star"
}

// ValidateName rejects names that could escape a directory-backed repository.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || !fs.ValidPath(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid script name %q", name)
	}
	return nil
}

// describe extracts the description from a script's leading "# " comment.
func describe(code string) string {
	line, _, _ := strings.Cut(code, "\n")
	if d, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
		return strings.TrimSpace(d)
	}
	return ""
}

// FS serves read-only scripts from a file system, typically an embed.FS.
// Files are named "<script name><ext>", e.g. "fs.readFile.star".
type FS struct {
	fsys fs.FS
	dir  string
}

var _ Repository = (*FS)(nil)
var _ Lister = (*FS)(nil)

// NewFS serves the scripts found in dir of fsys.
func NewFS(fsys fs.FS, dir string) *FS {
	return &FS{fsys: fsys, dir: dir}
}

func (f *FS) GetScriptByName(ctx context.Context, name string) (domain.Script, error) {
	if err := ValidateName(name); err != nil {
		return domain.Script{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	for ext, lang := range extensions {
		b, err := fs.ReadFile(f.fsys, path.Join(f.dir, name+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return domain.Script{}, fmt.Errorf("reading script %s: %w", name, err)
		}
		code := string(b)
		return domain.Script{Name: name, Language: lang, Code: code, Description: describe(code)}, nil
	}
	return domain.Script{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (f *FS) ListScripts(ctx context.Context) ([]domain.Script, error) {
	entries, err := fs.ReadDir(f.fsys, f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}
	var out []domain.Script
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := path.Ext(e.Name())
		if _, ok := extensions[ext]; !ok {
			continue
		}
		s, err := f.GetScriptByName(ctx, strings.TrimSuffix(e.Name(), ext))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Chain consults repositories in order; the first hit wins.
type Chain []Repository

var _ Repository = Chain(nil)
var _ Lister = Chain(nil)

func (c Chain) GetScriptByName(ctx context.Context, name string) (domain.Script, error) {
	for _, r := range c {
		s, err := r.GetScriptByName(ctx, name)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return domain.Script{}, err
		}
	}
	return domain.Script{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ListScripts merges the listings of every member that supports listing.
// Shadowed names are reported once, from the earliest repository.
func (c Chain) ListScripts(ctx context.Context) ([]domain.Script, error) {
	seen := map[string]bool{}
	var out []domain.Script
	for _, r := range c {
		l, ok := r.(Lister)
		if !ok {
			continue
		}
		scripts, err := l.ListScripts(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range scripts {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Overlay is a writable store consulted before read-only fallbacks.
// Writes always go to the store.
type Overlay struct {
	Store
	Fallbacks []Repository
}

var _ Store = (*Overlay)(nil)

func (o *Overlay) chain() Chain {
	return append(Chain{o.Store}, o.Fallbacks...)
}

func (o *Overlay) GetScriptByName(ctx context.Context, name string) (domain.Script, error) {
	return o.chain().GetScriptByName(ctx, name)
}

func (o *Overlay) ListScripts(ctx context.Context) ([]domain.Script, error) {
	return o.chain().ListScripts(ctx)
}

// Search returns the scripts whose name or description contains every
// whitespace-separated term of query, case-insensitively. When none do, it
// falls back to fuzzy matching the query against script names, best first.
func Search(ctx context.Context, l Lister, query string) ([]domain.Script, error) {
	scripts, err := l.ListScripts(ctx)
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))
	var out []domain.Script
	for _, s := range scripts {
		hay := strings.ToLower(s.Name + " " + s.Description)
		match := true
		for _, term := range terms {
			if !strings.Contains(hay, term) {
				match = false
				break
			}
		}
		if match {
			out = append(out, s)
		}
	}
	if len(out) > 0 || len(terms) == 0 {
		return out, nil
	}

	names := make([]string, len(scripts))
	for i, s := range scripts {
		names[i] = s.Name
	}
	for _, m := range fuzzy.Find(strings.Join(terms, ""), names) {
		out = append(out, scripts[m.Index])
	}
	return out, nil
}
