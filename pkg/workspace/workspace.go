// Package workspace provides the file area an agent's scripts operate on.
package workspace

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a file does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrPathEscape is returned for paths that leave the workspace root.
	ErrPathEscape = errors.New("path escapes workspace")
)

// File describes one file in a workspace.
type File struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Workspace is a flat namespace of slash-separated file paths.
type Workspace interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	AppendFile(name string, data []byte) error
	Exists(name string) (bool, error)
	// List returns files under prefix ("" for all), sorted by path.
	List(prefix string) ([]File, error)
	Remove(name string) error
}

// Clean normalizes a workspace path and rejects escapes.
func Clean(name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" {
		return "", fmt.Errorf("empty path")
	}
	if path.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
	}
	if clean == "." {
		return "", fmt.Errorf("path %q names the workspace root", name)
	}
	return clean, nil
}

func cleanPrefix(prefix string) (string, error) {
	if prefix == "" || prefix == "." || prefix == "/" {
		return "", nil
	}
	return Clean(prefix)
}

func hasPrefix(p, prefix string) bool {
	return prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/")
}

// WriteZip writes every file of ws into a zip archive on w.
func WriteZip(w io.Writer, ws Workspace) error {
	files, err := ws.List("")
	if err != nil {
		return fmt.Errorf("listing workspace: %w", err)
	}
	zw := zip.NewWriter(w)
	for _, f := range files {
		data, err := ws.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", f.Path, err)
		}
		hdr := &zip.FileHeader{Name: f.Path, Method: zip.Deflate, Modified: f.ModTime}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("adding %s: %w", f.Path, err)
		}
		if _, err := fw.Write(data); err != nil {
			return fmt.Errorf("adding %s: %w", f.Path, err)
		}
	}
	return zw.Close()
}
