// Package jsonl writes run transcripts as JSON lines: a header line followed
// by one entry per line.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/transcript"
)

// Version of the file format.
const Version = 1

// Header is the first line of a transcript file.
type Header struct {
	Type      string    `json:"type"`
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	Goal      string    `json:"goal,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Log appends entries to a transcript file.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

var _ transcript.Recorder = (*Log)(nil)

// Path returns the file name of the transcript for a run.
func Path(dir, runID string) string {
	return filepath.Join(dir, runID+".jsonl")
}

// Create starts a new transcript file for the run in dir.
func Create(dir string, run domain.Run) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcripts directory: %w", err)
	}
	path := Path(dir, run.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}
	l := &Log{path: path, f: f}
	h := Header{
		Type:      "run",
		Version:   Version,
		ID:        run.ID,
		Goal:      run.Goal,
		Model:     run.Model,
		CreatedAt: run.CreatedAt,
	}
	if err := l.writeLine(h); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write transcript header: %w", err)
	}
	return l, nil
}

func (l *Log) Path() string { return l.path }

// Record appends one entry.
func (l *Log) Record(e domain.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeLine(e)
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func (l *Log) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = l.f.Write(append(data, '\n'))
	return err
}

// maxLine bounds a single encoded entry.
const maxLine = 16 << 20

// Read loads a transcript file. Lines that fail to decode are skipped, so a
// file cut short by a crash still loads.
func Read(path string) (Header, []domain.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var h Header
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Header{}, nil, err
		}
		return Header{}, nil, fmt.Errorf("%s: empty transcript", path)
	}
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
		return Header{}, nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}
	if h.Version != Version {
		return Header{}, nil, fmt.Errorf("%s: unsupported version %d", path, h.Version)
	}

	var entries []domain.Entry
	for scanner.Scan() {
		var e domain.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return Header{}, nil, err
	}
	return h, entries, nil
}
