// Package store defines the persistence contracts for runs, their
// transcripts and written scripts.
package store

import (
	"context"
	"errors"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/script"
	"github.com/nstogner/evo/pkg/transcript"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunStore manages run records.
type RunStore interface {
	// CreateRun persists a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, run *domain.Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*domain.Run, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]domain.Run, error)

	// FinishRun records the final status and result of a run.
	FinishRun(ctx context.Context, id string, status domain.RunStatus, result string) error
}

// EntryStore manages the append-only transcript of each run.
type EntryStore interface {
	// AppendEntry adds an entry to the end of a run's transcript.
	AppendEntry(ctx context.Context, runID string, entry domain.Entry) error

	// GetEntries returns a run's entries in order. If limit > 0, only the
	// last limit entries are returned.
	GetEntries(ctx context.Context, runID string, limit int) ([]domain.Entry, error)

	// GetEntriesAfter returns the entries appended after afterID, or all
	// entries when afterID is unknown.
	GetEntriesAfter(ctx context.Context, runID string, afterID string) ([]domain.Entry, error)

	// Subscribe returns a channel that emits run IDs whenever an entry is
	// appended.
	Subscribe() <-chan string
}

// Store is everything the server persists.
type Store interface {
	RunStore
	EntryStore
	script.Store
}

// Recorder persists a run's transcript entries as they are appended.
func Recorder(ctx context.Context, es EntryStore, runID string) transcript.Recorder {
	return transcript.RecorderFunc(func(e domain.Entry) error {
		return es.AppendEntry(ctx, runID, e)
	})
}
