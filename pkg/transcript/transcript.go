// Package transcript holds the ordered, role-tagged message log of one agent.
//
// Entries are either persistent (goal and system framing, resent at the head
// of every model query) or ephemeral (the rolling history, subject to
// trimming). Materialize always returns persistent entries first, in
// insertion order, followed by the kept ephemeral history.
package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/evo/pkg/domain"
)

// Recorder persists entries as they are appended. An entry rejected by the
// recorder is not added to the transcript.
type Recorder interface {
	Record(entry domain.Entry) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(entry domain.Entry) error

func (f RecorderFunc) Record(entry domain.Entry) error { return f(entry) }

// Tee records to each recorder in turn, stopping at the first error.
func Tee(rs ...Recorder) Recorder {
	return RecorderFunc(func(entry domain.Entry) error {
		for _, r := range rs {
			if err := r.Record(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// Trimmer selects which ephemeral entries are sent to the model.
// It must not modify its arguments.
type Trimmer interface {
	Trim(persistent, ephemeral []domain.Entry) []domain.Entry
}

// Option configures a Transcript.
type Option func(*Transcript)

// WithRecorder sets the persistence sink.
func WithRecorder(r Recorder) Option {
	return func(t *Transcript) { t.recorder = r }
}

// WithTrimmer sets the trimming policy applied by Materialize.
func WithTrimmer(tr Trimmer) Option {
	return func(t *Transcript) { t.trimmer = tr }
}

// Transcript is safe for concurrent readers; appends are expected to come
// from the single goroutine driving the owning agent.
type Transcript struct {
	mu         sync.RWMutex
	persistent []domain.Entry
	ephemeral  []domain.Entry
	recorder   Recorder
	trimmer    Trimmer
}

// New creates an empty transcript.
func New(opts ...Option) *Transcript {
	t := &Transcript{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AppendPersistent adds an entry that is re-emitted at the start of every query.
func (t *Transcript) AppendPersistent(role domain.Role, text string) error {
	return t.append(domain.Entry{Role: role, Content: text, Persistence: domain.Persistent})
}

// AppendEphemeral adds an ordinary history entry.
func (t *Transcript) AppendEphemeral(role domain.Role, text string) error {
	return t.append(domain.Entry{Role: role, Content: text, Persistence: domain.Ephemeral})
}

// AppendFunctionCall records the model's structured function-call request.
func (t *Transcript) AppendFunctionCall(call domain.FunctionCall, text string) error {
	return t.append(domain.Entry{
		Role:        domain.RoleAssistant,
		Content:     text,
		Persistence: domain.Ephemeral,
		Call:        &call,
	})
}

// AppendFunctionResult records the outcome of a function as seen by the model.
func (t *Transcript) AppendFunctionResult(name string, outcome domain.Outcome) error {
	return t.append(domain.Entry{
		Role:        domain.RoleFunction,
		Content:     outcome.Text(),
		Persistence: domain.Ephemeral,
		Function:    name,
	})
}

func (t *Transcript) append(e domain.Entry) error {
	e.ID = uuid.New().String()
	e.Timestamp = time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.recorder != nil {
		if err := t.recorder.Record(e); err != nil {
			return fmt.Errorf("recording %s entry: %w", e.Role, err)
		}
	}
	if e.Persistence == domain.Persistent {
		t.persistent = append(t.persistent, e)
	} else {
		t.ephemeral = append(t.ephemeral, e)
	}
	return nil
}

// Materialize returns the entries for the next model query. It has no side
// effects: calling it twice without an intervening append yields the same
// sequence.
func (t *Transcript) Materialize() []domain.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	kept := t.ephemeral
	if t.trimmer != nil {
		kept = t.trimmer.Trim(t.persistent, t.ephemeral)
	}
	out := make([]domain.Entry, 0, len(t.persistent)+len(kept))
	out = append(out, t.persistent...)
	out = append(out, kept...)
	return out
}

// All returns every entry ever appended, untrimmed, persistent first.
func (t *Transcript) All() []domain.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.Entry, 0, len(t.persistent)+len(t.ephemeral))
	out = append(out, t.persistent...)
	out = append(out, t.ephemeral...)
	return out
}

// Len returns the number of entries appended so far.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.persistent) + len(t.ephemeral)
}
