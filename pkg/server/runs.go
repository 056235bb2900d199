package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/nstogner/evo/pkg/agent"
	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/evo"
	"github.com/nstogner/evo/pkg/sandbox"
	"github.com/nstogner/evo/pkg/store"
	"github.com/nstogner/evo/pkg/transcript"
	"github.com/nstogner/evo/pkg/transcript/jsonl"
	"github.com/nstogner/evo/pkg/workspace"
)

// steerBuffer bounds steering messages waiting for the next turn.
const steerBuffer = 16

var (
	errRunNotLive   = errors.New("run is not live")
	errSteerBacklog = errors.New("too many pending steering messages")
)

// Event is what websocket clients receive: a step or the final result.
type Event struct {
	Type   string        `json:"type"` // "step" or "result"
	Step   *agent.Step   `json:"step,omitempty"`
	Result *agent.Result `json:"result,omitempty"`
}

// liveRun is a run being driven by its own goroutine.
type liveRun struct {
	id     string
	run    *agent.Run
	steer  chan string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	events []Event
	subs   map[chan Event]struct{}
}

// subscribe returns the events so far and a channel for the rest. The
// channel is closed after the result event.
func (lr *liveRun) subscribe() ([]Event, chan Event) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	history := append([]Event(nil), lr.events...)
	ch := make(chan Event, 64)
	select {
	case <-lr.done:
		close(ch)
	default:
		lr.subs[ch] = struct{}{}
	}
	return history, ch
}

func (lr *liveRun) unsubscribe(ch chan Event) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if _, ok := lr.subs[ch]; ok {
		delete(lr.subs, ch)
		close(ch)
	}
}

func (lr *liveRun) publish(ev Event) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.events = append(lr.events, ev)
	for ch := range lr.subs {
		select {
		case ch <- ev:
		default:
			// Drop slow subscribers rather than stall the run.
			delete(lr.subs, ch)
			close(ch)
		}
	}
}

func (lr *liveRun) finish(res agent.Result) {
	lr.publish(Event{Type: "result", Result: &res})
	lr.mu.Lock()
	defer lr.mu.Unlock()
	close(lr.done)
	for ch := range lr.subs {
		delete(lr.subs, ch)
		close(ch)
	}
}

// Prepare records a new run and builds its agent run without driving it.
// finish records the run's outcome and releases its sandboxes; call it once
// the run is done.
func (s *Server) Prepare(ctx context.Context, goal, modelName string) (rec *domain.Run, run *agent.Run, finish func(), err error) {
	if goal == "" {
		return nil, nil, nil, fmt.Errorf("goal is required")
	}
	if modelName == "" {
		modelName = s.opts.ModelName
	}
	rec = &domain.Run{
		ID:    uuid.New().String(),
		Agent: "evo",
		Goal:  goal,
		Model: modelName,
	}
	ws, err := s.workspace(rec.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := s.store.CreateRun(ctx, rec); err != nil {
		return nil, nil, nil, fmt.Errorf("creating run: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	recorder := store.Recorder(bg, s.store, rec.ID)
	var tlog *jsonl.Log
	if s.opts.TranscriptDir != "" {
		tlog, err = jsonl.Create(s.opts.TranscriptDir, *rec)
		if err != nil {
			s.store.FinishRun(bg, rec.ID, domain.RunStatusAborted, err.Error())
			return nil, nil, nil, err
		}
		recorder = transcript.Tee(recorder, tlog)
	}
	opts := []transcript.Option{transcript.WithRecorder(recorder)}
	if s.opts.ContextChars > 0 {
		opts = append(opts, transcript.WithTrimmer(transcript.CharBudget{MaxChars: s.opts.ContextChars}))
	}
	log := s.log.With("run", rec.ID)
	c := &agent.Context{
		ID:         rec.ID,
		Provider:   s.provider,
		ModelName:  modelName,
		Transcript: transcript.New(opts...),
		Workspace:  ws,
		Engine:     s.engine,
		Logger:     log,
	}
	e, err := evo.New(c,
		evo.WithStore(s.scripts),
		evo.WithMaxTurns(s.opts.MaxTurns),
		evo.WithWriterMaxTurns(s.opts.WriterMaxTurns),
	)
	if err != nil {
		if tlog != nil {
			tlog.Close()
		}
		s.store.FinishRun(bg, rec.ID, domain.RunStatusAborted, err.Error())
		return nil, nil, nil, err
	}
	run = e.Run(goal)

	finish = func() {
		res, _ := run.Result()
		status := domain.RunStatusTerminated
		if run.State() == agent.StateAborted {
			status = domain.RunStatusAborted
		}
		if err := s.store.FinishRun(bg, rec.ID, status, res.Message); err != nil {
			log.Error("Failed to record run result", "error", err)
		}
		for _, e := range languages(s.engine) {
			if st, ok := e.(stopper); ok {
				st.Stop(bg, rec.ID)
			}
		}
		if tlog != nil {
			if err := tlog.Close(); err != nil {
				log.Warn("Failed to close transcript log", "error", err)
			}
		}
		log.Info("Run finished", "status", status, "ok", res.OK)
	}
	return rec, run, finish, nil
}

// StartRun records a new run and drives it in the background.
func (s *Server) StartRun(ctx context.Context, goal, modelName string) (*domain.Run, error) {
	rec, run, finish, err := s.Prepare(ctx, goal, modelName)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	lr := &liveRun{
		id:     rec.ID,
		run:    run,
		steer:  make(chan string, steerBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[chan Event]struct{}),
	}
	s.mu.Lock()
	s.live[rec.ID] = lr
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drive(runCtx, lr, finish)
	return rec, nil
}

// drive advances the run until it is done. Steering messages are consumed
// only between turns.
func (s *Server) drive(ctx context.Context, lr *liveRun, finish func()) {
	defer s.wg.Done()
	defer lr.cancel()
	s.log.Info("Run started", "run", lr.id)

	for {
		var steer string
		select {
		case steer = <-lr.steer:
		default:
		}
		step, ok := lr.run.Next(ctx, steer)
		if !ok {
			break
		}
		lr.publish(Event{Type: "step", Step: &step})
	}
	finish()

	res, _ := lr.run.Result()
	s.mu.Lock()
	delete(s.live, lr.id)
	s.mu.Unlock()
	lr.finish(res)
}

// Models lists the models offered by the provider.
func (s *Server) Models(ctx context.Context) ([]domain.Model, error) {
	return s.provider.List(ctx)
}

func (s *Server) liveRun(id string) (*liveRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, ok := s.live[id]
	return lr, ok
}

// Steer queues a user message for the next turn of a live run.
func (s *Server) Steer(id, content string) error {
	lr, ok := s.liveRun(id)
	if !ok {
		return errRunNotLive
	}
	select {
	case lr.steer <- content:
		return nil
	default:
		return errSteerBacklog
	}
}

// Cancel aborts a live run.
func (s *Server) Cancel(id string) error {
	lr, ok := s.liveRun(id)
	if !ok {
		return errRunNotLive
	}
	lr.cancel()
	return nil
}

func (s *Server) workspace(runID string) (*workspace.Dir, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	return workspace.NewDir(filepath.Join(s.opts.WorkspaceRoot, runID))
}

// stopper is implemented by engines holding per-owner resources.
type stopper interface {
	Stop(ctx context.Context, owner string)
}

// statuser is implemented by engines that can report per-owner state.
type statuser interface {
	Status(ctx context.Context, owner string) (string, error)
}

// languages returns the engines of a Mux by language. Any other engine is
// reported under "default".
func languages(e sandbox.Engine) map[string]sandbox.Engine {
	if mux, ok := e.(sandbox.Mux); ok {
		return mux
	}
	return map[string]sandbox.Engine{"default": e}
}
