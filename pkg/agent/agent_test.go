package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/function"
	"github.com/nstogner/evo/pkg/model"
	"github.com/nstogner/evo/pkg/sandbox"
	starengine "github.com/nstogner/evo/pkg/sandbox/starlark"
	"github.com/nstogner/evo/pkg/script"
	"github.com/nstogner/evo/pkg/transcript"
	"github.com/nstogner/evo/pkg/workspace"
)

// MockProvider replays scripted replies and records every request.
type MockProvider struct {
	mu       sync.Mutex
	Replies  []model.Message
	Requests [][]domain.Entry
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) List(ctx context.Context) ([]domain.Model, error) {
	return []domain.Model{{ID: "mock-model", Provider: "mock"}}, nil
}

func (m *MockProvider) Stream(ctx context.Context, modelName string, entries []domain.Entry, functions []function.Declaration) (model.ModelStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, entries)
	if len(m.Replies) == 0 {
		return nil, errors.New("mock provider exhausted")
	}
	msg := m.Replies[0]
	m.Replies = m.Replies[1:]
	return &MockStream{Msg: msg}, nil
}

type MockStream struct {
	Msg model.Message
}

func (s *MockStream) FullMessage() (model.Message, error) { return s.Msg, nil }
func (s *MockStream) Close() error                        { return nil }

func call(name string, args map[string]any) model.Message {
	return model.Message{Calls: []domain.FunctionCall{{ID: "call-" + name, Name: name, Arguments: args}}}
}

func text(s string) model.Message {
	return model.Message{Text: s}
}

// errorCounter counts error records logged through it.
type errorCounter struct {
	mu     sync.Mutex
	errors int
}

func (h *errorCounter) Enabled(context.Context, slog.Level) bool { return true }
func (h *errorCounter) Handle(_ context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		h.mu.Lock()
		h.errors++
		h.mu.Unlock()
	}
	return nil
}
func (h *errorCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *errorCounter) WithGroup(string) slog.Handler      { return h }

func (h *errorCounter) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errors
}

func newContext(p model.Provider, tr *transcript.Transcript, scripts ...domain.Script) (*Context, *errorCounter) {
	h := &errorCounter{}
	if tr == nil {
		tr = transcript.New()
	}
	return &Context{
		ID:         "test",
		Provider:   p,
		ModelName:  "mock-model",
		Transcript: tr,
		Workspace:  workspace.NewMemory(),
		Scripts:    script.NewMemory(scripts...),
		Engine:     starengine.New(),
		Logger:     slog.New(h),
	}, h
}

var finishDef = function.Definition{
	Name:          "finish",
	IsTermination: true,
	Parameters:    function.Object(map[string]map[string]any{"summary": function.String("Summary.")}),
	Success: func(agentName, functionName string, params map[string]any, result string) domain.Outcome {
		return domain.Outcome{OK: true, Title: "Finished", Message: result}
	},
}

var finishScript = domain.Script{Name: "finish", Code: "resolve(summary)"}

func newRegistry(t *testing.T, defs ...function.Definition) *function.Registry {
	t.Helper()
	reg := function.NewRegistry("tester")
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Name, err)
		}
	}
	return reg
}

func loopConfig(reg *function.Registry) LoopConfig {
	return LoopConfig{
		Name:                 "tester",
		Registry:             reg,
		InitialMessages:      []Message{{Role: domain.RoleSystem, Content: "Goal: test"}},
		LoopPreventionPrompt: "You are repeating yourself.",
	}
}

func TestScenarioImmediateTermination(t *testing.T) {
	p := &MockProvider{Replies: []model.Message{call("finish", map[string]any{"summary": "done"})}}
	c, _ := newContext(p, nil, finishScript)
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))
	ctx := context.Background()

	step, ok := run.Next(ctx, "")
	if !ok {
		t.Fatalf("Next() = false, want a step (result %+v)", run.result)
	}
	if step.Kind != StepFunction || !step.Final {
		t.Errorf("step = %+v, want final function step", step)
	}
	if run.State() != StateTerminated {
		t.Errorf("State() = %s, want %s", run.State(), StateTerminated)
	}
	if _, ok := run.Next(ctx, ""); ok {
		t.Error("Next() after termination = true, want false")
	}

	res, done := run.Result()
	if !done || !res.OK || res.Message != "Finished\ndone" {
		t.Errorf("Result() = (%+v, %v), want OK %q", res, done, "Finished\ndone")
	}
	if len(p.Requests) != 1 {
		t.Errorf("model queried %d times, want 1", len(p.Requests))
	}
}

func TestScenarioUnknownFunction(t *testing.T) {
	p := &MockProvider{Replies: []model.Message{
		call("doStuff", nil),
		call("finish", map[string]any{"summary": "ok"}),
	}}
	c, logs := newContext(p, nil, finishScript)
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))
	ctx := context.Background()

	step, ok := run.Next(ctx, "")
	if !ok {
		t.Fatal("Next() = false, want unknown function step")
	}
	if step.Outcome == nil || step.Outcome.OK {
		t.Fatalf("step outcome = %+v, want failure", step.Outcome)
	}
	if run.State() != StateAwaitModel {
		t.Errorf("State() = %s, want %s", run.State(), StateAwaitModel)
	}

	res := run.Wait(ctx)
	if !res.OK {
		t.Errorf("Result = %+v, want OK", res)
	}
	if len(p.Requests) != 2 {
		t.Fatalf("model queried %d times, want 2", len(p.Requests))
	}
	second := p.Requests[1]
	last := second[len(second)-1]
	if last.Role != domain.RoleFunction || last.Function != "doStuff" {
		t.Errorf("second query ends with %+v, want doStuff function result", last)
	}
	if logs.count() != 0 {
		t.Errorf("logged %d errors, want 0", logs.count())
	}
}

func TestScenarioTranscriptAppendFailure(t *testing.T) {
	errDiskFull := errors.New("disk full")
	tr := transcript.New(transcript.WithRecorder(transcript.RecorderFunc(func(e domain.Entry) error {
		if e.Role == domain.RoleFunction {
			return errDiskFull
		}
		return nil
	})))
	p := &MockProvider{Replies: []model.Message{call("finish", map[string]any{"summary": "done"})}}
	c, logs := newContext(p, tr, finishScript)
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))
	ctx := context.Background()

	if _, ok := run.Next(ctx, ""); ok {
		t.Fatal("Next() = true, want abort")
	}
	run.Next(ctx, "")

	res, done := run.Result()
	if !done || res.OK || res.Message != UnrecoverableMessage {
		t.Errorf("Result() = (%+v, %v), want %q", res, done, UnrecoverableMessage)
	}
	if !errors.Is(res.Err, errDiskFull) {
		t.Errorf("Result().Err = %v, want %v", res.Err, errDiskFull)
	}
	if run.State() != StateAborted {
		t.Errorf("State() = %s, want %s", run.State(), StateAborted)
	}
	if logs.count() != 1 {
		t.Errorf("logged %d errors, want exactly 1", logs.count())
	}
}

func TestTerminationIgnoresOutcome(t *testing.T) {
	p := &MockProvider{Replies: []model.Message{call("finish", map[string]any{"summary": "x"})}}
	c, _ := newContext(p, nil, domain.Script{Name: "finish", Code: `reject("nope")`})
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))

	res := run.Wait(context.Background())
	if run.State() != StateTerminated {
		t.Fatalf("State() = %s, want %s", run.State(), StateTerminated)
	}
	if res.OK || res.Message == UnrecoverableMessage {
		t.Errorf("Result = %+v, want failed termination outcome", res)
	}
}

func TestLoopPrevention(t *testing.T) {
	echo := function.Definition{Name: "echo"}
	p := &MockProvider{Replies: []model.Message{
		call("echo", map[string]any{"x": 1}),
		call("echo", map[string]any{"x": 1}),
		call("finish", map[string]any{"summary": "done"}),
	}}
	c, _ := newContext(p, nil, finishScript, domain.Script{Name: "echo", Code: "resolve(x)"})
	cfg := loopConfig(newRegistry(t, echo, finishDef))
	run := NewRun(c, cfg)
	ctx := context.Background()

	countWarnings := func() int {
		n := 0
		for _, e := range c.Transcript.All() {
			if e.Content == cfg.LoopPreventionPrompt {
				n++
			}
		}
		return n
	}

	run.Next(ctx, "")
	if n := countWarnings(); n != 0 {
		t.Fatalf("after first call: %d warnings, want 0", n)
	}
	run.Next(ctx, "")
	if n := countWarnings(); n != 1 {
		t.Fatalf("after repeated call: %d warnings, want 1", n)
	}

	run.Wait(ctx)
	third := p.Requests[2]
	last := third[len(third)-1]
	if last.Content != cfg.LoopPreventionPrompt || last.Persistence != domain.Ephemeral {
		t.Errorf("third query ends with %+v, want ephemeral loop prevention prompt", last)
	}
}

func TestLoopPreventionCycleThreshold(t *testing.T) {
	echo := function.Definition{Name: "echo"}
	p := &MockProvider{Replies: []model.Message{
		call("echo", map[string]any{"x": 1}),
		call("echo", map[string]any{"x": 2}),
		call("echo", map[string]any{"x": 1}),
	}}
	c, _ := newContext(p, nil, domain.Script{Name: "echo", Code: "resolve(x)"})
	cfg := loopConfig(newRegistry(t, echo, finishDef))
	cfg.MaxRepeats = 2
	run := NewRun(c, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, ok := run.Next(ctx, ""); !ok {
			t.Fatalf("Next() #%d = false", i+1)
		}
	}
	all := c.Transcript.All()
	if last := all[len(all)-1]; last.Content != cfg.LoopPreventionPrompt {
		t.Errorf("last entry = %+v, want loop prevention prompt", last)
	}
}

func TestCallKeyCanonical(t *testing.T) {
	a := CallKey("f", map[string]any{"b": 1, "a": map[string]any{"y": 2, "x": 1}})
	b := CallKey("f", map[string]any{"a": map[string]any{"x": 1, "y": 2}, "b": 1})
	if a != b {
		t.Errorf("CallKey not canonical: %q != %q", a, b)
	}
	if CallKey("g", nil) == CallKey("f", nil) {
		t.Error("CallKey ignores function name")
	}
}

func TestTextReplyAndSteering(t *testing.T) {
	p := &MockProvider{Replies: []model.Message{
		text("let me think"),
		call("finish", map[string]any{"summary": "done"}),
	}}
	c, _ := newContext(p, nil, finishScript)
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))
	ctx := context.Background()

	step, ok := run.Next(ctx, "")
	if !ok || step.Kind != StepMessage || step.Text != "let me think" {
		t.Fatalf("Next() = (%+v, %v), want message step", step, ok)
	}
	if run.State() != StateAwaitModel {
		t.Errorf("State() = %s, want %s", run.State(), StateAwaitModel)
	}

	if _, ok := run.Next(ctx, "wrap it up"); !ok {
		t.Fatal("Next() = false, want final step")
	}
	second := p.Requests[1]
	if len(second) != 3 {
		t.Fatalf("second query has %d entries, want 3", len(second))
	}
	if second[0].Persistence != domain.Persistent {
		t.Errorf("first entry = %+v, want persistent goal", second[0])
	}
	if second[1].Role != domain.RoleAssistant || second[1].Content != "let me think" {
		t.Errorf("second entry = %+v, want assistant reply", second[1])
	}
	if second[2].Role != domain.RoleUser || second[2].Content != "wrap it up" {
		t.Errorf("third entry = %+v, want steering message", second[2])
	}
}

func TestModelErrorAborts(t *testing.T) {
	c, logs := newContext(&MockProvider{}, nil)
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))

	res := run.Wait(context.Background())
	if res.OK || res.Message != UnrecoverableMessage {
		t.Errorf("Result = %+v, want unrecoverable", res)
	}
	if logs.count() != 1 {
		t.Errorf("logged %d errors, want 1", logs.count())
	}
}

func TestMissingScriptAborts(t *testing.T) {
	p := &MockProvider{Replies: []model.Message{call("finish", map[string]any{"summary": "done"})}}
	c, _ := newContext(p, nil)
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))

	res := run.Wait(context.Background())
	if !errors.Is(res.Err, ErrScriptNotFound) {
		t.Errorf("Result.Err = %v, want ErrScriptNotFound", res.Err)
	}
}

func TestTurnBudget(t *testing.T) {
	p := &MockProvider{Replies: []model.Message{text("one"), text("two")}}
	c, _ := newContext(p, nil)
	cfg := loopConfig(newRegistry(t, finishDef))
	cfg.MaxTurns = 1
	run := NewRun(c, cfg)

	res := run.Wait(context.Background())
	if !errors.Is(res.Err, ErrTurnBudgetExhausted) {
		t.Errorf("Result.Err = %v, want ErrTurnBudgetExhausted", res.Err)
	}
	if len(p.Requests) != 1 {
		t.Errorf("model queried %d times, want 1", len(p.Requests))
	}
}

func TestCancelledContextAborts(t *testing.T) {
	c, _ := newContext(&MockProvider{Replies: []model.Message{text("x")}}, nil)
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := run.Next(ctx, ""); ok {
		t.Fatal("Next() with cancelled context = true, want false")
	}
	res, _ := run.Result()
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Result.Err = %v, want context.Canceled", res.Err)
	}
}

type panicEngine struct{}

func (panicEngine) Run(ctx context.Context, p sandbox.Program) (sandbox.Result, error) {
	panic("engine exploded")
}

func TestPanicInTurnAborts(t *testing.T) {
	p := &MockProvider{Replies: []model.Message{call("finish", map[string]any{"summary": "done"})}}
	c, logs := newContext(p, nil, finishScript)
	c.Engine = panicEngine{}
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))

	res := run.Wait(context.Background())
	if res.Message != UnrecoverableMessage {
		t.Errorf("Result = %+v, want unrecoverable", res)
	}
	if logs.count() != 1 {
		t.Errorf("logged %d errors, want 1", logs.count())
	}
}

func TestSteps(t *testing.T) {
	p := &MockProvider{Replies: []model.Message{
		text("a"),
		call("finish", map[string]any{"summary": "done"}),
	}}
	c, _ := newContext(p, nil, finishScript)
	run := NewRun(c, loopConfig(newRegistry(t, finishDef)))

	var kinds []StepKind
	for step := range run.Steps(context.Background()) {
		kinds = append(kinds, step.Kind)
	}
	if len(kinds) != 2 || kinds[0] != StepMessage || kinds[1] != StepFunction {
		t.Errorf("steps = %v, want [message function]", kinds)
	}
}

func TestStateString(t *testing.T) {
	if got := StateAwaitModel.String(); got != "await_model" {
		t.Errorf("String() = %q, want %q", got, "await_model")
	}
	if !StateAborted.Done() || StateEvaluate.Done() {
		t.Error("Done() misclassifies states")
	}
}
