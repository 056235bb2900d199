package evo

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/nstogner/evo/pkg/agent"
	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/function"
	"github.com/nstogner/evo/pkg/model"
	"github.com/nstogner/evo/pkg/sandbox"
	"github.com/nstogner/evo/pkg/sandbox/starlark"
	"github.com/nstogner/evo/pkg/script"
	"github.com/nstogner/evo/pkg/transcript"
	"github.com/nstogner/evo/pkg/workspace"
)

// MockProvider replays scripted replies in order, whichever agent asks.
type MockProvider struct {
	mu      sync.Mutex
	Replies []model.Message
	Calls   int
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) List(ctx context.Context) ([]domain.Model, error) { return nil, nil }

func (m *MockProvider) Stream(ctx context.Context, modelName string, entries []domain.Entry, functions []function.Declaration) (model.ModelStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if len(m.Replies) == 0 {
		return nil, errors.New("mock provider exhausted")
	}
	msg := m.Replies[0]
	m.Replies = m.Replies[1:]
	return &MockStream{Msg: msg}, nil
}

type MockStream struct{ Msg model.Message }

func (s *MockStream) FullMessage() (model.Message, error) { return s.Msg, nil }
func (s *MockStream) Close() error                        { return nil }

func call(name string, args map[string]any) model.Message {
	return model.Message{Calls: []domain.FunctionCall{{ID: "id-" + name, Name: name, Arguments: args}}}
}

func newEvo(t *testing.T, replies ...model.Message) (*Evo, *agent.Context) {
	t.Helper()
	c := &agent.Context{
		ID:         "evo-test",
		Provider:   &MockProvider{Replies: replies},
		ModelName:  "mock",
		Transcript: transcript.New(),
		Workspace:  workspace.NewMemory(),
		Engine:     starlark.New(),
		Logger:     slog.New(slog.DiscardHandler),
	}
	e, err := New(c, WithMaxTurns(20))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, c
}

func TestBuiltinsCoverBaseFunctions(t *testing.T) {
	ctx := context.Background()
	for _, def := range BaseFunctions() {
		s, err := Builtins().GetScriptByName(ctx, function.ScriptName(def.Name))
		if err != nil {
			t.Errorf("%s: %v", def.Name, err)
			continue
		}
		if s.Description == "" {
			t.Errorf("%s: builtin script has no description", def.Name)
		}
		var params []string
		props, _ := def.Parameters["properties"].(map[string]any)
		for name := range props {
			params = append(params, name)
		}
		if err := starlark.Check(s.Code, params); err != nil {
			t.Errorf("%s: %v", def.Name, err)
		}
	}
}

func TestRunFileFunctions(t *testing.T) {
	e, c := newEvo(t,
		call(FuncWriteFile, map[string]any{"path": "notes/a.txt", "data": "hello"}),
		call(FuncListDirectory, map[string]any{"path": "notes/"}),
		call(FuncReadFile, map[string]any{"path": "notes/a.txt"}),
		call(agent.FuncGoalAchieved, map[string]any{"message": "done"}),
	)
	ctx := context.Background()
	run := e.Run("write a note")

	var outcomes []domain.Outcome
	for step := range run.Steps(ctx) {
		outcomes = append(outcomes, *step.Outcome)
	}
	res, _ := run.Result()
	if !res.OK || res.Message != "[evo] Goal achieved\ndone" {
		t.Fatalf("Result = %+v", res)
	}
	if len(outcomes) != 4 {
		t.Fatalf("got %d outcomes, want 4", len(outcomes))
	}
	if outcomes[1].Message != "notes/a.txt" {
		t.Errorf("listing = %q, want notes/a.txt", outcomes[1].Message)
	}
	if outcomes[2].Message != "hello" {
		t.Errorf("read = %q, want hello", outcomes[2].Message)
	}
	b, err := c.Workspace.ReadFile("notes/a.txt")
	if err != nil || string(b) != "hello" {
		t.Errorf("workspace file = %q, %v", b, err)
	}
}

func TestReadMissingFileIsObservable(t *testing.T) {
	e, _ := newEvo(t,
		call(FuncReadFile, map[string]any{"path": "nope.txt"}),
		call(agent.FuncGoalFailed, map[string]any{"message": "no file"}),
	)
	run := e.Run("read a file")
	ctx := context.Background()

	step, ok := run.Next(ctx, "")
	if !ok || step.Outcome.OK {
		t.Fatalf("Next() = (%+v, %v), want failed read outcome", step, ok)
	}
	res := run.Wait(ctx)
	if res.OK || res.Message != "[evo] Goal failed\nno file" {
		t.Errorf("Result = %+v, want goal failure", res)
	}
}

func TestWriteAndExecuteScript(t *testing.T) {
	e, c := newEvo(t,
		// evo
		call(FuncWriteScript, map[string]any{
			"namespace":   "math.double",
			"description": "Doubles a number.",
			"arguments":   []any{"n"},
		}),
		// scriptwriter
		call(FuncWriteFile, map[string]any{"path": WriterFile, "data": "resolve(n * 2)"}),
		call(agent.FuncGoalAchieved, map[string]any{"message": "written"}),
		// evo
		call(FuncSearchScripts, map[string]any{"query": "double"}),
		call(FuncExecScript, map[string]any{"namespace": "math.double", "arguments": `{"n": 21}`}),
		call(agent.FuncGoalAchieved, map[string]any{"message": "42"}),
	)
	ctx := context.Background()
	run := e.Run("double 21")

	var outcomes []domain.Outcome
	for step := range run.Steps(ctx) {
		outcomes = append(outcomes, *step.Outcome)
	}
	if res, _ := run.Result(); !res.OK {
		t.Fatalf("Result = %+v", res)
	}
	if len(outcomes) != 4 {
		t.Fatalf("got %d outcomes, want 4: %+v", len(outcomes), outcomes)
	}
	if !outcomes[0].OK || outcomes[0].Message != "Created script math.double(n)." {
		t.Errorf("write outcome = %+v", outcomes[0])
	}
	if outcomes[1].Message != "math.double: Doubles a number." {
		t.Errorf("search outcome = %+v", outcomes[1])
	}
	if outcomes[2].Message != "42" {
		t.Errorf("execute outcome = %+v", outcomes[2])
	}

	s, err := e.Store().GetScriptByName(ctx, "math.double")
	if err != nil || s.Code != "resolve(n * 2)" {
		t.Errorf("stored script = %+v, %v", s, err)
	}
	if ok, _ := c.Workspace.Exists(WriterFile); ok {
		t.Error("writer output leaked into the parent workspace")
	}
}

func TestWriteScriptFailures(t *testing.T) {
	ctx := context.Background()

	e, _ := newEvo(t)
	if _, err := e.writeScript(ctx, map[string]any{"namespace": "fs.readFile"}); err == nil {
		t.Error("overwriting a builtin succeeded")
	}
	if _, err := e.writeScript(ctx, map[string]any{"namespace": "../x"}); err == nil {
		t.Error("invalid name accepted")
	}

	e, _ = newEvo(t,
		call(FuncWriteFile, map[string]any{"path": WriterFile, "data": "resolve(m)"}),
		call(agent.FuncGoalAchieved, map[string]any{"message": "written"}),
	)
	_, err := e.writeScript(ctx, map[string]any{"namespace": "a.b", "description": "d", "arguments": []any{"n"}})
	if err == nil || !strings.Contains(err.Error(), "does not compile") {
		t.Errorf("writeScript() error = %v, want compile error", err)
	}
	if _, err := e.Store().GetScriptByName(ctx, "a.b"); !errors.Is(err, script.ErrNotFound) {
		t.Errorf("broken script was stored: %v", err)
	}

	e, _ = newEvo(t, call(agent.FuncGoalFailed, map[string]any{"message": "too hard"}))
	if _, err := e.writeScript(ctx, map[string]any{"namespace": "a.c", "description": "d"}); err == nil {
		t.Error("failed writer run produced a script")
	}
}

func TestExecScript(t *testing.T) {
	ctx := context.Background()
	e, _ := newEvo(t)
	if err := e.Store().PutScript(ctx, domain.Script{Name: "text.upper", Code: "resolve(s.upper())"}); err != nil {
		t.Fatal(err)
	}

	got, err := e.execScript(ctx, map[string]any{"namespace": "text.upper", "arguments": `{"s": "abc"}`})
	if err != nil || got != "ABC" {
		t.Errorf("execScript() = %q, %v", got, err)
	}
	if _, err := e.execScript(ctx, map[string]any{"namespace": "text.missing"}); !errors.Is(err, agent.ErrScriptNotFound) {
		t.Errorf("missing script error = %v", err)
	}
	if _, err := e.execScript(ctx, map[string]any{"namespace": "text.upper", "arguments": "[1]"}); err == nil {
		t.Error("non-object arguments accepted")
	}
	if _, err := e.execScript(ctx, map[string]any{"namespace": "text.upper", "arguments": `{"s": 1}`}); err == nil {
		t.Error("script error not reported")
	}
}

func TestStringsParam(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{in: []any{"a", "b"}, want: "a,b"},
		{in: " a , b ,", want: "a,b"},
		{in: nil, want: ""},
	}
	for _, tt := range tests {
		got := strings.Join(stringsParam(map[string]any{"x": tt.in}, "x"), ",")
		if got != tt.want {
			t.Errorf("stringsParam(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriterGoalPrompt(t *testing.T) {
	got := writerGoalPrompt(WriterArgs{Name: "math.add", Description: "Adds.", Arguments: []string{"a", "b"}})
	if !strings.Contains(got, "Arguments: a, b\n") {
		t.Errorf("prompt = %q, want argument list", got)
	}
	got = writerGoalPrompt(WriterArgs{Name: "util.now", Description: "Now.", Developer: "use time"})
	if !strings.Contains(got, "Arguments: none\n") || !strings.Contains(got, "Notes from the requester: use time\n") {
		t.Errorf("prompt = %q", got)
	}
}

func TestReservedArgumentNames(t *testing.T) {
	ctx := context.Background()
	e, _ := newEvo(t)
	_, err := e.writeScript(ctx, map[string]any{"namespace": "clock.fmt", "description": "d", "arguments": []any{"time"}})
	if !errors.Is(err, sandbox.ErrReservedName) {
		t.Errorf("writeScript() error = %v, want ErrReservedName", err)
	}

	if err := e.Store().PutScript(ctx, domain.Script{Name: "clock.echo", Code: "resolve(when)"}); err != nil {
		t.Fatal(err)
	}
	_, err = e.execScript(ctx, map[string]any{"namespace": "clock.echo", "arguments": `{"time": "noon"}`})
	if err == nil || !strings.Contains(err.Error(), "reserved") {
		t.Errorf("execScript() error = %v, want reserved name failure", err)
	}
}
