// Package starlark runs scripts in-process on go.starlark.net.
//
// Scripts see their parameters as globals, a json module, an fs module bound
// to the program's workspace, and the resolve/reject builtins that settle
// the script's output.
package starlark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/sandbox"
	"github.com/nstogner/evo/pkg/workspace"
	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// DefaultMaxSteps bounds the computation of a single script.
const DefaultMaxSteps = 10_000_000

// Engine implements sandbox.Engine for starlark scripts.
type Engine struct {
	maxSteps uint64
	logger   *slog.Logger
}

var _ sandbox.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSteps overrides DefaultMaxSteps.
func WithMaxSteps(n uint64) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithLogger sets the logger receiving script prints.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{maxSteps: DefaultMaxSteps, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

type settlement struct {
	done   bool
	output sandbox.Output
}

func (e *Engine) Run(ctx context.Context, p sandbox.Program) (sandbox.Result, error) {
	if err := ctx.Err(); err != nil {
		return sandbox.Result{}, err
	}

	var logs strings.Builder
	thread := &starlark.Thread{
		Name: p.Owner,
		Print: func(_ *starlark.Thread, msg string) {
			logs.WriteString(msg)
			logs.WriteString("\n")
			e.logger.Debug("Script print", "owner", p.Owner, "msg", msg)
		},
	}
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
	}

	if err := sandbox.CheckGlobals(p.Globals); err != nil {
		return sandbox.Result{}, err
	}
	predeclared := starlark.StringDict{}
	decode := starjson.Module.Members["decode"]
	for _, g := range p.Globals {
		v, err := starlark.Call(thread, decode, starlark.Tuple{starlark.String(g.Value)}, nil)
		if err != nil {
			return sandbox.Result{}, fmt.Errorf("decoding global %s: %w", g.Name, err)
		}
		predeclared[g.Name] = v
	}

	state := &settlement{}
	for name, v := range builtins(state, p.Workspace) {
		predeclared[name] = v
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	_, err := starlark.ExecFileOptions(fileOptions, thread, p.Owner+".star", p.Code, predeclared)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return sandbox.Result{}, fmt.Errorf("running script: %w", ctxErr)
	}
	if err != nil {
		return sandbox.Result{Error: describeError(err), Logs: logs.String()}, nil
	}
	return sandbox.Result{Output: state.output, Logs: logs.String()}, nil
}

// Check compiles a script body as it would run with the given parameters,
// reporting syntax errors and undefined names without executing it.
func Check(code string, params []string) error {
	globals := make([]sandbox.Global, len(params))
	for i, name := range params {
		globals[i] = sandbox.Global{Name: name, Value: "null"}
	}
	src, err := sandbox.Shim(domain.LanguageStarlark, code, globals)
	if err != nil {
		return err
	}
	predeclared := builtins(&settlement{}, nil)
	_, _, err = starlark.SourceProgramOptions(fileOptions, "check.star", src, func(name string) bool {
		return predeclared.Has(name) || slices.Contains(params, name)
	})
	return err
}

func describeError(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

// ToText renders a value the way it is handed back to the dispatcher:
// strings verbatim, everything else as JSON.
func ToText(thread *starlark.Thread, v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return s.GoString()
	}
	if v == starlark.None {
		return ""
	}
	enc, err := starlark.Call(thread, starjson.Module.Members["encode"], starlark.Tuple{v}, nil)
	if err != nil {
		return v.String()
	}
	return enc.(starlark.String).GoString()
}

func builtins(state *settlement, ws workspace.Workspace) starlark.StringDict {
	settle := func(name string, rejected bool) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var v starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value?", &v); err != nil {
				return nil, err
			}
			if state.done {
				return starlark.None, nil
			}
			state.done = true
			if rejected {
				state.output = sandbox.Output{Rejected: true, Error: ToText(thread, v)}
			} else {
				state.output = sandbox.Output{Value: ToText(thread, v)}
			}
			return starlark.None, nil
		})
	}

	finish := starlark.NewBuiltin(sandbox.FinishFunc, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value = starlark.None
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &v); err != nil {
			return nil, err
		}
		if v != starlark.None && !state.done {
			state.done = true
			state.output = sandbox.Output{Value: ToText(thread, v)}
		}
		return starlark.None, nil
	})

	return starlark.StringDict{
		"resolve":          settle("resolve", false),
		"reject":           settle("reject", true),
		sandbox.FinishFunc: finish,
		"json":             starjson.Module,
		"math":             starmath.Module,
		"time":             startime.Module,
		"fs":               fsModule(ws),
	}
}
