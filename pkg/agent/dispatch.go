package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/function"
	"github.com/nstogner/evo/pkg/sandbox"
	"github.com/nstogner/evo/pkg/script"
)

// ErrScriptNotFound is returned when a function's script does not exist.
// It signals a broken function set, not an agent-observable failure.
var ErrScriptNotFound = errors.New("script not found")

// Dispatcher executes function scripts for one agent context.
type Dispatcher struct {
	Context *Context
}

var _ function.Backend = (*Dispatcher)(nil)

// NewDispatcher binds a dispatcher to c.
func NewDispatcher(c *Context) *Dispatcher {
	return &Dispatcher{Context: c}
}

// Execute looks up scriptName, runs it with params bound as globals and
// classifies the result. Every failure inside the sandbox becomes an
// onFailure outcome; only a missing script is returned as an error, in
// which case neither builder is called.
func (d *Dispatcher) Execute(ctx context.Context, scriptName string, params map[string]any, onSuccess function.OnSuccess, onFailure function.OnFailure) (domain.Outcome, error) {
	c := d.Context
	log := c.logger()

	s, err := c.Scripts.GetScriptByName(ctx, scriptName)
	if err != nil {
		if errors.Is(err, script.ErrNotFound) {
			return domain.Outcome{}, fmt.Errorf("%w: %s", ErrScriptNotFound, scriptName)
		}
		return domain.Outcome{}, fmt.Errorf("looking up script %s: %w", scriptName, err)
	}

	globals, err := Globals(params)
	if err != nil {
		return onFailure(params, err.Error()), nil
	}

	code, err := sandbox.Shim(s.Language, s.Code, globals)
	if err != nil {
		return onFailure(params, err.Error()), nil
	}

	log.Debug("Dispatching script", "script", scriptName, "language", s.Language, "globals", len(globals))
	res, err := c.Engine.Run(ctx, sandbox.Program{
		Owner:     c.ID,
		Language:  s.Language,
		Code:      code,
		Globals:   globals,
		Workspace: c.Workspace,
	})
	switch {
	case err != nil:
		log.Warn("Script engine failed", "script", scriptName, "error", err)
		return onFailure(params, err.Error()), nil
	case res.Error != "":
		log.Debug("Script raised", "script", scriptName, "error", res.Error)
		return onFailure(params, res.Error), nil
	case res.Output.Rejected:
		log.Debug("Script rejected", "script", scriptName, "error", res.Output.Error)
		return onFailure(params, res.Output.Error), nil
	default:
		return onSuccess(params, res.Output.Value), nil
	}
}

// Globals encodes params as JSON globals, sorted by name.
func Globals(params map[string]any) ([]sandbox.Global, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	globals := make([]sandbox.Global, 0, len(names))
	for _, name := range names {
		b, err := json.Marshal(params[name])
		if err != nil {
			return nil, fmt.Errorf("encoding parameter %s: %w", name, err)
		}
		globals = append(globals, sandbox.Global{Name: name, Value: string(b)})
	}
	return globals, nil
}
