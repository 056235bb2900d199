package function

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nstogner/evo/pkg/domain"
)

var (
	// ErrDuplicateFunction is returned when a name is registered twice.
	ErrDuplicateFunction = errors.New("duplicate function")
	// ErrUnknownFunction is returned when resolving a name that was never registered.
	ErrUnknownFunction = errors.New("unknown function")
)

// OnSuccess and OnFailure are the outcome builders bound to one function.
type (
	OnSuccess func(params map[string]any, result string) domain.Outcome
	OnFailure func(params map[string]any, errText string) domain.Outcome
)

// Backend executes the script behind a function for one agent context.
// Returned errors are configuration problems (e.g. a missing script); all
// execution failures must be reported through onFailure.
type Backend interface {
	Execute(ctx context.Context, scriptName string, params map[string]any, onSuccess OnSuccess, onFailure OnFailure) (domain.Outcome, error)
}

// Executor runs one function with parsed arguments.
type Executor func(ctx context.Context, params map[string]any) (domain.Outcome, error)

// Registry maps function names to definitions for one agent. Registration
// happens once before the agent runs.
type Registry struct {
	agent string

	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

// NewRegistry creates an empty registry for the named agent.
func NewRegistry(agentName string) *Registry {
	return &Registry{
		agent: agentName,
		defs:  make(map[string]Definition),
	}
}

// Agent returns the name of the agent owning the registry.
func (r *Registry) Agent() string { return r.agent }

// Register adds a definition.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("registering function: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFunction, def.Name)
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Resolve returns the definition registered under name.
func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return def, nil
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns model-facing signatures in registration order.
func (r *Registry) Declarations() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	decls := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		decls = append(decls, r.defs[name].Declaration())
	}
	return decls
}

// BuildExecutor binds a definition's outcome builders and the backend
// together for one agent context.
func (r *Registry) BuildExecutor(name string, backend Backend) (Executor, error) {
	def, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}

	success := def.Success
	if success == nil {
		success = DefaultSuccess
	}
	failure := def.Failure
	if failure == nil {
		failure = DefaultFailure
	}
	onSuccess := func(params map[string]any, result string) domain.Outcome {
		return success(r.agent, name, params, result)
	}
	onFailure := func(params map[string]any, errText string) domain.Outcome {
		return failure(r.agent, name, params, errText)
	}

	return func(ctx context.Context, params map[string]any) (domain.Outcome, error) {
		if params == nil {
			params = map[string]any{}
		}
		if err := ValidateArgs(def, params); err != nil {
			return onFailure(params, err.Error()), nil
		}
		if def.Native != nil {
			result, err := def.Native(ctx, params)
			if err != nil {
				return onFailure(params, err.Error()), nil
			}
			return onSuccess(params, result), nil
		}
		if backend == nil {
			return domain.Outcome{}, fmt.Errorf("function %s: no script backend", name)
		}
		return backend.Execute(ctx, ScriptName(name), params, onSuccess, onFailure)
	}, nil
}
