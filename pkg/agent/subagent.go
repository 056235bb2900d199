package agent

import (
	"errors"
	"fmt"

	"github.com/nstogner/evo/pkg/function"
	"github.com/nstogner/evo/pkg/workspace"
)

// Names of the termination functions every agent must define.
const (
	FuncGoalAchieved = "agent_onGoalAchieved"
	FuncGoalFailed   = "agent_onGoalFailed"
)

// DefaultMaxRepeats is used when a Config leaves MaxRepeats unset.
const DefaultMaxRepeats = 3

// ErrMissingTerminationFunction is returned by New when a config lacks one of
// the termination functions.
var ErrMissingTerminationFunction = errors.New("missing termination function")

// Config describes an agent with run arguments of type T.
type Config[T any] struct {
	Name string
	// InitialMessages builds the persistent framing of a run.
	InitialMessages      func(agentName string, args T) []Message
	LoopPreventionPrompt string
	Functions            []function.Definition
	MaxRepeats           int
	MaxTurns             int
}

// Agent pairs a validated config with the context it runs in.
type Agent[T any] struct {
	cfg      Config[T]
	ctx      *Context
	registry *function.Registry
}

// New validates cfg and registers its functions.
func New[T any](cfg Config[T], c *Context) (*Agent[T], error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent config: empty name")
	}
	if cfg.InitialMessages == nil {
		return nil, fmt.Errorf("agent %s: no initial messages", cfg.Name)
	}
	if cfg.MaxRepeats == 0 {
		cfg.MaxRepeats = DefaultMaxRepeats
	}

	reg := function.NewRegistry(cfg.Name)
	for _, def := range cfg.Functions {
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("agent %s: %w", cfg.Name, err)
		}
	}
	for _, name := range []string{FuncGoalAchieved, FuncGoalFailed} {
		def, err := reg.Resolve(name)
		if err != nil || !def.IsTermination {
			return nil, fmt.Errorf("agent %s: %w: %s", cfg.Name, ErrMissingTerminationFunction, name)
		}
	}
	return &Agent[T]{cfg: cfg, ctx: c, registry: reg}, nil
}

// Name returns the agent's name.
func (a *Agent[T]) Name() string { return a.cfg.Name }

// Context returns the context the agent runs in.
func (a *Agent[T]) Context() *Context { return a.ctx }

// Workspace returns the agent's workspace.
func (a *Agent[T]) Workspace() workspace.Workspace { return a.ctx.Workspace }

// Registry returns the agent's function registry.
func (a *Agent[T]) Registry() *function.Registry { return a.registry }

// Run starts a run with args. Drive it with Next or Wait.
func (a *Agent[T]) Run(args T) *Run {
	return NewRun(a.ctx, LoopConfig{
		Name:                 a.cfg.Name,
		Registry:             a.registry,
		InitialMessages:      a.cfg.InitialMessages(a.cfg.Name, args),
		LoopPreventionPrompt: a.cfg.LoopPreventionPrompt,
		MaxRepeats:           a.cfg.MaxRepeats,
		MaxTurns:             a.cfg.MaxTurns,
	})
}
