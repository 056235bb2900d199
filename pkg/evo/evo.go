// Package evo is the top-level goal agent. It pursues a user's goal with a
// default function set backed by builtin scripts, and grows that set by
// delegating new scripts to a nested script-writer agent.
package evo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nstogner/evo/pkg/agent"
	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/function"
	"github.com/nstogner/evo/pkg/script"
)

const agentName = "evo"

// Evo pursues goals on one agent context.
type Evo struct {
	ctx            *agent.Context
	store          script.Store
	agent          *agent.Agent[string]
	maxTurns       int
	writerMaxTurns int
}

// Option configures an Evo.
type Option func(*Evo)

// WithStore sets where written scripts are saved. Defaults to memory.
func WithStore(s script.Store) Option {
	return func(e *Evo) { e.store = s }
}

// WithMaxTurns bounds each goal run. Zero means unlimited.
func WithMaxTurns(n int) Option {
	return func(e *Evo) { e.maxTurns = n }
}

// WithWriterMaxTurns bounds each nested script-writer run.
func WithWriterMaxTurns(n int) Option {
	return func(e *Evo) { e.writerMaxTurns = n }
}

// New builds the goal agent on c. It replaces c.Scripts with the builtin
// scripts chained before the store, so builtins cannot be shadowed.
func New(c *agent.Context, opts ...Option) (*Evo, error) {
	e := &Evo{ctx: c, writerMaxTurns: 30}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = script.NewMemory()
	}
	c.Scripts = script.Chain{Builtins(), e.store}

	fns := append(BaseFunctions(), e.scriptFunctions()...)
	a, err := agent.New(agent.Config[string]{
		Name: agentName,
		InitialMessages: func(_ string, goal string) []agent.Message {
			return []agent.Message{
				{Role: domain.RoleSystem, Content: SystemPrompt},
				{Role: domain.RoleSystem, Content: GoalPrompt(goal)},
			}
		},
		LoopPreventionPrompt: LoopPreventionPrompt,
		Functions:            fns,
		MaxTurns:             e.maxTurns,
	}, c)
	if err != nil {
		return nil, err
	}
	e.agent = a
	return e, nil
}

// Run starts a run toward goal.
func (e *Evo) Run(goal string) *agent.Run {
	return e.agent.Run(goal)
}

// Agent exposes the underlying agent.
func (e *Evo) Agent() *agent.Agent[string] { return e.agent }

// Store returns the store written scripts are saved to.
func (e *Evo) Store() script.Store { return e.store }

func (e *Evo) scriptFunctions() []function.Definition {
	return []function.Definition{
		{
			Name:        FuncSearchScripts,
			Description: "Searches the available scripts by keywords matched against their names and descriptions.",
			Parameters:  props(map[string]map[string]any{"query": function.String("Space-separated keywords.")}),
			Native:      e.searchScripts,
		},
		{
			Name:        FuncWriteScript,
			Description: "Writes a new script. A developer agent implements it from the description.",
			Parameters: props(map[string]map[string]any{
				"namespace":   function.String("Script name, for example \"math.fibonacci\"."),
				"description": function.String("What the script does and what it returns."),
				"arguments": {
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Parameter names of the script.",
				},
				"developerNote": function.Optional(function.String("Extra guidance for the developer.")),
			}),
			Native: e.writeScript,
		},
		{
			Name:        FuncExecScript,
			Description: "Executes a script by name with JSON-encoded arguments.",
			Parameters: props(map[string]map[string]any{
				"namespace": function.String("Script name."),
				"arguments": function.Optional(function.String("JSON object of arguments, for example {\"n\": 5}.")),
			}),
			Native: e.execScript,
		},
	}
}

func (e *Evo) searchScripts(ctx context.Context, params map[string]any) (string, error) {
	query := stringParam(params, "query")
	found, err := script.Search(ctx, script.Chain{Builtins(), e.store}, query)
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return fmt.Sprintf("No scripts match %q.", query), nil
	}
	var b strings.Builder
	for _, s := range found {
		fmt.Fprintf(&b, "%s: %s\n", s.Name, s.Description)
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// execScript dispatches a script chosen at runtime. Unlike top-level
// dispatch, a missing script is reported to the model.
func (e *Evo) execScript(ctx context.Context, params map[string]any) (string, error) {
	name := stringParam(params, "namespace")
	args := map[string]any{}
	if raw := stringParam(params, "arguments"); strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	var result string
	var failure error
	_, err := agent.NewDispatcher(e.ctx).Execute(ctx, name, args,
		func(_ map[string]any, value string) domain.Outcome {
			result = value
			return domain.Outcome{OK: true}
		},
		func(_ map[string]any, errText string) domain.Outcome {
			failure = errors.New(errText)
			return domain.Outcome{}
		},
	)
	if err != nil {
		return "", err
	}
	if failure != nil {
		return "", failure
	}
	return result, nil
}
