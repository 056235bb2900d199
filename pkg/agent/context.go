// Package agent runs the function-call orchestration loop: it asks a model
// to choose a registered function, dispatches the function's script to a
// sandbox engine and feeds the outcome back until a termination function is
// chosen or the run aborts.
package agent

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/nstogner/evo/pkg/model"
	"github.com/nstogner/evo/pkg/sandbox"
	"github.com/nstogner/evo/pkg/script"
	"github.com/nstogner/evo/pkg/transcript"
	"github.com/nstogner/evo/pkg/workspace"
)

// Context holds everything one running agent shares across its turns. It is
// owned by exactly one run; nested agents get their own via Fork.
type Context struct {
	// ID identifies the context to the sandbox engine.
	ID         string
	Provider   model.Provider
	ModelName  string
	Transcript *transcript.Transcript
	Workspace  workspace.Workspace
	Scripts    script.Repository
	Engine     sandbox.Engine
	Logger     *slog.Logger
}

func (c *Context) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Fork returns a fresh context for a nested agent: new ID, new transcript
// and an empty in-memory workspace. Model, scripts, engine and logger are
// shared.
func (c *Context) Fork(opts ...transcript.Option) *Context {
	id := uuid.New().String()
	return &Context{
		ID:         id,
		Provider:   c.Provider,
		ModelName:  c.ModelName,
		Transcript: transcript.New(opts...),
		Workspace:  workspace.NewMemory(),
		Scripts:    c.Scripts,
		Engine:     c.Engine,
		Logger:     c.logger().With("context", id, "parent", c.ID),
	}
}
