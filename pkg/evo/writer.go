package evo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nstogner/evo/pkg/agent"
	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/function"
	"github.com/nstogner/evo/pkg/sandbox"
	"github.com/nstogner/evo/pkg/sandbox/starlark"
	"github.com/nstogner/evo/pkg/script"
	"github.com/nstogner/evo/pkg/workspace"
)

// WriterFile is the workspace file the script writer saves its code to.
const WriterFile = "index.star"

const writerName = "scriptwriter"

// WriterArgs describes the script a writer run should produce.
type WriterArgs struct {
	Name        string
	Description string
	Arguments   []string
	// Developer carries free-form notes from the requesting agent.
	Developer string
}

// NewWriter builds the script-writer agent on c. The writer only sees its
// own workspace, so c should come from Context.Fork.
func NewWriter(c *agent.Context, maxTurns int) (*agent.Agent[WriterArgs], error) {
	fsFns := fsFunctions()
	return agent.New(agent.Config[WriterArgs]{
		Name: writerName,
		InitialMessages: func(_ string, args WriterArgs) []agent.Message {
			return []agent.Message{
				{Role: domain.RoleSystem, Content: fmt.Sprintf(writerSystemPrompt, WriterFile)},
				{Role: domain.RoleSystem, Content: writerGoalPrompt(args)},
			}
		},
		LoopPreventionPrompt: LoopPreventionPrompt,
		Functions: []function.Definition{
			goalAchieved(),
			goalFailed(),
			think(),
			fsFns[0], // fs_readFile
			fsFns[1], // fs_writeFile
		},
		MaxTurns: maxTurns,
	}, c)
}

// writeScript runs a nested writer on a fork of the evo context and stores
// the checked result.
func (e *Evo) writeScript(ctx context.Context, params map[string]any) (string, error) {
	args := WriterArgs{
		Name:        stringParam(params, "namespace"),
		Description: stringParam(params, "description"),
		Arguments:   stringsParam(params, "arguments"),
		Developer:   stringParam(params, "developerNote"),
	}
	if err := e.checkWritable(ctx, args.Name); err != nil {
		return "", err
	}
	for _, a := range args.Arguments {
		if err := sandbox.CheckGlobals([]sandbox.Global{{Name: a}}); err != nil {
			return "", err
		}
	}

	fork := e.ctx.Fork()
	writer, err := NewWriter(fork, e.writerMaxTurns)
	if err != nil {
		return "", err
	}
	fork.Logger.Info("Starting script writer", "script", args.Name)
	res := writer.Run(args).Wait(ctx)
	if !res.OK {
		return "", fmt.Errorf("script writer did not succeed: %s", res.Message)
	}

	code, err := fork.Workspace.ReadFile(WriterFile)
	if errors.Is(err, workspace.ErrNotFound) {
		return "", fmt.Errorf("script writer finished without writing %s", WriterFile)
	}
	if err != nil {
		return "", err
	}
	if err := starlark.Check(string(code), args.Arguments); err != nil {
		return "", fmt.Errorf("script %s does not compile: %w", args.Name, err)
	}

	s := domain.Script{
		Name:        args.Name,
		Description: args.Description,
		Language:    domain.LanguageStarlark,
		Code:        string(code),
	}
	if err := e.store.PutScript(ctx, s); err != nil {
		return "", fmt.Errorf("saving script %s: %w", args.Name, err)
	}
	return fmt.Sprintf("Created script %s(%s).", args.Name, strings.Join(args.Arguments, ", ")), nil
}

// checkWritable rejects invalid names and names owned by the builtin scripts.
func (e *Evo) checkWritable(ctx context.Context, name string) error {
	if err := script.ValidateName(name); err != nil {
		return err
	}
	if _, err := Builtins().GetScriptByName(ctx, name); err == nil {
		return fmt.Errorf("script %s is a builtin and cannot be replaced", name)
	}
	return nil
}

func stringParam(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return s
}

func stringsParam(params map[string]any, name string) []string {
	var out []string
	switch v := params[name].(type) {
	case []string:
		out = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
