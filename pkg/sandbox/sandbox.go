// Package sandbox defines the contract between the script dispatcher and the
// runtimes that execute scripts.
package sandbox

import (
	"context"
	"fmt"
	"regexp"

	"github.com/nstogner/evo/pkg/workspace"
)

// Global is a named value made visible to a script. Value is JSON text.
type Global struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Output is what a script settled with through resolve or reject.
type Output struct {
	Value    string `json:"value,omitempty"`
	Error    string `json:"error,omitempty"`
	Rejected bool   `json:"rejected,omitempty"`
}

// Result is returned by an engine for every script it managed to run.
// Error is set when the script itself raised; Output is set otherwise.
type Result struct {
	Error  string `json:"error,omitempty"`
	Output Output `json:"output"`
	// Logs collects anything the script printed.
	Logs string `json:"logs,omitempty"`
}

// Program is one script invocation.
type Program struct {
	// Owner identifies the agent context the script runs for.
	Owner     string
	Language  string
	Code      string
	Globals   []Global
	Workspace workspace.Workspace
}

// Engine executes programs. A returned error means the engine could not run
// the program at all; failures inside the script are reported in Result.
type Engine interface {
	Run(ctx context.Context, p Program) (Result, error)
}

// Mux routes programs to an engine by language.
type Mux map[string]Engine

var _ Engine = Mux(nil)

func (m Mux) Run(ctx context.Context, p Program) (Result, error) {
	e, ok := m[p.Language]
	if !ok {
		return Result{}, fmt.Errorf("no engine for language %q", p.Language)
	}
	return e.Run(ctx, p)
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsIdentifier reports whether name can be bound as a script variable.
func IsIdentifier(name string) bool {
	return identRe.MatchString(name)
}
