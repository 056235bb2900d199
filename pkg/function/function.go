// Package function defines the functions an agent's model may choose from and
// the registry that resolves them to executors.
package function

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nstogner/evo/pkg/domain"
)

// SuccessFunc builds the outcome shown to the model when a function succeeds.
type SuccessFunc func(agentName, functionName string, params map[string]any, result string) domain.Outcome

// FailureFunc builds the outcome shown to the model when a function fails.
type FailureFunc func(agentName, functionName string, params map[string]any, errText string) domain.Outcome

// NativeFunc runs a function in-process instead of dispatching a script.
type NativeFunc func(ctx context.Context, params map[string]any) (string, error)

// Definition declares a function. It is immutable once registered.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON schema object describing the arguments.
	Parameters    map[string]any
	IsTermination bool
	Success       SuccessFunc
	Failure       FailureFunc
	// Native, when set, replaces script dispatch. Its result still flows
	// through Success and Failure.
	Native NativeFunc
}

// Declaration is the model-facing signature of a function.
type Declaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Declaration returns the model-facing signature of the definition.
func (d Definition) Declaration() Declaration {
	params := d.Parameters
	if params == nil {
		params = Object(nil)
	}
	return Declaration{Name: d.Name, Description: d.Description, Parameters: params}
}

// ScriptName derives the script implementing a function: "fs_writeFile" -> "fs.writeFile".
func ScriptName(functionName string) string {
	return strings.ReplaceAll(functionName, "_", ".")
}

// Object builds a JSON schema object with the given properties. Every
// property is required unless its schema sets "optional": true.
func Object(props map[string]map[string]any) map[string]any {
	properties := make(map[string]any, len(props))
	required := []string{}
	for name, schema := range props {
		p := make(map[string]any, len(schema))
		optional := false
		for k, v := range schema {
			if k == "optional" {
				optional, _ = v.(bool)
				continue
			}
			p[k] = v
		}
		properties[name] = p
		if !optional {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// String is a shorthand for a string property schema.
func String(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// Optional marks a property schema as not required.
func Optional(schema map[string]any) map[string]any {
	schema["optional"] = true
	return schema
}

// ValidateArgs checks that args contain every property the schema requires.
func ValidateArgs(def Definition, args map[string]any) error {
	if def.Parameters == nil {
		return nil
	}
	var required []string
	switch r := def.Parameters["required"].(type) {
	case []string:
		required = r
	case []any:
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	for _, name := range required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required parameter %q for function %s", name, def.Name)
		}
	}
	return nil
}

// FormatParams renders params as compact JSON for outcome titles.
func FormatParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(b)
}

// DefaultSuccess is used when a definition leaves Success unset.
func DefaultSuccess(agentName, functionName string, params map[string]any, result string) domain.Outcome {
	return domain.Outcome{
		OK:      true,
		Title:   fmt.Sprintf("[%s] %s(%s)", agentName, functionName, FormatParams(params)),
		Message: result,
	}
}

// DefaultFailure is used when a definition leaves Failure unset.
func DefaultFailure(agentName, functionName string, params map[string]any, errText string) domain.Outcome {
	return domain.Outcome{
		OK:      false,
		Title:   fmt.Sprintf("[%s] Error in %s(%s)", agentName, functionName, FormatParams(params)),
		Message: "Error: " + errText,
	}
}
