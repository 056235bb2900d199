package evo

import (
	"embed"
	"fmt"

	"github.com/nstogner/evo/pkg/agent"
	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/function"
	"github.com/nstogner/evo/pkg/script"
)

//go:embed scripts/*.star
var builtinFS embed.FS

// Builtins serves the scripts behind the default function set.
func Builtins() *script.FS {
	return script.NewFS(builtinFS, "scripts")
}

// Names of the default non-termination functions.
const (
	FuncSpeak         = "agent_speak"
	FuncThink         = "agent_think"
	FuncReadFile      = "fs_readFile"
	FuncWriteFile     = "fs_writeFile"
	FuncAppendFile    = "fs_appendFile"
	FuncListDirectory = "fs_listDirectory"
	FuncDeleteFile    = "fs_deleteFile"
	FuncJSONParse     = "util_jsonParse"
	FuncSearchScripts = "scripts_search"
	FuncWriteScript   = "scripts_write"
	FuncExecScript    = "scripts_execute"
)

func props(p map[string]map[string]any) map[string]any {
	return function.Object(p)
}

func goalAchieved() function.Definition {
	return function.Definition{
		Name:          agent.FuncGoalAchieved,
		Description:   "Informs the user that the goal has been achieved.",
		Parameters:    props(map[string]map[string]any{"message": function.String("What was accomplished.")}),
		IsTermination: true,
		Success: func(agentName, _ string, _ map[string]any, result string) domain.Outcome {
			return domain.Outcome{OK: true, Title: fmt.Sprintf("[%s] Goal achieved", agentName), Message: result}
		},
	}
}

func goalFailed() function.Definition {
	return function.Definition{
		Name:          agent.FuncGoalFailed,
		Description:   "Informs the user that the goal could not be achieved.",
		Parameters:    props(map[string]map[string]any{"message": function.String("Why the goal could not be achieved.")}),
		IsTermination: true,
		Success: func(agentName, _ string, _ map[string]any, result string) domain.Outcome {
			return domain.Outcome{OK: false, Title: fmt.Sprintf("[%s] Goal failed", agentName), Message: result}
		},
	}
}

func speak() function.Definition {
	return function.Definition{
		Name:        FuncSpeak,
		Description: "Sends a message to the user.",
		Parameters:  props(map[string]map[string]any{"message": function.String("The message.")}),
		Success: func(agentName, _ string, _ map[string]any, result string) domain.Outcome {
			return domain.Outcome{OK: true, Title: fmt.Sprintf("[%s] %s", agentName, result)}
		},
	}
}

func think() function.Definition {
	return function.Definition{
		Name:        FuncThink,
		Description: "Think through a problem step by step. Has no side effects.",
		Parameters:  props(map[string]map[string]any{"thoughts": function.String("Your reasoning.")}),
		Success: func(agentName, _ string, _ map[string]any, result string) domain.Outcome {
			return domain.Outcome{OK: true, Title: fmt.Sprintf("[%s] Thinking", agentName), Message: result}
		},
	}
}

func fsFunctions() []function.Definition {
	path := function.String("Path relative to the workspace root.")
	data := function.String("Text content.")
	return []function.Definition{
		{
			Name:        FuncReadFile,
			Description: "Reads a file from the workspace.",
			Parameters:  props(map[string]map[string]any{"path": path}),
		},
		{
			Name:        FuncWriteFile,
			Description: "Writes a file to the workspace, replacing any existing content.",
			Parameters:  props(map[string]map[string]any{"path": path, "data": data}),
		},
		{
			Name:        FuncAppendFile,
			Description: "Appends text to a file in the workspace.",
			Parameters:  props(map[string]map[string]any{"path": path, "data": data}),
		},
		{
			Name:        FuncListDirectory,
			Description: "Lists the workspace files whose path starts with a prefix. Use an empty path for all files.",
			Parameters:  props(map[string]map[string]any{"path": function.String("Path prefix, may be empty.")}),
		},
		{
			Name:        FuncDeleteFile,
			Description: "Deletes a file from the workspace.",
			Parameters:  props(map[string]map[string]any{"path": path}),
		},
	}
}

func jsonParse() function.Definition {
	return function.Definition{
		Name:        FuncJSONParse,
		Description: "Parses JSON text and returns it in canonical form.",
		Parameters:  props(map[string]map[string]any{"text": function.String("JSON text.")}),
	}
}

// BaseFunctions is the function set shared by every evo agent.
func BaseFunctions() []function.Definition {
	defs := []function.Definition{goalAchieved(), goalFailed(), speak(), think()}
	defs = append(defs, fsFunctions()...)
	return append(defs, jsonParse())
}
