package evo

import (
	"fmt"
	"strings"
)

// SystemPrompt frames every top-level run.
const SystemPrompt = `You are Evo, an agent that achieves goals by calling functions.
Every reply must be exactly one function call.

You work inside a workspace of files. Use the fs_* functions to inspect and change it.
Before writing new code, call scripts_search to look for an existing script, then run it
with scripts_execute. When nothing fits, call scripts_write to create a script and then
execute it.

Call agent_speak to tell the user something and agent_think to reason step by step.
When the goal is achieved call agent_onGoalAchieved. If it cannot be achieved call
agent_onGoalFailed and explain why.`

// LoopPreventionPrompt is injected when the model repeats a call.
const LoopPreventionPrompt = "Assistant, you appear to be in a loop. Try executing a different function."

// GoalPrompt states the user's goal.
func GoalPrompt(goal string) string {
	return "The user's goal is: " + goal
}

const writerSystemPrompt = `You are an expert Starlark developer. You write the body of a single
script that another agent will call as a function.

Rules:
- The script body runs inside a function whose parameters are the script's arguments.
- Finish with resolve(value) for a result or reject(message) for an error. Returning a
  value also resolves it.
- Available modules: json (encode, decode), math, time, and fs (read, write, append,
  exists, list, remove) bound to the caller's workspace.
- Do not use load statements. Argument names cannot be resolve, reject, json, math,
  time or fs, nor start with two underscores.

Write the body to the file %s with fs_writeFile, read it back if unsure, then call
agent_onGoalAchieved. Call agent_onGoalFailed if the script cannot be written.`

func writerGoalPrompt(args WriterArgs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a script named %q.\n", args.Name)
	fmt.Fprintf(&b, "Description: %s\n", args.Description)
	if len(args.Arguments) > 0 {
		fmt.Fprintf(&b, "Arguments: %s\n", strings.Join(args.Arguments, ", "))
	} else {
		b.WriteString("Arguments: none\n")
	}
	if args.Developer != "" {
		fmt.Fprintf(&b, "Notes from the requester: %s\n", args.Developer)
	}
	return b.String()
}
