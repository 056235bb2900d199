package domain

import "time"

// Entry is a single role-tagged message in an agent's transcript.
type Entry struct {
	ID          string        `json:"id"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	Persistence Persistence   `json:"persistence"`
	Call        *FunctionCall `json:"call,omitempty"`     // set on assistant function-call entries
	Function    string        `json:"function,omitempty"` // set on function-result entries
	Timestamp   time.Time     `json:"timestamp"`
}

// FunctionCall is the model's request to invoke a registered function.
type FunctionCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// ThoughtSignature is an opaque signature for the model's internal state.
	// Must be round-tripped back to the model on the next request.
	ThoughtSignature []byte `json:"thought_signature,omitempty"`
}

// Outcome is the normalized result of executing a function. Execution
// failures are outcomes too, so the model can observe them and adapt.
type Outcome struct {
	OK      bool   `json:"ok"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Text renders the outcome the way it is shown to the model.
func (o Outcome) Text() string {
	if o.Title == "" {
		return o.Message
	}
	if o.Message == "" {
		return o.Title
	}
	return o.Title + "\n" + o.Message
}

// Script is executable code resolved by name from a script repository.
type Script struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language"`
	Code        string    `json:"code"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Script languages understood by the sandbox shims.
const (
	LanguageStarlark = "starlark"
	LanguagePython   = "python"
)

// Run records one execution of an agent against a goal.
type Run struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Goal      string    `json:"goal"`
	Model     string    `json:"model"`
	Status    RunStatus `json:"status"`
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusTerminated RunStatus = "terminated"
	RunStatusAborted    RunStatus = "aborted"
)

// Model represents an available LLM model.
type Model struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}
