package domain

// Role defines the sender of a transcript entry.
type Role string

const (
	// RoleSystem indicates framing from the agent itself (system prompt, goal, loop warnings).
	RoleSystem Role = "system"
	// RoleUser indicates a message from the user, including steering interjections.
	RoleUser Role = "user"
	// RoleAssistant indicates a message or function call from the model.
	RoleAssistant Role = "assistant"
	// RoleFunction indicates the outcome of an executed function.
	RoleFunction Role = "function"
)

// Persistence controls whether an entry is resent at the head of every model query.
type Persistence string

const (
	// Persistent entries are created once at agent start and never trimmed.
	Persistent Persistence = "persistent"
	// Ephemeral entries form the rolling history and may be trimmed.
	Ephemeral Persistence = "ephemeral"
)
