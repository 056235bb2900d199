package transcript

import "github.com/nstogner/evo/pkg/domain"

// CharsPerToken is the rough heuristic used to turn a token budget into characters.
const CharsPerToken = 4

// CharBudget keeps the newest ephemeral entries that fit, together with all
// persistent entries, into MaxChars characters. The newest entry is always
// kept, and a function result is never kept without the call that produced it.
type CharBudget struct {
	MaxChars int
}

// TokenBudget returns a CharBudget sized for the given token count.
func TokenBudget(tokens int) CharBudget {
	return CharBudget{MaxChars: tokens * CharsPerToken}
}

func (b CharBudget) Trim(persistent, ephemeral []domain.Entry) []domain.Entry {
	if b.MaxChars <= 0 || len(ephemeral) == 0 {
		return ephemeral
	}

	used := 0
	for _, e := range persistent {
		used += len(e.Content)
	}

	start := len(ephemeral) - 1
	used += len(ephemeral[start].Content)
	for start > 0 {
		next := used + len(ephemeral[start-1].Content)
		if next > b.MaxChars {
			break
		}
		used = next
		start--
	}

	// Don't open the history on an orphaned function result.
	for start < len(ephemeral)-1 && ephemeral[start].Role == domain.RoleFunction {
		start++
	}
	return ephemeral[start:]
}
