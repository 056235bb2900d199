package transcript

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nstogner/evo/pkg/domain"
)

func contents(entries []domain.Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Content)
	}
	return out
}

func TestPersistentPrecedesEphemeral(t *testing.T) {
	tr := New()

	tr.AppendEphemeral(domain.RoleUser, "first ephemeral")
	tr.AppendPersistent(domain.RoleSystem, "system prompt")
	tr.AppendEphemeral(domain.RoleAssistant, "second ephemeral")
	tr.AppendPersistent(domain.RoleSystem, "goal")

	got := contents(tr.Materialize())
	want := []string{"system prompt", "goal", "first ephemeral", "second ephemeral"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Materialize() mismatch (-want +got):\n%s", diff)
	}
}

func TestMaterializeIdempotent(t *testing.T) {
	tr := New(WithTrimmer(CharBudget{MaxChars: 30}))
	tr.AppendPersistent(domain.RoleSystem, "goal")
	for i := 0; i < 5; i++ {
		tr.AppendEphemeral(domain.RoleUser, "message "+string(rune('A'+i)))
	}

	first := tr.Materialize()
	second := tr.Materialize()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second Materialize() differs (-first +second):\n%s", diff)
	}
	if tr.Len() != 6 {
		t.Errorf("Len() = %d, want 6", tr.Len())
	}
}

func TestFunctionEntries(t *testing.T) {
	tr := New()
	call := domain.FunctionCall{ID: "call-1", Name: "fs_readFile", Arguments: map[string]any{"path": "a.txt"}}
	if err := tr.AppendFunctionCall(call, ""); err != nil {
		t.Fatalf("AppendFunctionCall: %v", err)
	}
	if err := tr.AppendFunctionResult("fs_readFile", domain.Outcome{OK: true, Title: "Read a.txt", Message: "hello"}); err != nil {
		t.Fatalf("AppendFunctionResult: %v", err)
	}

	entries := tr.Materialize()
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Call == nil || entries[0].Call.Name != "fs_readFile" {
		t.Errorf("call entry = %+v", entries[0])
	}
	if entries[1].Role != domain.RoleFunction || entries[1].Function != "fs_readFile" {
		t.Errorf("result entry = %+v", entries[1])
	}
	if entries[1].Content != "Read a.txt\nhello" {
		t.Errorf("result content = %q", entries[1].Content)
	}
}

func TestRecorderRejectsAppend(t *testing.T) {
	boom := errors.New("disk full")
	var recorded []domain.Entry
	tr := New(WithRecorder(RecorderFunc(func(e domain.Entry) error {
		if strings.Contains(e.Content, "fail") {
			return boom
		}
		recorded = append(recorded, e)
		return nil
	})))

	if err := tr.AppendEphemeral(domain.RoleUser, "ok"); err != nil {
		t.Fatalf("AppendEphemeral: %v", err)
	}
	err := tr.AppendEphemeral(domain.RoleUser, "please fail")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if tr.Len() != 1 {
		t.Errorf("rejected entry was kept: Len() = %d", tr.Len())
	}
	if len(recorded) != 1 || recorded[0].ID == "" {
		t.Errorf("recorded = %+v", recorded)
	}
}

func TestCharBudget(t *testing.T) {
	persistent := []domain.Entry{{Role: domain.RoleSystem, Content: "0123456789"}}
	ephemeral := []domain.Entry{
		{Role: domain.RoleUser, Content: "aaaaaaaaaa"},
		{Role: domain.RoleAssistant, Content: "bbbbbbbbbb", Call: &domain.FunctionCall{Name: "x"}},
		{Role: domain.RoleFunction, Content: "cccccccccc"},
		{Role: domain.RoleAssistant, Content: "dddddddddd"},
	}

	t.Run("fits", func(t *testing.T) {
		got := CharBudget{MaxChars: 100}.Trim(persistent, ephemeral)
		if len(got) != 4 {
			t.Errorf("kept %d entries, want 4", len(got))
		}
	})

	t.Run("drops oldest and orphaned results", func(t *testing.T) {
		// 10 persistent + 20 for the last two entries; the function result
		// would open the history without its call, so it is dropped too.
		got := CharBudget{MaxChars: 30}.Trim(persistent, ephemeral)
		if diff := cmp.Diff([]string{"dddddddddd"}, contents(got)); diff != "" {
			t.Errorf("Trim mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("always keeps newest", func(t *testing.T) {
		got := CharBudget{MaxChars: 1}.Trim(persistent, ephemeral)
		if len(got) != 1 || got[0].Content != "dddddddddd" {
			t.Errorf("Trim = %v", contents(got))
		}
	})

	t.Run("token budget", func(t *testing.T) {
		if b := TokenBudget(10); b.MaxChars != 40 {
			t.Errorf("TokenBudget(10).MaxChars = %d", b.MaxChars)
		}
	})
}

func TestTee(t *testing.T) {
	var first, second []string
	boom := errors.New("disk full")
	tr := New(WithRecorder(Tee(
		RecorderFunc(func(e domain.Entry) error {
			first = append(first, e.Content)
			return nil
		}),
		RecorderFunc(func(e domain.Entry) error {
			if e.Content == "rejected" {
				return boom
			}
			second = append(second, e.Content)
			return nil
		}),
	)))

	if err := tr.AppendEphemeral(domain.RoleUser, "kept"); err != nil {
		t.Fatal(err)
	}
	if err := tr.AppendEphemeral(domain.RoleUser, "rejected"); !errors.Is(err, boom) {
		t.Errorf("append error = %v, want %v", err, boom)
	}
	if diff := cmp.Diff([]string{"kept", "rejected"}, first); diff != "" {
		t.Errorf("first recorder mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"kept"}, second); diff != "" {
		t.Errorf("second recorder mismatch (-want +got):\n%s", diff)
	}
	if tr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tr.Len())
	}
}
