package jsonl

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/transcript"
)

func TestRecordAndRead(t *testing.T) {
	dir := t.TempDir()
	run := domain.Run{ID: "run-1", Goal: "count files", Model: "mock", CreatedAt: time.Now().UTC()}
	log, err := Create(dir, run)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tr := transcript.New(transcript.WithRecorder(log))
	tr.AppendPersistent(domain.RoleSystem, "system")
	tr.AppendFunctionCall(domain.FunctionCall{ID: "c1", Name: "fs_readFile", Arguments: map[string]any{"path": "a.txt"}}, "")
	tr.AppendFunctionResult("fs_readFile", domain.Outcome{OK: true, Message: "hello"})
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	h, entries, err := Read(Path(dir, "run-1"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if h.ID != "run-1" || h.Goal != "count files" || h.Version != Version {
		t.Errorf("header = %+v", h)
	}
	if diff := cmp.Diff(tr.All(), entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateExisting(t *testing.T) {
	dir := t.TempDir()
	log, err := Create(dir, domain.Run{ID: "run-1"})
	if err != nil {
		t.Fatal(err)
	}
	log.Close()
	if _, err := Create(dir, domain.Run{ID: "run-1"}); err == nil {
		t.Error("Create over an existing transcript succeeded")
	}
}

func TestReadSkipsTruncatedLine(t *testing.T) {
	path := Path(t.TempDir(), "run-1")
	data := `{"type":"run","version":1,"id":"run-1","created_at":"2026-01-02T03:04:05Z"}
{"id":"e1","role":"user","content":"hi","persistence":"ephemeral","timestamp":"2026-01-02T03:04:06Z"}
{"id":"e2","role":"assist`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	_, entries, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "hi" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	path := Path(t.TempDir(), "run-1")
	os.WriteFile(path, []byte(`{"type":"run","version":9,"id":"run-1"}`+"\n"), 0o644)
	if _, _, err := Read(path); err == nil {
		t.Error("Read accepted an unknown version")
	}
}
