package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nstogner/evo/pkg/agent"
	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/server"
	"github.com/nstogner/evo/pkg/transcript"
	"github.com/nstogner/evo/pkg/transcript/jsonl"
)

func TestShow(t *testing.T) {
	dir := t.TempDir()
	log, err := jsonl.Create(dir, domain.Run{ID: "run-1", Goal: "greet", Model: "mock", CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	tr := transcript.New(transcript.WithRecorder(log))
	tr.AppendPersistent(domain.RoleUser, "The user's goal is: greet")
	tr.AppendFunctionCall(domain.FunctionCall{Name: "agent_speak", Arguments: map[string]any{"message": "hi"}}, "")
	tr.AppendFunctionResult("agent_speak", domain.Outcome{OK: true, Message: "hi"})
	log.Close()

	var out bytes.Buffer
	if err := show(&out, jsonl.Path(dir, "run-1")); err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"run run-1 (mock)", "goal: greet", `agent_speak {"message":"hi"}`, "[agent_speak]: hi"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPrintStep(t *testing.T) {
	var out bytes.Buffer
	printStep(&out, agent.Step{Kind: agent.StepMessage, Turn: 1, Text: "thinking"})
	printStep(&out, agent.Step{
		Kind:    agent.StepFunction,
		Turn:    2,
		Call:    &domain.FunctionCall{Name: "fs_readFile"},
		Outcome: &domain.Outcome{OK: false, Title: "Failed to read file"},
	})
	want := "[1] thinking\n[2] fs_readFile: failed Failed to read file\n"
	if out.String() != want {
		t.Errorf("printStep output = %q, want %q", out.String(), want)
	}
}

func TestToken(t *testing.T) {
	t.Setenv("EVO_AUTH_SECRET", "")
	t.Setenv("EVO_ENGINE", "")
	path := filepath.Join(t.TempDir(), "evo.yaml")
	if err := os.WriteFile(path, []byte("server:\n  auth_secret: 0123456789abcdef\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := token(&out, path, "ops"); err != nil {
		t.Fatalf("token: %v", err)
	}
	auth, _ := server.NewAuth("0123456789abcdef", time.Hour)
	sub, err := auth.ValidateToken(strings.TrimSpace(out.String()))
	if err != nil || sub != "ops" {
		t.Errorf("ValidateToken = %q, %v", sub, err)
	}

	if err := token(&out, "", "ops"); err == nil {
		t.Error("token without a secret succeeded")
	}
}
