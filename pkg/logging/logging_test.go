package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "trace", want: LevelTrace},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: "warn", want: slog.LevelWarn},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFanout(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "evo.log")

	logger, closer, err := New(Options{Level: "info", File: file, Writer: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("Run started", "run", "r1")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !strings.Contains(buf.String(), "Run started") || strings.Contains(buf.String(), "hidden") {
		t.Errorf("text output = %q", buf.String())
	}

	b, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("log file is not one JSON record: %v (%q)", err, b)
	}
	if rec["msg"] != "Run started" || rec["run"] != "r1" {
		t.Errorf("record = %v", rec)
	}
}

func TestJournalKey(t *testing.T) {
	if got := toJournalKey("run.id-1"); got != "RUN_ID_1" {
		t.Errorf("toJournalKey = %q, want RUN_ID_1", got)
	}
}
