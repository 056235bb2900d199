package docker

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nstogner/evo/pkg/sandbox"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		stderr   string
		exitCode int
		want     sandbox.Result
		wantErr  bool
	}{
		{
			name:   "resolved",
			stdout: "working\n" + sandbox.ResultTag + `{"value":"42","error":"","rejected":false}` + "\n",
			want:   sandbox.Result{Output: sandbox.Output{Value: "42"}, Logs: "working\n"},
		},
		{
			name:   "rejected",
			stdout: sandbox.ResultTag + `{"value":"","error":"bad","rejected":true}` + "\n",
			want:   sandbox.Result{Output: sandbox.Output{Error: "bad", Rejected: true}},
		},
		{
			name:   "script error",
			stdout: sandbox.ResultTag + `{"script_error":"Traceback: ZeroDivisionError"}` + "\n",
			want:   sandbox.Result{Error: "Traceback: ZeroDivisionError"},
		},
		{
			name:     "syntax error before shim ran",
			stderr:   "SyntaxError: invalid syntax",
			exitCode: 1,
			want:     sandbox.Result{Error: "SyntaxError: invalid syntax", Logs: "SyntaxError: invalid syntax"},
		},
		{
			name:    "no result line",
			stdout:  "hello\n",
			wantErr: true,
		},
		{
			name:    "garbled result line",
			stdout:  sandbox.ResultTag + "{\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOutput(tt.stdout, tt.stderr, tt.exitCode)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseOutput() = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseOutput: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseOutput() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGlobalsEnv(t *testing.T) {
	env, err := globalsEnv([]sandbox.Global{
		{Name: "path", Value: `"a.txt"`},
		{Name: "n", Value: "3"},
	})
	if err != nil {
		t.Fatalf("globalsEnv: %v", err)
	}
	raw, ok := strings.CutPrefix(env, sandbox.GlobalsEnv+"=")
	if !ok {
		t.Fatalf("env = %q, want %s= prefix", env, sandbox.GlobalsEnv)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("decoding env: %v", err)
	}
	want := map[string]any{"path": "a.txt", "n": float64(3)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("globals mismatch (-want +got):\n%s", diff)
	}

	if _, err := globalsEnv([]sandbox.Global{{Name: "bad", Value: "{"}}); err == nil {
		t.Error("globalsEnv with invalid JSON succeeded, want error")
	}
	if _, err := globalsEnv([]sandbox.Global{{Name: "reject", Value: "1"}}); !errors.Is(err, sandbox.ErrReservedName) {
		t.Errorf("globalsEnv(reject) error = %v, want ErrReservedName", err)
	}
}
