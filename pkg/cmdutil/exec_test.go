package cmdutil

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRun(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cmd      []string
		wantErr  bool
		wantExit int
	}{
		{"successful command", []string{"echo", "hello"}, false, 0},
		{"command with args", []string{"echo", "hello", "world"}, false, 0},
		{"command that fails", []string{"sh", "-c", "exit 3"}, true, 3},
		{"missing binary", []string{"/nonexistent/binary"}, true, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Run(ctx, ExecOptions{}, tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Errorf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if result == nil {
				t.Fatal("Run() returned nil result")
			}
			if result.ExitCode != tt.wantExit {
				t.Errorf("Run() exit code = %d, want %d", result.ExitCode, tt.wantExit)
			}
			if result.OK() == tt.wantErr {
				t.Errorf("Result.OK() = %v, wantErr %v", result.OK(), tt.wantErr)
			}
		})
	}
}

func TestRunEmptyCommand(t *testing.T) {
	result, err := Run(context.Background(), ExecOptions{}, nil)
	if err == nil {
		t.Error("Run() with empty command should fail")
	}
	if result != nil {
		t.Errorf("Run() result = %+v, want nil", result)
	}
}

func TestRunTimeout(t *testing.T) {
	opts := ExecOptions{Timeout: 100 * time.Millisecond}
	result, err := Run(context.Background(), opts, []string{"sleep", "5"})
	if err == nil {
		t.Fatal("Run() should time out for long command")
	}
	if !result.TimedOut {
		t.Error("Result.TimedOut = false, want true")
	}
	if result.Duration > 4*time.Second {
		t.Errorf("Run() took %s, timeout was not enforced", result.Duration)
	}
}

func TestRunStreamsOutput(t *testing.T) {
	var streamed bytes.Buffer
	opts := ExecOptions{Output: &streamed}

	result, err := Run(context.Background(), opts, []string{"sh", "-c", "echo out; echo err 1>&2"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, want := range []string{"out", "err"} {
		if !strings.Contains(streamed.String(), want) {
			t.Errorf("streamed output %q missing %q", streamed.String(), want)
		}
		if !strings.Contains(string(result.Output), want) {
			t.Errorf("captured output %q missing %q", result.Output, want)
		}
	}
}

func TestRunMaxCapture(t *testing.T) {
	opts := ExecOptions{MaxCapture: 4}
	result, err := Run(context.Background(), opts, []string{"printf", "abcdefgh"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := string(result.Output); got != "efgh" {
		t.Errorf("Result.Output = %q, want %q", got, "efgh")
	}
}

func TestParseCommandString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"simple command", "git status", []string{"git", "status"}, false},
		{"command with quoted argument", "git commit -m \"my message\"", []string{"git", "commit", "-m", "my message"}, false},
		{"command with single quotes", "echo 'hello world'", []string{"echo", "hello world"}, false},
		{"command with escaped quotes", "echo \"hello \\\"world\\\"\"", []string{"echo", "hello \"world\""}, false},
		{"unterminated quote", "echo 'oops", nil, true},
		{"empty string", "", nil, true},
		{"whitespace only", "   ", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCommandString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseCommandString() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseCommandList(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    []string
		wantErr bool
	}{
		{"string format", "go build ./...", []string{"go", "build", "./..."}, false},
		{"list format ([]interface{})", []interface{}{"go", "build", "./..."}, []string{"go", "build", "./..."}, false},
		{"list format ([]string)", []string{"make", "all"}, []string{"make", "all"}, false},
		{"empty string", "", nil, true},
		{"empty list", []string{}, nil, true},
		{"invalid type", 123, nil, true},
		{"list with non-string element", []interface{}{"go", 123}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandList(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCommandList() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseCommandList() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatCommand(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  string
	}{
		{"simple command", []string{"git", "status"}, "git status"},
		{"command with spaces in argument", []string{"git", "commit", "-m", "my message"}, "git commit -m 'my message'"},
		{"empty command", []string{}, "<empty command>"},
		{"single command", []string{"ls"}, "ls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatCommand(tt.input); got != tt.want {
				t.Errorf("FormatCommand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSanitizeOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  []byte
		secrets []string
		want    string
	}{
		{"redact single secret", []byte("Password: mysecret123"), []string{"mysecret123"}, "Password: ***REDACTED***"},
		{"redact multiple secrets", []byte("token: s1, key: s2"), []string{"s1", "s2"}, "token: ***REDACTED***, key: ***REDACTED***"},
		{"no secrets", []byte("public information"), nil, "public information"},
		{"empty secret", []byte("some output"), []string{""}, "some output"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeOutput(tt.output, tt.secrets); string(got) != tt.want {
				t.Errorf("SanitizeOutput() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestExecOptions(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	t.Run("with working directory", func(t *testing.T) {
		result, err := Run(ctx, ExecOptions{Dir: tmpDir}, []string{"pwd"})
		if err != nil {
			t.Fatalf("Run() with Dir option error = %v", err)
		}
		if !strings.Contains(string(result.Output), tmpDir) {
			t.Errorf("pwd output = %q, want %q", result.Output, tmpDir)
		}
	})

	t.Run("with environment variables", func(t *testing.T) {
		opts := ExecOptions{Env: []string{"TEST_VAR=test_value"}}
		result, err := Run(ctx, opts, []string{"env"})
		if err != nil {
			t.Fatalf("Run() with Env option error = %v", err)
		}
		if !strings.Contains(string(result.Output), "TEST_VAR=test_value") {
			t.Error("Run() did not set environment variable correctly")
		}
	})
}

func BenchmarkParseCommandString(b *testing.B) {
	cmd := "git commit -m \"my message\""

	for i := 0; i < b.N; i++ {
		_, _ = ParseCommandString(cmd)
	}
}
