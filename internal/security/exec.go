package security

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"deployagent/pkg/cmdutil"
)

// DefaultAllowedCommands is the default set of commands allowed for
// source-control and build operations.
var DefaultAllowedCommands = map[string]bool{
	"git":     true,
	"go":      true,
	"make":    true,
	"npm":     true,
	"npx":     true,
	"yarn":    true,
	"pnpm":    true,
	"node":    true,
	"php":     true,
	"python":  true,
	"python3": true,
	"bundle":  true,
	"cargo":   true,
	"hugo":    true,
	"rsync":   true,
	"cp":      true,
	"mv":      true,
	"chmod":   true,
}

// SandboxedExecutor validates commands against an allow list and runs them
// without a shell.
type SandboxedExecutor struct {
	// AllowedCommands is the map of commands that are permitted to run.
	AllowedCommands map[string]bool

	// WorkDir is the working directory for command execution.
	WorkDir string

	// Env contains extra environment variables for the command.
	Env []string

	// Timeout bounds each command. Zero means no limit.
	Timeout time.Duration

	// AllowShellMetachars allows shell metacharacters in arguments.
	// This should almost always be false.
	AllowShellMetachars bool
}

// NewSandboxedExecutor creates a new sandboxed executor with default settings.
func NewSandboxedExecutor(workDir string) *SandboxedExecutor {
	return &SandboxedExecutor{
		AllowedCommands: DefaultAllowedCommands,
		WorkDir:         workDir,
	}
}

// Execute runs a command and returns its combined output.
func (e *SandboxedExecutor) Execute(ctx context.Context, cmdParts []string) ([]byte, error) {
	result, err := e.Stream(ctx, nil, cmdParts)
	if result == nil {
		return nil, err
	}
	return result.Output, err
}

// Stream runs a command, copying its output to w as it is produced.
func (e *SandboxedExecutor) Stream(ctx context.Context, w io.Writer, cmdParts []string) (*cmdutil.Result, error) {
	if err := e.ValidateCommandParts(cmdParts); err != nil {
		return nil, err
	}

	opts := cmdutil.ExecOptions{
		Dir:     e.WorkDir,
		Timeout: e.Timeout,
		Env:     e.Env,
		Output:  w,
	}
	return cmdutil.Run(ctx, opts, cmdParts)
}

// ValidateCommandParts validates a command without executing it.
func (e *SandboxedExecutor) ValidateCommandParts(cmdParts []string) error {
	if len(cmdParts) == 0 {
		return fmt.Errorf("empty command")
	}

	if !e.IsCommandAllowed(cmdParts[0]) {
		return fmt.Errorf("command not allowed: %s (must be one of: %s)",
			cmdParts[0], strings.Join(e.allowedCommandsList(), ", "))
	}

	if !e.AllowShellMetachars {
		for i, arg := range cmdParts[1:] {
			if containsShellMetachars(arg) {
				return fmt.Errorf("argument %d contains shell metacharacters: %s", i+1, arg)
			}
		}
	}

	return nil
}

// IsCommandAllowed checks if a command is in the allowed list.
func (e *SandboxedExecutor) IsCommandAllowed(cmd string) bool {
	return e.AllowedCommands[cmd]
}

func (e *SandboxedExecutor) allowedCommandsList() []string {
	commands := make([]string, 0, len(e.AllowedCommands))
	for cmd, ok := range e.AllowedCommands {
		if ok {
			commands = append(commands, cmd)
		}
	}
	sort.Strings(commands)
	return commands
}

// shellMetachars are rejected in arguments; none of them is needed by the
// git and build invocations the agent makes.
const shellMetachars = ";|&$`\n<>(){}*?[]\\'\""

func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, shellMetachars)
}
