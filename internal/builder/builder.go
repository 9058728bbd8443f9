// Package builder produces a site's output directory from its repository.
//
// A build copies the working copy into the output directory, skipping .git,
// removes files the previous deployment left that are gone from the source,
// records what it deployed in a manifest, and then runs the project's build
// commands inside the output directory.
package builder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"deployagent/internal/deployment"
	"deployagent/internal/security"
	"deployagent/pkg/cmdutil"
)

// DefaultTimeout bounds each build command.
const DefaultTimeout = 10 * time.Minute

// Options configures a Builder.
type Options struct {
	// Commands run in order in the output directory after the sync.
	Commands [][]string
	// Timeout bounds each command.
	Timeout time.Duration
	// Env is added to the environment of every command.
	Env []string
	// Secrets are redacted from command output.
	Secrets []string
	// AllowedCommands overrides security.DefaultAllowedCommands.
	AllowedCommands map[string]bool
}

// Builder implements deployment.Builder.
type Builder struct {
	commands [][]string
	timeout  time.Duration
	env      []string
	secrets  []string
	allowed  map[string]bool
}

var _ deployment.Builder = (*Builder)(nil)

// New creates a Builder.
func New(opts Options) *Builder {
	b := &Builder{
		commands: opts.Commands,
		timeout:  opts.Timeout,
		env:      opts.Env,
		secrets:  opts.Secrets,
		allowed:  opts.AllowedCommands,
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	if b.allowed == nil {
		b.allowed = security.DefaultAllowedCommands
	}
	return b
}

// Build syncs bc.SourcePath into bc.OutputPath and runs the build commands.
func (b *Builder) Build(ctx context.Context, bc *deployment.BuildContext) error {
	log := bc.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if err := security.CreateSecureDir(bc.OutputPath, security.PermDirectory); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	previous, err := readManifest(bc.PreviousManifest)
	if err != nil {
		return err
	}

	start := time.Now()
	stats, err := syncTree(bc.SourcePath, bc.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to copy files: %w", err)
	}
	removed := removeStale(bc.OutputPath, previous, stats.files, log)
	log.Info("files synced",
		zap.Int("files", len(stats.files)),
		zap.Int("copied", stats.copied),
		zap.Int("removed", removed),
		zap.Duration("duration", time.Since(start)),
	)

	if bc.NextManifest != "" {
		if err := writeManifest(bc.NextManifest, stats.files); err != nil {
			return err
		}
	}

	return b.runCommands(ctx, bc, log)
}

func (b *Builder) runCommands(ctx context.Context, bc *deployment.BuildContext, log *zap.Logger) error {
	executor := security.NewSandboxedExecutor(bc.OutputPath)
	executor.AllowedCommands = b.allowed
	executor.Timeout = b.timeout
	executor.Env = append([]string{
		"DEPLOYMENT_ID=" + bc.ID,
		"DEPLOYMENT_SOURCE=" + bc.SourcePath,
		"DEPLOYMENT_TARGET=" + bc.OutputPath,
	}, b.env...)
	// Commands never pass through a shell, so arguments such as globs reach
	// the program verbatim.
	executor.AllowShellMetachars = true

	for i, command := range b.commands {
		formatted := cmdutil.FormatCommand(command)
		log.Info("running build command", zap.Int("step", i+1), zap.String("command", formatted))

		w := newLineWriter(log, b.secrets)
		result, err := executor.Stream(ctx, w, command)
		w.Flush()

		if err != nil {
			if result != nil && result.TimedOut {
				return fmt.Errorf("build command %q timed out after %s", formatted, b.timeout)
			}
			if result != nil && result.ExitCode > 0 {
				return fmt.Errorf("build command %q exited with code %d", formatted, result.ExitCode)
			}
			return fmt.Errorf("build command %q failed: %w", formatted, err)
		}
		log.Info("build command finished",
			zap.Int("step", i+1),
			zap.Duration("duration", result.Duration),
		)
	}
	return nil
}
