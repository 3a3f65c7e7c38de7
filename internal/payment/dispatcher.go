package payment

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Dispatcher hands a paid print job to the print pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// ExecDispatcher runs a configured print command with the stored file path
// appended as the last argument, e.g. "lp -o media=A4".
type ExecDispatcher struct {
	command []string
	logger  *slog.Logger
}

// NewExecDispatcher creates a dispatcher from a space-separated command line.
func NewExecDispatcher(command string, logger *slog.Logger) *ExecDispatcher {
	return &ExecDispatcher{command: strings.Fields(command), logger: logger}
}

func (d *ExecDispatcher) Dispatch(ctx context.Context, job Job) error {
	if len(d.command) == 0 {
		return fmt.Errorf("print command not configured")
	}

	args := append(append([]string(nil), d.command[1:]...), job.StoragePath)
	cmd := exec.CommandContext(ctx, d.command[0], args...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("print command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	d.logger.Info("print command completed", "file", job.StoragePath)
	return nil
}

// NoopDispatcher accepts every job without printing. Used in development and
// on kiosks whose printer is driven out-of-band.
type NoopDispatcher struct {
	logger *slog.Logger
}

// NewNoopDispatcher creates a no-op dispatcher.
func NewNoopDispatcher(logger *slog.Logger) *NoopDispatcher {
	return &NoopDispatcher{logger: logger}
}

func (d *NoopDispatcher) Dispatch(ctx context.Context, job Job) error {
	d.logger.Info("print dispatch skipped (no printer configured)",
		"file", job.StoragePath, "filename", job.Filename)
	return nil
}
