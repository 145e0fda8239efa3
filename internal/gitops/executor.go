package gitops

import (
	"context"
	stderrors "errors"
	"io"
	"os/exec"
)

// ExitNotStarted is reported when a command could not be started at all.
const ExitNotStarted = 127

// Command is one process invocation.
type Command struct {
	Dir     string
	Program string
	Args    []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Executor runs commands. A non-zero exit is reported through the status with
// a nil error; the error is reserved for failures to start or wait.
type Executor interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// ExecExecutor is the default Executor backed by os/exec.
type ExecExecutor struct{}

// NewExecExecutor creates a new ExecExecutor.
func NewExecExecutor() *ExecExecutor {
	return &ExecExecutor{}
}

// Run implements Executor.
func (e *ExecExecutor) Run(ctx context.Context, c Command) (int, error) {
	cmd := exec.CommandContext(ctx, c.Program, c.Args...) // #nosec G204 -- arguments are validated by callers
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return ExitNotStarted, err
}
