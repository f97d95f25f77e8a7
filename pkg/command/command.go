// Package command runs external tools (qemu-img, virt-v2v, virt-inspector)
// behind an interface so callers can be exercised without the binaries.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"time"
)

// MaxOutput caps captured stdout/stderr kept in job records.
const MaxOutput = 12000

const truncatedSuffix = "\n...[truncated]"

var (
	ErrNotFound = errors.New("executable not found")
	ErrTimeout  = errors.New("command timed out")
)

type Command struct {
	Name    string
	Args    []string
	Env     []string // nil inherits the current process environment
	Timeout time.Duration
}

// Result describes a process that ran to completion. A non-zero ExitCode is
// reported here, not as an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

//go:generate mockgen -source=command.go -destination=../../test/mocks/command/command.go
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	LookPath(name string) (string, error)
}

type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Env = cmd.Env
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := &Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		res.ExitCode = 0
		return res, nil
	}

	var pathErr *fs.PathError
	if errors.Is(err, exec.ErrNotFound) || errors.As(err, &pathErr) {
		return res, fmt.Errorf("%w: %s", ErrNotFound, cmd.Name)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%w: %s after %s", ErrTimeout, cmd.Name, cmd.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// Truncate shortens tool output to MaxOutput characters.
func Truncate(s string) string {
	if len(s) <= MaxOutput {
		return s
	}
	return s[:MaxOutput] + truncatedSuffix
}
