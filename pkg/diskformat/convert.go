package diskformat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vmmigrator/pkg/command"

	"github.com/kballard/go-shellquote"
)

const DefaultTimeout = time.Hour

// ConversionError carries the converter's exit code (-1 when the process
// never exited on its own) and its truncated output.
type ConversionError struct {
	Source   string
	Target   string
	Msg      string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

type ConversionResult struct {
	SourcePath   string        `json:"source_path"`
	TargetPath   string        `json:"target_path"`
	SourceFormat Format        `json:"source_format"`
	TargetFormat Format        `json:"target_format"`
	Command      string        `json:"command"`
	SizeBytes    int64         `json:"size_bytes"`
	Stdout       string        `json:"stdout,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	Duration     time.Duration `json:"-"`
}

type Converter struct {
	runner command.Runner
	binary string
}

func NewConverter(runner command.Runner) *Converter {
	return &Converter{
		runner: runner,
		binary: "qemu-img",
	}
}

// Convert runs a single qemu-img convert from source to target, creating the
// target's parent directories. The source is never modified.
func (c *Converter) Convert(ctx context.Context, source string, sourceFormat Format, target string, targetFormat Format, timeout time.Duration) (*ConversionResult, error) {
	driver, ok := sourceDrivers[sourceFormat]
	if !ok {
		return nil, &ConversionError{Source: source, Target: target, ExitCode: -1,
			Msg: fmt.Sprintf("unsupported source disk format %q for %s", sourceFormat, source)}
	}
	if !IsSupportedTarget(targetFormat) {
		return nil, &ConversionError{Source: source, Target: target, ExitCode: -1,
			Msg: fmt.Sprintf("unsupported target disk format %q", targetFormat)}
	}
	if info, err := os.Stat(source); err != nil || !info.Mode().IsRegular() {
		return nil, &ConversionError{Source: source, Target: target, ExitCode: -1,
			Msg: fmt.Sprintf("source disk not found: %s", source), Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, &ConversionError{Source: source, Target: target, ExitCode: -1,
			Msg: "cannot create target directory", Err: err}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	args := []string{"convert", "-f", driver, "-O", string(targetFormat), source, target}
	res, err := c.runner.Run(ctx, command.Command{Name: c.binary, Args: args, Timeout: timeout})
	if err != nil {
		convErr := &ConversionError{Source: source, Target: target, ExitCode: -1,
			Msg: fmt.Sprintf("%s conversion failed for %s", c.binary, source), Err: err}
		if res != nil {
			convErr.Stdout = command.Truncate(res.Stdout)
			convErr.Stderr = command.Truncate(res.Stderr)
		}
		if errors.Is(err, command.ErrNotFound) {
			convErr.Msg = fmt.Sprintf("%s not found in PATH", c.binary)
		}
		return nil, convErr
	}
	if res.ExitCode != 0 {
		return nil, &ConversionError{
			Source:   source,
			Target:   target,
			Msg:      fmt.Sprintf("%s conversion failed for %s -> %s (exit=%d)", c.binary, source, target, res.ExitCode),
			ExitCode: res.ExitCode,
			Stdout:   command.Truncate(res.Stdout),
			Stderr:   command.Truncate(res.Stderr),
		}
	}

	var size int64
	if info, err := os.Stat(target); err == nil {
		size = info.Size()
	}
	return &ConversionResult{
		SourcePath:   source,
		TargetPath:   target,
		SourceFormat: sourceFormat,
		TargetFormat: targetFormat,
		Command:      shellquote.Join(append([]string{c.binary}, args...)...),
		SizeBytes:    size,
		Stdout:       command.Truncate(res.Stdout),
		Stderr:       command.Truncate(res.Stderr),
		Duration:     res.Duration,
	}, nil
}
