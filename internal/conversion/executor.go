package conversion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vmmigrator/internal/model"
	"vmmigrator/pkg/command"
	"vmmigrator/pkg/diskformat"
	"vmmigrator/pkg/log"

	"go.uber.org/zap"
)

type ExecutorConfig struct {
	OutputFormat   diskformat.Format
	QemuImgTimeout time.Duration
	VirtV2VTimeout time.Duration
}

// Result is the outcome of a successful execution.
type Result struct {
	Runner       string
	ExitCode     int
	Stdout       string
	Stderr       string
	OutputPaths  []string
	PrimaryIndex int
	DiskAnalysis []model.DiskAnalysis
	DiskSizes    map[string]int64
	OutputFormat diskformat.Format
	Duration     time.Duration
}

func (r *Result) PrimaryPath() string {
	return r.OutputPaths[r.PrimaryIndex]
}

// Record renders the result as a succeeded execution record.
func (r *Result) Record(runID string, startedAt time.Time) *model.ExecutionRecord {
	finished := time.Now()
	code := r.ExitCode
	return &model.ExecutionRecord{
		State:            model.ExecutionSucceeded,
		RunID:            runID,
		Runner:           r.Runner,
		StartedAt:        &startedAt,
		FinishedAt:       &finished,
		DurationSeconds:  r.Duration.Round(time.Millisecond).Seconds(),
		ReturnCode:       &code,
		Stdout:           command.Truncate(r.Stdout),
		Stderr:           command.Truncate(r.Stderr),
		OutputPath:       r.PrimaryPath(),
		OutputPaths:      append([]string(nil), r.OutputPaths...),
		PrimaryDiskIndex: r.PrimaryIndex,
		DiskAnalysis:     r.DiskAnalysis,
		DiskSizes:        r.DiskSizes,
		OutputDiskFormat: string(r.OutputFormat),
	}
}

type Executor struct {
	runner    command.Runner
	converter *diskformat.Converter
	inspector Inspector
	conf      ExecutorConfig
	logger    *log.Logger
}

func NewExecutor(runner command.Runner, inspector Inspector, conf ExecutorConfig, logger *log.Logger) *Executor {
	if conf.OutputFormat == "" {
		conf.OutputFormat = diskformat.QCOW2
	}
	if conf.QemuImgTimeout <= 0 {
		conf.QemuImgTimeout = time.Hour
	}
	if conf.VirtV2VTimeout <= 0 {
		conf.VirtV2VTimeout = 2 * time.Hour
	}
	return &Executor{
		runner:    runner,
		converter: diskformat.NewConverter(runner),
		inspector: inspector,
		conf:      conf,
		logger:    logger,
	}
}

// Execute runs plan with the strategy of src. Cancelling ctx does not stop
// a running tool; only the per-command timeouts do.
func (e *Executor) Execute(ctx context.Context, src Source, plan *Plan, vmName string) (*Result, error) {
	return src.Execute(context.WithoutCancel(ctx), e, plan, vmName)
}

// executeDiskPipeline converts each input disk in order into
// {vm}-disk{i}.{fmt}. It never merges, drops or reorders disks.
func (e *Executor) executeDiskPipeline(ctx context.Context, plan *Plan, vmName string) (*Result, error) {
	start := time.Now()
	target := e.conf.OutputFormat
	if target != diskformat.QCOW2 && target != diskformat.Raw {
		return nil, executionErrorf("Unsupported output_disk_format='%s'. Allowed: qcow2, raw.", target)
	}
	if len(plan.InputDisks) == 0 {
		return nil, executionErrorf("No source disks found for workstation VM '%s'.", vmName)
	}

	outputDir := filepath.Dir(plan.OutputPath)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, &ExecutionError{Msg: "cannot create output directory " + outputDir, ExitCode: -1, Err: err}
	}

	logger := e.logger.WithContext(ctx)
	outputs := make([]string, 0, len(plan.InputDisks))
	analysis := make([]model.DiskAnalysis, 0, len(plan.InputDisks))
	for i, src := range plan.InputDisks {
		detected, err := diskformat.Detect(src)
		if err != nil {
			execErr := &ExecutionError{
				Msg:            fmt.Sprintf("Cannot inspect source disk '%s'", src),
				ExitCode:       -1,
				PartialOutputs: outputs,
				Err:            err,
			}
			return nil, execErr
		}

		out := filepath.Join(outputDir, fmt.Sprintf("%s-disk%d.%s", model.SanitizeName(vmName), i, target))
		res, err := e.converter.Convert(ctx, src, detected, out, target, e.conf.QemuImgTimeout)
		if err != nil {
			logger.Error("disk conversion failed",
				zap.String("vm_name", vmName),
				zap.Int("disk_index", i),
				zap.String("source", src),
				zap.String("source_format", string(detected)),
				zap.Error(err),
			)
			execErr := &ExecutionError{
				Msg:            fmt.Sprintf("Unsupported or failed disk conversion for '%s' (%s)", src, detected),
				ExitCode:       -1,
				PartialOutputs: outputs,
				Err:            err,
			}
			var convErr *diskformat.ConversionError
			if errors.As(err, &convErr) {
				execErr.ExitCode = convErr.ExitCode
				execErr.Stdout = convErr.Stdout
				execErr.Stderr = convErr.Stderr
			}
			return nil, execErr
		}
		logger.Info("disk converted",
			zap.String("vm_name", vmName),
			zap.Int("disk_index", i),
			zap.String("source", src),
			zap.String("source_format", string(detected)),
			zap.String("target", out),
		)
		outputs = append(outputs, out)
		analysis = append(analysis, model.DiskAnalysis{
			Index:        i,
			SourcePath:   src,
			SourceFormat: string(detected),
			OutputPath:   out,
			SizeBytes:    res.SizeBytes,
		})
	}

	primary, boot := InferBootDisk(ctx, e.inspector, outputs, vmName)
	for i := range analysis {
		analysis[i].BootScore = boot[i].BootScore
		analysis[i].Reasons = boot[i].Reasons
		analysis[i].Primary = boot[i].Primary
	}
	return &Result{
		Runner:       "qemu-img",
		OutputPaths:  outputs,
		PrimaryIndex: primary,
		DiskAnalysis: analysis,
		DiskSizes:    diskSizes(outputs),
		OutputFormat: target,
		Duration:     time.Since(start),
	}, nil
}

// executeExternalTool runs virt-v2v once with the plan's argv and then
// discovers what it wrote.
func (e *Executor) executeExternalTool(ctx context.Context, plan *Plan, vmName string, env []string) (*Result, error) {
	start := time.Now()
	if len(plan.CommandArgs) == 0 {
		return nil, executionErrorf("empty conversion command for VM '%s'", vmName)
	}
	tool := plan.CommandArgs[0]

	res, err := e.runner.Run(ctx, command.Command{
		Name:    tool,
		Args:    plan.CommandArgs[1:],
		Env:     env,
		Timeout: e.conf.VirtV2VTimeout,
	})
	if err != nil {
		execErr := &ExecutionError{Msg: fmt.Sprintf("%s failed", tool), ExitCode: -1, Err: err}
		switch {
		case errors.Is(err, command.ErrNotFound):
			execErr.Msg = fmt.Sprintf("%s command not found. Is %s installed?", tool, tool)
		case errors.Is(err, command.ErrTimeout):
			execErr.Msg = fmt.Sprintf("%s timed out after %s", tool, e.conf.VirtV2VTimeout)
		}
		if res != nil {
			execErr.Stdout = command.Truncate(res.Stdout)
			execErr.Stderr = command.Truncate(res.Stderr)
		}
		return nil, execErr
	}
	if res.ExitCode != 0 {
		return nil, &ExecutionError{
			Msg:      fmt.Sprintf("%s failed with exit code %d", tool, res.ExitCode),
			ExitCode: res.ExitCode,
			Stdout:   command.Truncate(res.Stdout),
			Stderr:   command.Truncate(res.Stderr),
		}
	}

	outputs, err := FindOutputArtifacts(plan.OutputPath, vmName)
	if err != nil {
		// keep the tool's logs even when nothing usable was produced
		execErr := &ExecutionError{Msg: "artifact discovery failed", ExitCode: res.ExitCode, Err: err}
		var inner *ExecutionError
		if errors.As(err, &inner) {
			execErr = inner
			execErr.ExitCode = res.ExitCode
		}
		execErr.Stdout = command.Truncate(res.Stdout)
		execErr.Stderr = command.Truncate(res.Stderr)
		return nil, execErr
	}

	primary, analysis := InferBootDisk(ctx, e.inspector, outputs, vmName)
	return &Result{
		Runner:       tool,
		ExitCode:     res.ExitCode,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		OutputPaths:  outputs,
		PrimaryIndex: primary,
		DiskAnalysis: analysis,
		DiskSizes:    diskSizes(outputs),
		OutputFormat: diskformat.QCOW2,
		Duration:     time.Since(start),
	}, nil
}

func diskSizes(paths []string) map[string]int64 {
	sizes := make(map[string]int64, len(paths))
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			sizes[p] = info.Size()
		} else {
			sizes[p] = 0
		}
	}
	return sizes
}
