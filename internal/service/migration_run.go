package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vmmigrator/internal/conversion"
	"vmmigrator/internal/deployment"
	"vmmigrator/internal/dispatch"
	"vmmigrator/internal/model"
	"vmmigrator/pkg/command"
	"vmmigrator/pkg/metrics"

	"github.com/duke-git/lancet/v2/fileutil"
	"go.uber.org/zap"
)

// Run results.
const (
	ResultPlanned        = "planned"
	ResultAlreadyRunning = "already_running"
	ResultConverted      = "converted"
	ResultDeployed       = "deployed"
	ResultSkipped        = "skipped"
	ResultFailed         = "failed"
	ResultMissing        = "missing"
	ResultRolledBack     = "rolled_back"
	ResultRollbackError  = "rollback_error"
	ResultInterrupted    = "interrupted"
)

type ResourceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RunResult is what one RunMigration call achieved.
type RunResult struct {
	JobID  int64           `json:"job_id"`
	Result string          `json:"result"`
	Status model.JobStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Error  string          `json:"error,omitempty"`

	VMName            string   `json:"vm_name,omitempty"`
	Source            string   `json:"source,omitempty"`
	Command           string   `json:"command,omitempty"`
	InputDisks        []string `json:"input_disks,omitempty"`
	OutputPath        string   `json:"output_path,omitempty"`
	DryRun            bool     `json:"dry_run"`
	DeploymentEnabled bool     `json:"deployment_enabled"`

	ImageID   string       `json:"image_id,omitempty"`
	ImageIDs  []string     `json:"image_ids,omitempty"`
	ServerID  string       `json:"server_id,omitempty"`
	VolumeIDs []string     `json:"volume_ids,omitempty"`
	Flavor    *ResourceRef `json:"flavor,omitempty"`
	Network   *ResourceRef `json:"network,omitempty"`
}

var checkKernel = conversion.CheckKernelReadable

var (
	errAlreadyRunning = errors.New("conversion already running")
	errLeftConverting = errors.New("job left CONVERTING")
)

// cleanupHints carries what a failed run knows about local leftovers that
// may not be recorded on the job yet.
type cleanupHints struct {
	paths []string
	dirs  []string
}

func (s *migrationService) RunMigration(ctx context.Context, jobID int64) (*RunResult, error) {
	ctx = s.logger.WithValue(ctx, zap.Int64("job_id", jobID))
	res, err := s.runMigration(ctx, jobID)
	if err != nil {
		s.metrics.MigrationResults.WithLabelValues("error").Inc()
		return nil, err
	}
	s.metrics.MigrationResults.WithLabelValues(res.Result).Inc()
	return res, nil
}

func (s *migrationService) runMigration(ctx context.Context, jobID int64) (*RunResult, error) {
	logger := s.logger.WithContext(ctx)

	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		logger.Warn("migration start for missing job")
		return &RunResult{JobID: jobID, Result: ResultMissing}, nil
	}
	logger.Info("migration start", zap.String("vm_name", job.VMName), zap.String("status", string(job.Status)))

	hints := &cleanupHints{}
	job, err = s.update(ctx, jobID, func(job *model.MigrationJob, _ *model.JobDocument) error {
		if job.Status == model.JobStatusPending {
			if err := job.Transition(model.JobStatusDiscovered); err != nil {
				return err
			}
		}
		if job.Status == model.JobStatusDiscovered {
			return job.Transition(model.JobStatusConverting)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errJobVanished) {
			return &RunResult{JobID: jobID, Result: ResultMissing}, nil
		}
		return s.fail(ctx, jobID, err, hints)
	}

	var vm *model.DiscoveredVM
	if job.Status == model.JobStatusConverting {
		var res *RunResult
		res, vm, err = s.convert(ctx, job, hints)
		if err != nil {
			return s.fail(ctx, jobID, err, hints)
		}
		if res != nil {
			return res, nil
		}
		if job, err = s.jobRepo.GetByID(ctx, jobID); err != nil {
			if interrupted(ctx, err) {
				return s.interruptedResult(ctx, jobID, err), nil
			}
			return nil, err
		}
	}

	if !s.conf.EnableOpenStackDeployment {
		result := ResultSkipped
		switch job.Status {
		case model.JobStatusUploading, model.JobStatusDeployed, model.JobStatusVerified:
			result = ResultConverted
		}
		return &RunResult{JobID: jobID, Result: result, Status: job.Status}, nil
	}

	if job.Status == model.JobStatusUploading || job.Status == model.JobStatusDeployed {
		started := time.Now()
		res, err := s.deploy(ctx, job, vm)
		if err != nil {
			s.metrics.ObserveStage(metrics.StageDeployment, ResultFailed, started)
			return s.fail(ctx, jobID, err, hints)
		}
		s.metrics.ObserveStage(metrics.StageDeployment, res.Result, started)
		logger.Info("openstack deployment verified", zap.String("server_id", res.ServerID), zap.String("image_id", res.ImageID))
		return res, nil
	}

	return &RunResult{JobID: jobID, Result: ResultSkipped, Status: job.Status, Reason: "job is not in deployable state"}, nil
}

// findDiscoveredVM resolves the catalog entry of a job. Exactly one row
// must match.
func (s *migrationService) findDiscoveredVM(ctx context.Context, job *model.MigrationJob, selectedSource string) (*model.DiscoveredVM, error) {
	vms, err := s.vmRepo.Find(ctx, job.VMName, model.VMSource(selectedSource))
	if err != nil {
		return nil, err
	}
	switch len(vms) {
	case 0:
		return nil, &conversion.PlanningError{Msg: fmt.Sprintf("No DiscoveredVM found for vm_name='%s' source='%s'.", job.VMName, selectedSource)}
	case 1:
		return vms[0], nil
	}
	sources := make([]string, len(vms))
	for i, vm := range vms {
		sources[i] = string(vm.Source)
	}
	return nil, &conversion.PlanningError{Msg: fmt.Sprintf("Ambiguous DiscoveredVM reference for vm_name='%s'. Matches sources=[%s].",
		job.VMName, strings.Join(sources, ", "))}
}

// convert plans and, when enabled, executes the conversion of a CONVERTING
// job. A non-nil result ends the run early.
func (s *migrationService) convert(ctx context.Context, job *model.MigrationJob, hints *cleanupHints) (*RunResult, *model.DiscoveredVM, error) {
	logger := s.logger.WithContext(ctx)
	doc, err := job.Document()
	if err != nil {
		return nil, nil, err
	}
	vm, err := s.findDiscoveredVM(ctx, job, doc.SelectedSource)
	if err != nil {
		return nil, nil, err
	}

	var tempDirs []string
	if vm.Source == model.VMSourceESXi {
		if err := conversion.CheckESXiGuardrails(vm, s.conf.ESXi); err != nil {
			return nil, vm, err
		}
		if strings.TrimSpace(s.conf.ESXi.Password) == "" {
			return nil, vm, &conversion.PlanningError{Msg: "migration.esxi.password is required for ESXi conversion."}
		}
		tempDirs = []string{s.conf.jobTempDir(job.Id)}
		hints.dirs = append(hints.dirs, tempDirs...)
	}
	src, err := conversion.NewSource(vm, s.conf.ESXi, s.conf.jobTempDir(job.Id))
	if err != nil {
		return nil, vm, err
	}
	plan, err := s.planner.Plan(vm, src)
	if err != nil {
		return nil, vm, err
	}

	var validation *model.PathValidation
	if vm.Source == model.VMSourceWorkstation {
		validation = conversion.ValidateWorkstationPaths(plan.InputDisks, plan.OutputPath)
		if err := conversion.ValidationError(validation); err != nil {
			return nil, vm, err
		}
	}

	mode := conversion.ModeDryRun
	if s.conf.EnableRealConversion {
		mode = conversion.ModeReal
		if err := checkKernel(); err != nil {
			return nil, vm, err
		}
	}

	record := plan.Record(mode, vm.Source)
	record.Validation = validation
	record.TempDirs = tempDirs

	resumed := false
	job, err = s.update(ctx, job.Id, func(job *model.MigrationJob, doc *model.JobDocument) error {
		doc.SelectedSource = string(vm.Source)
		if prev := doc.Conversion; prev != nil {
			record.Backup = prev.Backup
			record.Warnings = prev.Warnings
			record.TempDirs = mergeUnique(prev.TempDirs, record.TempDirs)
			if exec := prev.Execution; exec != nil {
				if exec.State == model.ExecutionSucceeded && !isRegularFile(exec.PrimaryPath()) {
					logger.Warn("recorded conversion output is gone, converting again", zap.String("path", exec.PrimaryPath()))
				} else {
					record.Execution = exec
				}
			}
		}
		doc.Conversion = record
		if exec := record.Execution; exec != nil && exec.State == model.ExecutionSucceeded && job.Status == model.JobStatusConverting {
			resumed = true
			return job.Transition(model.JobStatusUploading)
		}
		return nil
	})
	if err != nil {
		return nil, vm, err
	}
	if resumed {
		logger.Info("conversion already succeeded, resuming at upload", zap.String("output", record.Execution.PrimaryPath()))
		return nil, vm, nil
	}

	if !s.conf.EnableRealConversion {
		logger.Info("conversion planned (dry run)", zap.String("source", string(vm.Source)), zap.String("command", plan.Command))
		return &RunResult{
			JobID:      job.Id,
			Result:     ResultPlanned,
			Status:     job.Status,
			VMName:     job.VMName,
			Source:     string(vm.Source),
			Command:    plan.Command,
			InputDisks: plan.InputDisks,
			OutputPath: plan.OutputPath,
			DryRun:     true,
		}, vm, nil
	}

	runID, err := s.sid.GenString()
	if err != nil {
		return nil, vm, err
	}
	startedAt := time.Now()
	_, err = s.update(ctx, job.Id, func(job *model.MigrationJob, doc *model.JobDocument) error {
		if exec := doc.Execution(); exec != nil && exec.State == model.ExecutionRunning {
			return errAlreadyRunning
		}
		if job.Status != model.JobStatusConverting {
			return errLeftConverting
		}
		doc.Conversion.Execution = &model.ExecutionRecord{
			State:     model.ExecutionRunning,
			RunID:     runID,
			StartedAt: &startedAt,
		}
		return nil
	})
	switch {
	case errors.Is(err, errAlreadyRunning):
		logger.Info("conversion already running")
		return &RunResult{JobID: job.Id, Result: ResultAlreadyRunning, Status: job.Status}, vm, nil
	case errors.Is(err, errLeftConverting):
		return &RunResult{JobID: job.Id, Result: ResultSkipped, Status: job.Status, Reason: "job left CONVERTING before conversion started"}, vm, nil
	case err != nil:
		return nil, vm, err
	}
	// the execution is marked running: the tool and every record of its
	// outcome must land even when the worker is shutting down
	ctx = context.WithoutCancel(ctx)

	hints.paths = append(hints.paths, plan.OutputPath)
	res, err := s.executor.Execute(ctx, src, plan, vm.Name)
	if err != nil {
		s.metrics.ObserveStage(metrics.StageConversion, ResultFailed, startedAt)
		var execErr *conversion.ExecutionError
		if errors.As(err, &execErr) {
			hints.paths = append(hints.paths, execErr.PartialOutputs...)
		}
		return nil, vm, err
	}
	s.metrics.ObserveStage(metrics.StageConversion, model.ExecutionSucceeded, startedAt)
	hints.paths = append(hints.paths, res.OutputPaths...)
	exec := res.Record(runID, startedAt)

	var (
		backup   *model.BackupRecord
		warnings []string
	)
	if s.conf.EnableArtifactBackup {
		backup, err = s.backupArtifacts(job.Id, exec.OutputPaths)
		if err != nil {
			if s.conf.ArtifactBackupRequired {
				return nil, vm, err
			}
			logger.Warn("artifact backup failed", zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("artifact backup failed: %v", err))
		}
	}

	_, err = s.update(ctx, job.Id, func(job *model.MigrationJob, doc *model.JobDocument) error {
		if doc.Conversion == nil {
			doc.Conversion = record
		}
		doc.Conversion.Execution = exec
		if backup != nil {
			doc.Conversion.Backup = backup
		}
		doc.Conversion.Warnings = append(doc.Conversion.Warnings, warnings...)
		if job.Status == model.JobStatusConverting {
			return job.Transition(model.JobStatusUploading)
		}
		return nil
	})
	if err != nil {
		return nil, vm, err
	}
	logger.Info("conversion succeeded",
		zap.String("command", plan.Command),
		zap.Strings("outputs", exec.OutputPaths),
		zap.Int("primary_disk_index", exec.PrimaryDiskIndex))
	return nil, vm, nil
}

// backupArtifacts copies every converted disk to {backup_dir}/job-{id}/.
// Copies that already exist are kept.
func (s *migrationService) backupArtifacts(jobID int64, paths []string) (*model.BackupRecord, error) {
	dir := filepath.Join(s.conf.ArtifactBackupDir, fmt.Sprintf("job-%d", jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	copies := make([]string, 0, len(paths))
	for _, p := range paths {
		dst := filepath.Join(dir, filepath.Base(p))
		if !fileutil.IsExist(dst) {
			if err := fileutil.CopyFile(p, dst); err != nil {
				return nil, fmt.Errorf("copy %s: %w", p, err)
			}
		}
		copies = append(copies, dst)
	}
	now := time.Now()
	rec := &model.BackupRecord{Enabled: true, Paths: copies, Method: "copy", CreatedAt: &now}
	if len(copies) > 0 {
		rec.Path = copies[0]
	}
	return rec, nil
}

func (s *migrationService) deploy(ctx context.Context, job *model.MigrationJob, vm *model.DiscoveredVM) (*RunResult, error) {
	doc, err := job.Document()
	if err != nil {
		return nil, err
	}
	if vm == nil {
		if vm, err = s.findDiscoveredVM(ctx, job, doc.SelectedSource); err != nil {
			return nil, err
		}
	}
	target, err := deployment.ResolveTarget(doc.RequestedSpec, vm)
	if err != nil {
		return nil, err
	}

	req := &deployment.Request{JobID: job.Id, VMName: job.VMName, Target: target}
	if exec := doc.Execution(); exec != nil {
		req.Paths = exec.OutputPaths
		if len(req.Paths) == 0 && exec.OutputPath != "" {
			req.Paths = []string{exec.OutputPath}
		}
		req.PrimaryIndex = exec.PrimaryDiskIndex
		req.DiskFormat = exec.OutputDiskFormat
	}
	if len(req.Paths) == 0 && doc.Conversion != nil && doc.Conversion.OutputPath != "" {
		req.Paths = []string{doc.Conversion.OutputPath}
	}

	cloud, err := s.cloud(ctx)
	if err != nil {
		return nil, err
	}
	orch := deployment.NewOrchestrator(cloud, s.conf.Deployment, s.logger)

	rec := doc.OpenStack
	if rec == nil {
		rec = &model.DeploymentRecord{}
	}
	save := func(ctx context.Context, rec *model.DeploymentRecord) error {
		_, err := s.update(ctx, job.Id, func(_ *model.MigrationJob, doc *model.JobDocument) error {
			doc.OpenStack = rec
			return nil
		})
		return err
	}

	if err := orch.Provision(ctx, req, rec, save); err != nil {
		return nil, err
	}
	if _, err := s.update(ctx, job.Id, func(job *model.MigrationJob, doc *model.JobDocument) error {
		doc.OpenStack = rec
		if job.Status == model.JobStatusUploading {
			return job.Transition(model.JobStatusDeployed)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	verifyErr := orch.Verify(ctx, rec)
	job, err = s.update(ctx, job.Id, func(job *model.MigrationJob, doc *model.JobDocument) error {
		doc.OpenStack = rec
		if verifyErr == nil && job.Status == model.JobStatusDeployed {
			return job.Transition(model.JobStatusVerified)
		}
		return nil
	})
	if verifyErr != nil {
		return nil, verifyErr
	}
	if err != nil {
		return nil, err
	}

	return &RunResult{
		JobID:             job.Id,
		Result:            ResultDeployed,
		Status:            job.Status,
		DeploymentEnabled: true,
		ImageID:           rec.ImageID,
		ImageIDs:          rec.ImageIDs,
		ServerID:          rec.ServerID,
		VolumeIDs:         rec.VolumeIDs,
		Flavor:            &ResourceRef{ID: rec.FlavorID, Name: rec.FlavorName},
		Network:           &ResourceRef{ID: rec.NetworkID, Name: rec.NetworkName},
	}, nil
}

// fail records err on the job, moves it to FAILED and dispatches a
// rollback. Errors of the pipeline itself never escape; only a failure to
// persist the FAILED state does.
func (s *migrationService) fail(ctx context.Context, jobID int64, cause error, hints *cleanupHints) (*RunResult, error) {
	if interrupted(ctx, cause) {
		return s.interruptedResult(ctx, jobID, cause), nil
	}
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.WithContext(ctx)
	msg := failureMessage(cause)

	var execErr *conversion.ExecutionError
	isExecErr := errors.As(cause, &execErr)
	job, err := s.update(ctx, jobID, func(job *model.MigrationJob, doc *model.JobDocument) error {
		if exec := doc.Execution(); isExecErr || (exec != nil && exec.State == model.ExecutionRunning) {
			failed := &model.ExecutionRecord{State: model.ExecutionFailed, Error: msg}
			if exec != nil {
				failed.RunID = exec.RunID
				failed.StartedAt = exec.StartedAt
			}
			now := time.Now()
			failed.FinishedAt = &now
			if isExecErr {
				code := execErr.ExitCode
				failed.ReturnCode = &code
				failed.Stdout = command.Truncate(execErr.Stdout)
				failed.Stderr = command.Truncate(execErr.Stderr)
				failed.PartialOutputs = execErr.PartialOutputs
			}
			if doc.Conversion == nil {
				doc.Conversion = &model.PlanningRecord{}
			}
			doc.Conversion.Execution = failed
		}
		doc.LastError = msg
		if job.Status != model.JobStatusFailed && job.CanTransitionTo(model.JobStatusFailed) {
			return job.Transition(model.JobStatusFailed)
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to record migration failure", zap.Error(err), zap.NamedError("cause", cause))
		return nil, err
	}
	logger.Error("migration failed", zap.String("vm_name", job.VMName), zap.String("error", msg))

	s.scheduleRollback(ctx, job, msg, hints)
	return &RunResult{JobID: jobID, Result: ResultFailed, Status: job.Status, Error: msg}, nil
}

// interrupted reports whether err only says that ctx was cancelled, which
// happens when the worker shuts down between steps.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// interruptedResult leaves the job untouched. Every step before and after the
// conversion tool resumes from what is already recorded, so starting the job
// again continues it.
func (s *migrationService) interruptedResult(ctx context.Context, jobID int64, cause error) *RunResult {
	s.logger.WithContext(ctx).Warn("migration interrupted, job left for resume", zap.Error(cause))
	res := &RunResult{JobID: jobID, Result: ResultInterrupted, Reason: "worker stopped before the run finished"}
	if job, err := s.jobRepo.GetByID(context.WithoutCancel(ctx), jobID); err == nil && job != nil {
		res.Status = job.Status
	}
	return res
}

func failureMessage(err error) string {
	var (
		planErr   *conversion.PlanningError
		execErr   *conversion.ExecutionError
		deployErr *deployment.DeploymentError
		transErr  *model.InvalidTransitionError
		pathErr   *fs.PathError
	)
	switch {
	case errors.As(err, &planErr), errors.As(err, &execErr), errors.As(err, &deployErr),
		errors.As(err, &transErr), errors.As(err, &pathErr):
		return err.Error()
	}
	return "unexpected error: " + err.Error()
}

func (s *migrationService) scheduleRollback(ctx context.Context, job *model.MigrationJob, reason string, hints *cleanupHints) {
	logger := s.logger.WithContext(ctx)
	if !s.conf.EnableRollback {
		logger.Info("rollback disabled", zap.String("reason", reason))
		return
	}
	task := dispatch.Task{Kind: dispatch.KindRollback, JobID: job.Id, Reason: reason, EnqueuedAt: time.Now()}
	if hints != nil {
		task.Paths = mergeUnique(nil, hints.paths)
		task.Dirs = mergeUnique(nil, hints.dirs)
	}
	if id, err := s.sid.GenString(); err == nil {
		task.ID = id
	}
	if err := s.queue.Enqueue(ctx, task); err != nil && !errors.Is(err, dispatch.ErrDuplicate) {
		// the rollback sweep retries jobs left without rollback_at
		logger.Error("failed to schedule rollback", zap.Error(err))
	}
}

func isRegularFile(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// mergeUnique appends the non-blank entries of add to base, keeping the
// first occurrence of each.
func mergeUnique(base, add []string) []string {
	seen := make(map[string]struct{}, len(base)+len(add))
	var out []string
	for _, list := range [][]string{base, add} {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
