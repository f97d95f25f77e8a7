package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vmmigrator/internal/deployment"
	"vmmigrator/internal/dispatch"
	"vmmigrator/internal/model"
	"vmmigrator/pkg/metrics"

	"go.uber.org/zap"
)

const defaultRollbackReason = "unspecified failure"

// RollbackResult is what one RunRollback call did.
type RollbackResult struct {
	JobID   int64                  `json:"job_id"`
	Result  string                 `json:"result"`
	Status  model.JobStatus        `json:"status,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Actions []model.RollbackAction `json:"actions"`
}

func (s *migrationService) RunRollback(ctx context.Context, jobID int64, reason string, paths, dirs []string) (*RollbackResult, error) {
	ctx = s.logger.WithValue(ctx, zap.Int64("job_id", jobID))
	started := time.Now()
	res, err := s.runRollback(ctx, jobID, reason, paths, dirs)
	if err != nil {
		return nil, err
	}
	s.metrics.RollbackResults.WithLabelValues(res.Result).Inc()
	if res.Result != ResultMissing {
		s.metrics.ObserveStage(metrics.StageRollback, res.Result, started)
	}
	return res, nil
}

func (s *migrationService) runRollback(ctx context.Context, jobID int64, reason string, paths, dirs []string) (*RollbackResult, error) {
	logger := s.logger.WithContext(ctx)
	if reason == "" {
		reason = defaultRollbackReason
	}

	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		logger.Warn("rollback for missing job")
		return &RollbackResult{JobID: jobID, Result: ResultMissing, Actions: []model.RollbackAction{}}, nil
	}
	res := &RollbackResult{JobID: jobID, Status: job.Status, Actions: []model.RollbackAction{}}

	doc, err := job.Document()
	if err != nil {
		res.Result, res.Error = ResultRollbackError, err.Error()
		logger.Error("rollback failed", zap.Error(err))
		return res, nil
	}

	files, tempDirs := cleanupTargets(doc, paths, dirs)
	for _, f := range files {
		res.Actions = append(res.Actions, removeFile(f))
	}
	for _, d := range tempDirs {
		res.Actions = append(res.Actions, removeDir(d))
	}
	res.Actions = append(res.Actions, s.rollbackCloud(ctx, doc.OpenStack)...)

	now := time.Now()
	job, err = s.update(ctx, jobID, func(job *model.MigrationJob, doc *model.JobDocument) error {
		doc.RollbackAt = &now
		doc.RollbackReason = reason
		doc.RollbackActions = res.Actions
		switch job.Status {
		case model.JobStatusFailed:
			return job.Transition(model.JobStatusRolledBack)
		case model.JobStatusRolledBack:
		default:
			doc.RollbackNote = fmt.Sprintf("rollback executed while job in state %s", job.Status)
		}
		return nil
	})
	if err != nil {
		res.Result, res.Error = ResultRollbackError, err.Error()
		logger.Error("rollback failed", zap.Error(err))
		return res, nil
	}

	res.Result, res.Status = ResultRolledBack, job.Status
	logger.Info("rollback completed", zap.String("vm_name", job.VMName), zap.String("status", string(job.Status)),
		zap.Int("actions", len(res.Actions)))
	return res, nil
}

// cleanupTargets lists the local files and directories a rollback removes:
// recorded conversion outputs plus the extra paths of the request. Backup
// copies are never included.
func cleanupTargets(doc *model.JobDocument, paths, dirs []string) (files, tempDirs []string) {
	var candidates []string
	exclude := map[string]struct{}{}
	if conv := doc.Conversion; conv != nil {
		if b := conv.Backup; b != nil {
			for _, p := range append([]string{b.Path}, b.Paths...) {
				if p != "" {
					exclude[filepath.Clean(p)] = struct{}{}
				}
			}
		}
		if exec := conv.Execution; exec != nil {
			candidates = append(candidates, exec.OutputPath)
		}
		candidates = append(candidates, conv.OutputPath)
		candidates = append(candidates, paths...)
		if exec := conv.Execution; exec != nil {
			candidates = append(candidates, exec.OutputPaths...)
			candidates = append(candidates, exec.PartialOutputs...)
		}
		tempDirs = mergeUnique(dirs, conv.TempDirs)
	} else {
		candidates = append(candidates, paths...)
		tempDirs = mergeUnique(nil, dirs)
	}

	for _, p := range mergeUnique(nil, candidates) {
		if _, skip := exclude[filepath.Clean(p)]; !skip {
			files = append(files, p)
		}
	}
	return files, tempDirs
}

func removeFile(p string) model.RollbackAction {
	action := model.RollbackAction{Kind: "file", Target: p, Status: model.RollbackNotFound}
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return action
	}
	if err := os.Remove(p); err != nil {
		action.Status, action.Error = model.RollbackError, err.Error()
		return action
	}
	action.Status = model.RollbackDeleted
	return action
}

func removeDir(p string) model.RollbackAction {
	action := model.RollbackAction{Kind: "dir", Target: p, Status: model.RollbackNotFound}
	info, err := os.Stat(p)
	if err != nil || !info.IsDir() {
		return action
	}
	if err := os.RemoveAll(p); err != nil {
		action.Status, action.Error = model.RollbackError, err.Error()
		return action
	}
	action.Status = model.RollbackDeleted
	return action
}

// rollbackCloud deletes the server first and waits for it to go, then its
// volumes, then the images they were built from. Every id gets exactly one
// action.
func (s *migrationService) rollbackCloud(ctx context.Context, rec *model.DeploymentRecord) []model.RollbackAction {
	if rec == nil {
		return nil
	}
	volumes := mergeUnique(rec.VolumeIDs, rec.ExtraVolumeIDs)
	images := mergeUnique(rec.ImageIDs, []string{rec.ImageID})
	if rec.ServerID == "" && len(volumes) == 0 && len(images) == 0 {
		return nil
	}

	cloud, err := s.cloud(ctx)
	if err != nil {
		return []model.RollbackAction{{Kind: "openstack_cleanup", Status: model.RollbackError, Error: err.Error()}}
	}

	orch := deployment.NewOrchestrator(cloud, s.conf.Deployment, s.logger)
	var actions []model.RollbackAction
	if rec.ServerID != "" {
		action := deleteIfExists("server", rec.ServerID, func() (bool, error) {
			srv, err := cloud.GetServer(ctx, rec.ServerID)
			return srv != nil, err
		}, func() error { return cloud.DeleteServer(ctx, rec.ServerID) })
		actions = append(actions, action)
		if action.Status == model.RollbackDeleted {
			// volumes stay in-use until nova has removed the server
			if err := orch.WaitServerGone(ctx, rec.ServerID); err != nil {
				s.logger.WithContext(ctx).Warn("server still present, deleting volumes anyway",
					zap.String("server_id", rec.ServerID), zap.Error(err))
			}
		}
	}
	for _, id := range volumes {
		id := id
		actions = append(actions, deleteIfExists("volume", id, func() (bool, error) {
			vol, err := cloud.GetVolume(ctx, id)
			return vol != nil, err
		}, func() error { return orch.DeleteVolume(ctx, id) }))
	}
	for _, id := range images {
		id := id
		actions = append(actions, deleteIfExists("image", id, func() (bool, error) {
			img, err := cloud.GetImage(ctx, id)
			return img != nil, err
		}, func() error { return cloud.DeleteImage(ctx, id) }))
	}
	return actions
}

func deleteIfExists(kind, id string, exists func() (bool, error), del func() error) model.RollbackAction {
	action := model.RollbackAction{Kind: kind, Target: id}
	found, err := exists()
	switch {
	case err != nil:
		action.Status, action.Error = model.RollbackError, err.Error()
	case !found:
		action.Status = model.RollbackNotFound
	default:
		if err := del(); err != nil {
			action.Status, action.Error = model.RollbackError, err.Error()
		} else {
			action.Status = model.RollbackDeleted
		}
	}
	return action
}

func (s *migrationService) SweepRollbacks(ctx context.Context) (int, error) {
	if !s.conf.EnableRollback {
		return 0, nil
	}
	jobs, err := s.jobRepo.ListByStatus(ctx, model.JobStatusFailed)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, job := range jobs {
		doc, err := job.Document()
		if err != nil {
			s.logger.WithContext(ctx).Warn("skipping job with unreadable document", zap.Int64("job_id", job.Id), zap.Error(err))
			continue
		}
		if doc.RollbackAt != nil {
			continue
		}
		reason := doc.LastError
		if reason == "" {
			reason = defaultRollbackReason
		}
		task := dispatch.Task{Kind: dispatch.KindRollback, JobID: job.Id, Reason: reason, EnqueuedAt: time.Now()}
		if task.ID, err = s.sid.GenString(); err != nil {
			return queued, err
		}
		switch err := s.queue.Enqueue(ctx, task); {
		case errors.Is(err, dispatch.ErrDuplicate):
		case err != nil:
			return queued, err
		default:
			queued++
		}
	}
	if queued > 0 {
		s.logger.WithContext(ctx).Info("rollback sweep dispatched", zap.Int("jobs", queued))
	}
	return queued, nil
}
