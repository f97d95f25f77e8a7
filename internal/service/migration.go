package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	v1 "vmmigrator/api/v1"
	"vmmigrator/internal/conversion"
	"vmmigrator/internal/dispatch"
	"vmmigrator/internal/model"
	"vmmigrator/internal/repository"
	"vmmigrator/pkg/command"
	"vmmigrator/pkg/metrics"

	"go.uber.org/zap"
)

type MigrationService interface {
	// CreateJobs validates a VM selection and creates one PENDING job per
	// VM that has no active job yet. Nothing is written when any selection
	// is invalid.
	CreateJobs(ctx context.Context, req *v1.CreateMigrationJobsRequest) (*v1.CreateMigrationJobsResponseData, error)
	ListJobs(ctx context.Context, req *v1.ListMigrationJobsRequest) (*v1.ListMigrationJobsResponseData, error)
	GetJob(ctx context.Context, jobID int64) (*v1.MigrationJobDetail, error)

	// StartMigration and RollbackMigration only dispatch; they return as
	// soon as the task is queued.
	StartMigration(ctx context.Context, jobID int64) (*v1.TriggerResponseData, error)
	RollbackMigration(ctx context.Context, jobID int64, req *v1.RollbackMigrationRequest) (*v1.TriggerResponseData, error)

	// RunMigration drives a job as far as configuration allows. Pipeline
	// failures are reported in the result, not as an error.
	RunMigration(ctx context.Context, jobID int64) (*RunResult, error)
	RunRollback(ctx context.Context, jobID int64, reason string, paths, dirs []string) (*RollbackResult, error)
	// SweepRollbacks dispatches rollback for FAILED jobs that never had one.
	SweepRollbacks(ctx context.Context) (int, error)
}

func NewMigrationService(
	service *Service,
	conf *MigrationConfig,
	jobRepo repository.MigrationJobRepository,
	vmRepo repository.DiscoveredVMRepository,
	queue dispatch.Queue,
	runner command.Runner,
	cloud CloudFactory,
	m *metrics.Metrics,
) MigrationService {
	return &migrationService{
		Service:  service,
		conf:     conf,
		jobRepo:  jobRepo,
		vmRepo:   vmRepo,
		queue:    queue,
		planner:  conversion.NewPlanner(conf.OutputDir),
		executor: conversion.NewExecutor(runner, conversion.NewVirtInspector(runner, conf.DiskInspectTimeout), conf.executorConfig(), service.logger),
		cloud:    cloud,
		metrics:  m,
	}
}

type migrationService struct {
	*Service
	conf     *MigrationConfig
	jobRepo  repository.MigrationJobRepository
	vmRepo   repository.DiscoveredVMRepository
	queue    dispatch.Queue
	planner  *conversion.Planner
	executor *conversion.Executor
	cloud    CloudFactory
	metrics  *metrics.Metrics
}

var errJobVanished = errors.New("migration job disappeared")

// update is the only way job rows change: the row is locked, its document
// decoded, fn applied and the whole row written back before the lock is
// released. An error from fn rolls the transaction back.
func (s *migrationService) update(ctx context.Context, jobID int64, fn func(job *model.MigrationJob, doc *model.JobDocument) error) (*model.MigrationJob, error) {
	var updated *model.MigrationJob
	err := s.tm.Transaction(ctx, func(ctx context.Context) error {
		job, err := s.jobRepo.GetForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return errJobVanished
		}
		doc, err := job.Document()
		if err != nil {
			return err
		}
		if err := fn(job, doc); err != nil {
			return err
		}
		if err := job.SetDocument(doc); err != nil {
			return err
		}
		if err := s.jobRepo.Save(ctx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	return updated, err
}

func (s *migrationService) CreateJobs(ctx context.Context, req *v1.CreateMigrationJobsRequest) (*v1.CreateMigrationJobsResponseData, error) {
	if req == nil || len(req.VMs) == 0 {
		return nil, &v1.ValidationError{Message: "vms: at least one VM selection is required"}
	}

	type selection struct {
		name   string
		source model.VMSource
		spec   *model.RequestedSpec
	}
	var (
		selections []selection
		seen       = make(map[string]int)
		duplicates []string
		missing    []string
	)
	for _, item := range req.VMs {
		source := model.VMSource(strings.ToLower(strings.TrimSpace(item.Source)))
		name := strings.TrimSpace(item.Name)
		if !source.Valid() {
			return nil, &v1.ValidationError{Message: fmt.Sprintf("Unsupported VMware source '%s' for VM '%s'.", item.Source, item.Name)}
		}
		spec := requestedSpec(item.Overrides)
		if spec.MergeRequested() {
			return nil, &v1.ValidationError{Message: model.DiskMergeForbidden}
		}
		key := string(source) + "/" + name
		seen[key]++
		if seen[key] == 2 {
			duplicates = append(duplicates, selectionRepr(name, source))
		}
		selections = append(selections, selection{name: name, source: source, spec: spec})
	}
	if len(duplicates) > 0 {
		return nil, &v1.ValidationError{Message: "Duplicate VM selections are not allowed: [" + strings.Join(duplicates, ", ") + "]"}
	}
	for _, sel := range selections {
		vms, err := s.vmRepo.Find(ctx, sel.name, sel.source)
		if err != nil {
			s.logger.WithContext(ctx).Error("failed to look up discovered vm", zap.Error(err), zap.String("vm_name", sel.name))
			return nil, v1.ErrInternalServerError
		}
		if len(vms) == 0 {
			missing = append(missing, selectionRepr(sel.name, sel.source))
		}
	}
	if len(missing) > 0 {
		return nil, &v1.ValidationError{Message: "Selected VMs not found in discovery data: [" + strings.Join(missing, ", ") + "]"}
	}

	data := &v1.CreateMigrationJobsResponseData{
		CreatedJobs: []v1.CreatedMigrationJob{},
		SkippedJobs: []v1.SkippedMigrationJob{},
	}
	var created []int64
	err := s.tm.Transaction(ctx, func(ctx context.Context) error {
		for _, sel := range selections {
			active, err := s.jobRepo.ListActiveByVMName(ctx, sel.name)
			if err != nil {
				return err
			}
			if existing := activeJobForSource(active, sel.source); existing != nil {
				data.SkippedJobs = append(data.SkippedJobs, v1.SkippedMigrationJob{
					VMName: sel.name,
					Source: string(sel.source),
					JobID:  existing.Id,
					Status: string(existing.Status),
					Reason: "already in progress",
				})
				continue
			}

			job := &model.MigrationJob{VMName: sel.name, Status: model.JobStatusPending}
			doc := &model.JobDocument{SelectedSource: string(sel.source), RequestedSpec: sel.spec}
			if err := job.SetDocument(doc); err != nil {
				return err
			}
			if err := s.jobRepo.Create(ctx, job); err != nil {
				return err
			}
			created = append(created, job.Id)
			data.CreatedJobs = append(data.CreatedJobs, v1.CreatedMigrationJob{
				MigrationJobSummary: summary(job),
				Source:              string(sel.source),
			})
		}
		return nil
	})
	if err != nil {
		s.logger.WithContext(ctx).Error("failed to create migration jobs", zap.Error(err))
		return nil, fmt.Errorf("failed to create migration jobs: %w", err)
	}

	for _, id := range created {
		if _, err := s.StartMigration(ctx, id); err != nil {
			// the job stays PENDING; a later start request picks it up
			s.logger.WithContext(ctx).Warn("failed to dispatch new migration job", zap.Int64("job_id", id), zap.Error(err))
		}
	}
	return data, nil
}

// requestedSpec drops empty and non-positive overrides.
func requestedSpec(o *v1.VMOverrides) *model.RequestedSpec {
	if o == nil {
		return nil
	}
	spec := &model.RequestedSpec{
		FlavorID:       strings.TrimSpace(o.FlavorID),
		DiskMerge:      o.DiskMerge,
		DiskLayoutMode: strings.TrimSpace(o.DiskLayoutMode),
	}
	if o.CPU > 0 {
		spec.CPU = o.CPU
	}
	if o.RAM > 0 {
		spec.RAM = o.RAM
	}
	for _, gb := range o.ExtraDisksGB {
		if gb > 0 {
			spec.ExtraDisksGB = append(spec.ExtraDisksGB, gb)
		}
	}
	if o.Network != nil {
		n := &model.NetworkOverride{
			NetworkID:   strings.TrimSpace(o.Network.NetworkID),
			NetworkName: strings.TrimSpace(o.Network.NetworkName),
			FixedIP:     strings.TrimSpace(o.Network.FixedIP),
		}
		if *n != (model.NetworkOverride{}) {
			spec.Network = n
		}
	}
	if spec.CPU == 0 && spec.RAM == 0 && spec.FlavorID == "" && len(spec.ExtraDisksGB) == 0 &&
		spec.Network == nil && !spec.DiskMerge && spec.DiskLayoutMode == "" {
		return nil
	}
	return spec
}

func selectionRepr(name string, source model.VMSource) string {
	return fmt.Sprintf("{name: %q, source: %q}", name, source)
}

// activeJobForSource returns the newest active job for the VM that was
// created for source, or that predates source tracking.
func activeJobForSource(jobs []*model.MigrationJob, source model.VMSource) *model.MigrationJob {
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Id > jobs[j].Id })
	for _, job := range jobs {
		doc, err := job.Document()
		if err != nil {
			return job
		}
		if doc.SelectedSource == "" || doc.SelectedSource == string(source) {
			return job
		}
	}
	return nil
}

func summary(job *model.MigrationJob) v1.MigrationJobSummary {
	return v1.MigrationJobSummary{
		ID:         job.Id,
		VMName:     job.VMName,
		Status:     string(job.Status),
		CreateTime: job.CreateTime,
		UpdateTime: job.UpdateTime,
	}
}

func (s *migrationService) ListJobs(ctx context.Context, req *v1.ListMigrationJobsRequest) (*v1.ListMigrationJobsResponseData, error) {
	status := model.JobStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if status != "" && !status.Valid() {
		return nil, v1.ErrInvalidJobStatus
	}
	jobs, total, err := s.jobRepo.ListWithPagination(ctx, req.Page, req.PageSize, status, strings.TrimSpace(req.VMName))
	if err != nil {
		s.logger.WithContext(ctx).Error("failed to list migration jobs", zap.Error(err))
		return nil, v1.ErrInternalServerError
	}
	data := &v1.ListMigrationJobsResponseData{Total: total, List: make([]v1.MigrationJobSummary, 0, len(jobs))}
	for _, job := range jobs {
		data.List = append(data.List, summary(job))
	}
	return data, nil
}

func (s *migrationService) GetJob(ctx context.Context, jobID int64) (*v1.MigrationJobDetail, error) {
	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		s.logger.WithContext(ctx).Error("failed to get migration job", zap.Error(err), zap.Int64("job_id", jobID))
		return nil, v1.ErrInternalServerError
	}
	if job == nil {
		return nil, v1.ErrJobNotFound
	}
	meta := json.RawMessage(job.ConversionMetadata)
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	return &v1.MigrationJobDetail{MigrationJobSummary: summary(job), ConversionMetadata: meta}, nil
}

func (s *migrationService) StartMigration(ctx context.Context, jobID int64) (*v1.TriggerResponseData, error) {
	data := &v1.TriggerResponseData{JobID: jobID, Kind: string(dispatch.KindStart)}
	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		s.logger.WithContext(ctx).Error("failed to get migration job", zap.Error(err), zap.Int64("job_id", jobID))
		return nil, v1.ErrInternalServerError
	}
	switch {
	case job == nil:
		data.Outcome = v1.OutcomeMissing
	case job.Status.Terminal() || job.Status == model.JobStatusFailed:
		data.Outcome = v1.OutcomeDuplicate
	default:
		doc, err := job.Document()
		if err == nil {
			if exec := doc.Execution(); exec != nil && exec.State == model.ExecutionRunning {
				data.Outcome = v1.OutcomeDuplicate
				break
			}
		}
		if err := s.enqueue(ctx, dispatch.Task{Kind: dispatch.KindStart, JobID: jobID}, data); err != nil {
			return nil, err
		}
	}
	s.metrics.TriggerResults.WithLabelValues(data.Kind, data.Outcome).Inc()
	return data, nil
}

func (s *migrationService) RollbackMigration(ctx context.Context, jobID int64, req *v1.RollbackMigrationRequest) (*v1.TriggerResponseData, error) {
	data := &v1.TriggerResponseData{JobID: jobID, Kind: string(dispatch.KindRollback)}
	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		s.logger.WithContext(ctx).Error("failed to get migration job", zap.Error(err), zap.Int64("job_id", jobID))
		return nil, v1.ErrInternalServerError
	}
	if job == nil {
		data.Outcome = v1.OutcomeMissing
	} else {
		task := dispatch.Task{Kind: dispatch.KindRollback, JobID: jobID}
		if req != nil {
			task.Reason = strings.TrimSpace(req.Reason)
			if p := strings.TrimSpace(req.OutputPath); p != "" {
				task.Paths = []string{p}
			}
		}
		if err := s.enqueue(ctx, task, data); err != nil {
			return nil, err
		}
	}
	s.metrics.TriggerResults.WithLabelValues(data.Kind, data.Outcome).Inc()
	return data, nil
}

func (s *migrationService) enqueue(ctx context.Context, task dispatch.Task, data *v1.TriggerResponseData) error {
	id, err := s.sid.GenString()
	if err != nil {
		s.logger.WithContext(ctx).Error("failed to generate task id", zap.Error(err))
		return v1.ErrInternalServerError
	}
	task.ID = id
	task.EnqueuedAt = time.Now()
	switch err := s.queue.Enqueue(ctx, task); {
	case errors.Is(err, dispatch.ErrDuplicate):
		data.Outcome = v1.OutcomeDuplicate
	case err != nil:
		s.logger.WithContext(ctx).Error("failed to enqueue task", zap.Error(err),
			zap.Int64("job_id", task.JobID), zap.String("kind", string(task.Kind)))
		return v1.ErrDispatchUnavailable
	default:
		data.Outcome = v1.OutcomeAccepted
		data.Queued = true
		data.TaskID = id
	}
	return nil
}
