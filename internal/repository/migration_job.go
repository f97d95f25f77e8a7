package repository

import (
	"context"
	"errors"

	"vmmigrator/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MigrationJobRepository interface {
	Create(ctx context.Context, job *model.MigrationJob) error
	Save(ctx context.Context, job *model.MigrationJob) error
	GetByID(ctx context.Context, id int64) (*model.MigrationJob, error)
	// GetForUpdate reads the row under an exclusive lock. It must run inside
	// Transaction; the lock is released when the transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*model.MigrationJob, error)
	ListWithPagination(ctx context.Context, page, pageSize int, status model.JobStatus, vmName string) ([]*model.MigrationJob, int64, error)
	ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.MigrationJob, error)
	ListActiveByVMName(ctx context.Context, vmName string) ([]*model.MigrationJob, error)
}

func NewMigrationJobRepository(r *Repository) MigrationJobRepository {
	return &migrationJobRepository{Repository: r}
}

type migrationJobRepository struct {
	*Repository
}

func (r *migrationJobRepository) Create(ctx context.Context, job *model.MigrationJob) error {
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	return r.DB(ctx).Create(job).Error
}

// Save writes status, document and gmt_modified in a single UPDATE.
func (r *migrationJobRepository) Save(ctx context.Context, job *model.MigrationJob) error {
	return r.DB(ctx).Save(job).Error
}

func (r *migrationJobRepository) GetByID(ctx context.Context, id int64) (*model.MigrationJob, error) {
	var job model.MigrationJob
	if err := r.DB(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *migrationJobRepository) GetForUpdate(ctx context.Context, id int64) (*model.MigrationJob, error) {
	db := r.DB(ctx)
	// sqlite locks the whole database per write transaction and has no
	// FOR UPDATE syntax
	if db.Dialector.Name() != "sqlite" {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job model.MigrationJob
	if err := db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *migrationJobRepository) ListWithPagination(ctx context.Context, page, pageSize int, status model.JobStatus, vmName string) ([]*model.MigrationJob, int64, error) {
	var jobs []*model.MigrationJob
	var total int64

	query := r.DB(ctx).Model(&model.MigrationJob{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if vmName != "" {
		query = query.Where("vm_name = ?", vmName)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize
	if err := query.Order("gmt_create DESC").Order("id DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *migrationJobRepository) ListByStatus(ctx context.Context, status model.JobStatus) ([]*model.MigrationJob, error) {
	var jobs []*model.MigrationJob
	err := r.DB(ctx).Where("status = ?", status).
		Order("id ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *migrationJobRepository) ListActiveByVMName(ctx context.Context, vmName string) ([]*model.MigrationJob, error) {
	var jobs []*model.MigrationJob
	err := r.DB(ctx).Where("vm_name = ? AND status IN ?", vmName, []model.JobStatus{
		model.JobStatusPending,
		model.JobStatusDiscovered,
		model.JobStatusConverting,
		model.JobStatusUploading,
		model.JobStatusDeployed,
	}).Order("id ASC").Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
