package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusDiscovered JobStatus = "DISCOVERED"
	JobStatusConverting JobStatus = "CONVERTING"
	JobStatusUploading  JobStatus = "UPLOADING"
	JobStatusDeployed   JobStatus = "DEPLOYED"
	JobStatusVerified   JobStatus = "VERIFIED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusRolledBack JobStatus = "ROLLED_BACK"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusDiscovered, JobStatusFailed},
	JobStatusDiscovered: {JobStatusConverting, JobStatusFailed},
	JobStatusConverting: {JobStatusUploading, JobStatusFailed},
	JobStatusUploading:  {JobStatusDeployed, JobStatusFailed},
	JobStatusDeployed:   {JobStatusVerified, JobStatusRolledBack, JobStatusFailed},
	JobStatusVerified:   {},
	JobStatusFailed:     {JobStatusRolledBack},
	JobStatusRolledBack: {},
}

func (s JobStatus) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// AllowedTargets returns the sorted set of statuses reachable from s.
func (s JobStatus) AllowedTargets() []JobStatus {
	targets := append([]JobStatus(nil), jobTransitions[s]...)
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}

func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	for _, t := range jobTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusVerified || s == JobStatusRolledBack
}

// Active reports whether a job in this status still owns its VM.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusPending, JobStatusDiscovered, JobStatusConverting, JobStatusUploading, JobStatusDeployed:
		return true
	}
	return false
}

type InvalidTransitionError struct {
	From    JobStatus
	Target  JobStatus
	Allowed []JobStatus
}

func (e *InvalidTransitionError) Error() string {
	if !e.Target.Valid() {
		return fmt.Sprintf("Unknown target status '%s'", e.Target)
	}
	allowed := "none"
	if len(e.Allowed) > 0 {
		names := make([]string, len(e.Allowed))
		for i, a := range e.Allowed {
			names[i] = string(a)
		}
		allowed = "[" + strings.Join(names, ", ") + "]"
	}
	return fmt.Sprintf("Invalid transition from '%s' to '%s'. Allowed targets: %s", e.From, e.Target, allowed)
}

// MigrationJob is one migration attempt for a named source VM. Rows are
// never deleted; the status column only moves along jobTransitions.
type MigrationJob struct {
	Id                 int64          `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	VMName             string         `json:"vm_name" gorm:"column:vm_name;size:255;not null;index"`
	Status             JobStatus      `json:"status" gorm:"column:status;size:20;not null;default:'PENDING';index"`
	ConversionMetadata datatypes.JSON `json:"conversion_metadata" gorm:"column:conversion_metadata"`
	CreateTime         time.Time      `json:"create_time" gorm:"column:gmt_create;autoCreateTime"`
	UpdateTime         time.Time      `json:"update_time" gorm:"column:gmt_modified;autoUpdateTime"`
}

func (MigrationJob) TableName() string {
	return "migration_job"
}

func (j *MigrationJob) CanTransitionTo(target JobStatus) bool {
	return j.Status.CanTransitionTo(target)
}

// Transition moves the job to target in memory. Callers persist the row in
// the same transaction that holds the row lock.
func (j *MigrationJob) Transition(target JobStatus) error {
	if !target.Valid() || !j.Status.CanTransitionTo(target) {
		return &InvalidTransitionError{From: j.Status, Target: target, Allowed: j.Status.AllowedTargets()}
	}
	j.Status = target
	j.UpdateTime = time.Now()
	return nil
}

// Document decodes the job document. An empty column yields an empty
// document.
func (j *MigrationJob) Document() (*JobDocument, error) {
	doc := &JobDocument{}
	if len(j.ConversionMetadata) == 0 || string(j.ConversionMetadata) == "null" {
		return doc, nil
	}
	if err := json.Unmarshal(j.ConversionMetadata, doc); err != nil {
		return nil, fmt.Errorf("decode job %d document: %w", j.Id, err)
	}
	return doc, nil
}

func (j *MigrationJob) SetDocument(doc *JobDocument) error {
	if doc.Version == 0 {
		doc.Version = DocumentVersion
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode job %d document: %w", j.Id, err)
	}
	j.ConversionMetadata = datatypes.JSON(raw)
	return nil
}
