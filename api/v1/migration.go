package v1

import (
	"encoding/json"
	"time"
)

type NetworkOverride struct {
	NetworkID   string `json:"network_id,omitempty" example:"5c1f0c8e-1d3a-4a5b-9f43-1c2d3e4f5a6b"`
	NetworkName string `json:"network_name,omitempty" binding:"omitempty,max=255" example:"private"`
	FixedIP     string `json:"fixed_ip,omitempty" binding:"omitempty,ip" example:"10.0.0.15"`
}

// VMOverrides replaces the discovered sizing of a VM on the target cloud.
type VMOverrides struct {
	CPU            int              `json:"cpu,omitempty" binding:"omitempty,min=1" example:"4"`
	RAM            int              `json:"ram,omitempty" binding:"omitempty,min=1" example:"8192"` // MiB
	FlavorID       string           `json:"flavor_id,omitempty" example:"m1.large"`
	ExtraDisksGB   []int            `json:"extra_disks_gb,omitempty" binding:"omitempty,dive,min=1"`
	Network        *NetworkOverride `json:"network,omitempty"`
	DiskMerge      bool             `json:"disk_merge,omitempty"`
	DiskLayoutMode string           `json:"disk_layout_mode,omitempty"`
}

type VMSelection struct {
	Name      string       `json:"name" binding:"required,max=255" example:"web-01"`
	Source    string       `json:"source" binding:"required,oneof=workstation esxi" example:"workstation"`
	Overrides *VMOverrides `json:"overrides,omitempty"`
}

type CreateMigrationJobsRequest struct {
	VMs []VMSelection `json:"vms" binding:"required,min=1,dive"`
}

type MigrationJobSummary struct {
	ID         int64     `json:"id"`
	VMName     string    `json:"vm_name"`
	Status     string    `json:"status"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

type CreatedMigrationJob struct {
	MigrationJobSummary
	Source string `json:"source"`
}

type SkippedMigrationJob struct {
	VMName string `json:"vm_name"`
	Source string `json:"source"`
	JobID  int64  `json:"job_id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type CreateMigrationJobsResponseData struct {
	CreatedJobs []CreatedMigrationJob `json:"created_jobs"`
	SkippedJobs []SkippedMigrationJob `json:"skipped_jobs"`
}
type CreateMigrationJobsResponse struct {
	Response
	Data CreateMigrationJobsResponseData
}

type ListMigrationJobsRequest struct {
	Page     int    `form:"page" binding:"omitempty,min=1" example:"1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=500" example:"20"`
	Status   string `form:"status" example:"FAILED"`
	VMName   string `form:"vm_name" example:"web-01"`
}

type ListMigrationJobsResponseData struct {
	Total int64                 `json:"total"`
	List  []MigrationJobSummary `json:"list"`
}
type ListMigrationJobsResponse struct {
	Response
	Data ListMigrationJobsResponseData
}

// MigrationJobDetail carries the job document exactly as stored.
type MigrationJobDetail struct {
	MigrationJobSummary
	ConversionMetadata json.RawMessage `json:"conversion_metadata"`
}
type GetMigrationJobResponse struct {
	Response
	Data MigrationJobDetail
}

type RollbackMigrationRequest struct {
	Reason string `json:"rollback_reason,omitempty" example:"operator requested"`
	// OutputPath is an artifact to remove in addition to the recorded ones.
	OutputPath string `json:"output_qcow2_path,omitempty"`
}

// Trigger outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeMissing   = "missing"
)

type TriggerResponseData struct {
	JobID   int64  `json:"job_id"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Queued  bool   `json:"queued"`
	TaskID  string `json:"task_id,omitempty"`
}
type TriggerResponse struct {
	Response
	Data TriggerResponseData
}
