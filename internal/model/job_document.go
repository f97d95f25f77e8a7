package model

import (
	"encoding/json"
	"strings"
	"time"
)

const DocumentVersion = 1

// Execution states persisted under conversion.execution.state.
const (
	ExecutionRunning   = "running"
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
)

// Rollback action outcomes.
const (
	RollbackDeleted  = "deleted"
	RollbackNotFound = "not_found"
	RollbackError    = "error"
)

// JobDocument is the typed view of migration_job.conversion_metadata.
// Top-level keys written by other components are carried through a
// decode/encode cycle untouched.
type JobDocument struct {
	Version         int               `json:"version,omitempty"`
	SelectedSource  string            `json:"selected_source,omitempty"`
	RequestedSpec   *RequestedSpec    `json:"requested_spec,omitempty"`
	Conversion      *PlanningRecord   `json:"conversion,omitempty"`
	OpenStack       *DeploymentRecord `json:"openstack,omitempty"`
	LastError       string            `json:"last_error,omitempty"`
	RollbackAt      *time.Time        `json:"rollback_at,omitempty"`
	RollbackReason  string            `json:"rollback_reason,omitempty"`
	RollbackActions []RollbackAction  `json:"rollback_actions,omitempty"`
	RollbackNote    string            `json:"rollback_note,omitempty"`

	extra map[string]json.RawMessage
}

type jobDocumentAlias JobDocument

var jobDocumentKeys = []string{
	"version", "selected_source", "requested_spec", "conversion", "openstack",
	"last_error", "rollback_at", "rollback_reason", "rollback_actions", "rollback_note",
}

func (d *JobDocument) UnmarshalJSON(data []byte) error {
	var alias jobDocumentAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range jobDocumentKeys {
		delete(all, k)
	}
	*d = JobDocument(alias)
	if len(all) > 0 {
		d.extra = all
	}
	return nil
}

func (d JobDocument) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(jobDocumentAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(d.extra)+len(jobDocumentKeys))
	for k, v := range d.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Extra returns a top-level key this type does not model.
func (d *JobDocument) Extra(key string) (json.RawMessage, bool) {
	v, ok := d.extra[key]
	return v, ok
}

// Execution returns conversion.execution, or nil.
func (d *JobDocument) Execution() *ExecutionRecord {
	if d.Conversion == nil {
		return nil
	}
	return d.Conversion.Execution
}

// RequestedSpec holds per-job target overrides chosen at creation time.
type RequestedSpec struct {
	CPU            int              `json:"cpu,omitempty"`
	RAM            int              `json:"ram,omitempty"` // MiB
	FlavorID       string           `json:"flavor_id,omitempty"`
	ExtraDisksGB   []int            `json:"extra_disks_gb,omitempty"`
	Network        *NetworkOverride `json:"network,omitempty"`
	DiskMerge      bool             `json:"disk_merge,omitempty"`
	DiskLayoutMode string           `json:"disk_layout_mode,omitempty"`
}

// DiskMergeForbidden is reported for any request to merge or concatenate
// source disks.
const DiskMergeForbidden = "Disk concatenation/merge is forbidden in production mode. " +
	"Disk architecture must remain unchanged (1-to-1, same order, no merge)."

// MergeRequested reports whether the overrides ask for disks to be combined.
func (s *RequestedSpec) MergeRequested() bool {
	if s == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s.DiskLayoutMode)) {
	case "merge", "concat", "concatenate":
		return true
	}
	return s.DiskMerge
}

type NetworkOverride struct {
	NetworkID   string `json:"network_id,omitempty"`
	NetworkName string `json:"network_name,omitempty"`
	FixedIP     string `json:"fixed_ip,omitempty"`
}

// PlanningRecord is conversion.*: the plan plus everything recorded while
// executing it.
type PlanningRecord struct {
	Mode        string   `json:"mode"`
	Source      string   `json:"source"`
	Command     string   `json:"command"`
	CommandArgs []string `json:"command_args"`
	InputDisks  []string `json:"input_disks"`
	OutputPath  string   `json:"output_path"`
	Notes       []string `json:"notes"`

	Validation *PathValidation  `json:"validation,omitempty"`
	Execution  *ExecutionRecord `json:"execution,omitempty"`
	Backup     *BackupRecord    `json:"backup,omitempty"`
	TempDirs   []string         `json:"temp_dirs,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
	PlannedAt  *time.Time       `json:"planned_at,omitempty"`
}

type PathValidation struct {
	OK             bool     `json:"ok"`
	InputBytes     int64    `json:"input_bytes"`
	RequiredBytes  int64    `json:"required_bytes"`
	AvailableBytes int64    `json:"available_bytes"`
	OutputDir      string   `json:"output_dir"`
	Errors         []string `json:"errors,omitempty"`
}

type ExecutionRecord struct {
	State            string           `json:"state"`
	RunID            string           `json:"run_id,omitempty"`
	Runner           string           `json:"runner,omitempty"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	FinishedAt       *time.Time       `json:"finished_at,omitempty"`
	DurationSeconds  float64          `json:"duration_seconds,omitempty"`
	ReturnCode       *int             `json:"returncode,omitempty"`
	Stdout           string           `json:"stdout,omitempty"`
	Stderr           string           `json:"stderr,omitempty"`
	OutputPath       string           `json:"output_qcow2_path,omitempty"`
	OutputPaths      []string         `json:"output_qcow2_paths,omitempty"`
	PartialOutputs   []string         `json:"partial_outputs,omitempty"`
	PrimaryDiskIndex int              `json:"primary_disk_index"`
	DiskAnalysis     []DiskAnalysis   `json:"disk_analysis,omitempty"`
	DiskSizes        map[string]int64 `json:"disk_sizes,omitempty"`
	OutputDiskFormat string           `json:"output_disk_format,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// PrimaryPath returns the boot disk artifact, falling back to the first
// output for records written before primary_disk_index existed.
func (e *ExecutionRecord) PrimaryPath() string {
	if e.PrimaryDiskIndex >= 0 && e.PrimaryDiskIndex < len(e.OutputPaths) {
		return e.OutputPaths[e.PrimaryDiskIndex]
	}
	return e.OutputPath
}

type DiskAnalysis struct {
	Index        int      `json:"index"`
	SourcePath   string   `json:"source_path,omitempty"`
	SourceFormat string   `json:"source_format,omitempty"`
	OutputPath   string   `json:"output_path"`
	SizeBytes    int64    `json:"size_bytes"`
	BootScore    int      `json:"boot_score"`
	Reasons      []string `json:"reasons,omitempty"`
	Primary      bool     `json:"primary"`
}

type BackupRecord struct {
	Enabled   bool       `json:"enabled"`
	Path      string     `json:"path"`
	Paths     []string   `json:"paths"`
	Method    string     `json:"method"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// DeploymentRecord is openstack.*. It is rewritten after every step so a
// crashed deployment resumes from the ids already recorded.
type DeploymentRecord struct {
	ImageID          string   `json:"image_id,omitempty"`
	ImageIDs         []string `json:"image_ids,omitempty"`
	ImageName        string   `json:"image_name,omitempty"`
	ImageNames       []string `json:"image_names,omitempty"`
	SourcePaths      []string `json:"source_qcow2_paths,omitempty"`
	SourceDiskCount  int      `json:"source_disk_count,omitempty"`
	OutputDiskFormat string   `json:"output_disk_format,omitempty"`

	FlavorID   string `json:"flavor_id,omitempty"`
	FlavorName string `json:"flavor_name,omitempty"`
	TargetCPU  int    `json:"target_cpu,omitempty"`
	TargetRAM  int    `json:"target_ram,omitempty"`

	NetworkID   string `json:"network_id,omitempty"`
	NetworkName string `json:"network_name,omitempty"`
	FixedIP     string `json:"fixed_ip,omitempty"`

	ServerID                 string `json:"server_id,omitempty"`
	ServerName               string `json:"server_name,omitempty"`
	ServerStatusBeforeAttach string `json:"server_status_before_attach,omitempty"`
	BootVolumeID             string `json:"boot_volume_id,omitempty"`
	BootDiskIndex            int    `json:"boot_disk_index"`

	VolumeIDs             []string         `json:"volume_ids,omitempty"`
	ExtraVolumeIDs        []string         `json:"extra_volume_ids,omitempty"`
	RequestedExtraDisksGB []int            `json:"requested_extra_disks_gb,omitempty"`
	AttachedVolumes       []AttachedVolume `json:"attached_volumes,omitempty"`

	ServerStatus string                `json:"server_status,omitempty"`
	VerifiedAt   *time.Time            `json:"verified_at,omitempty"`
	Validation   *AttachmentValidation `json:"disk_attachment_validation,omitempty"`
}

const (
	VolumeKindConverted = "converted"
	VolumeKindExtra     = "extra"

	AttachStatusBoot     = "boot_volume"
	AttachStatusAttached = "attached"
	AttachStatusExisting = "already_attached"
)

type AttachedVolume struct {
	Index    int    `json:"index"`
	Kind     string `json:"kind"`
	ImageID  string `json:"image_id,omitempty"`
	VolumeID string `json:"volume_id"`
	Status   string `json:"status"`
	Boot     bool   `json:"boot"`
	SizeGB   int    `json:"size_gb,omitempty"`
}

type AttachmentValidation struct {
	OK                bool               `json:"ok"`
	MissingOrNotInUse []string           `json:"missing_or_not_in_use"`
	AttachedVolumeIDs []string           `json:"attached_volume_ids"`
	Volumes           []VolumeValidation `json:"volumes"`
	CheckedAt         *time.Time         `json:"checked_at,omitempty"`
}

type VolumeValidation struct {
	VolumeID string `json:"volume_id"`
	Attached bool   `json:"attached"`
	Status   string `json:"status"`
}

// RollbackAction is one attempted cleanup step. Failures are recorded here,
// never raised.
type RollbackAction struct {
	Kind   string `json:"kind"` // file, dir, server, volume, image
	Target string `json:"target"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
