package openstack

type Flavor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	VCPUs  int    `json:"vcpus"`
	RAMMB  int    `json:"ram_mb"`
	DiskGB int    `json:"disk_gb"`
}

type Network struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	External bool   `json:"external"`
}

// Image is a Glance v2 image. Size and VirtualSize are zero until the
// upload has been processed.
type Image struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	DiskFormat  string `json:"disk_format"`
	Size        int64  `json:"size"`
	VirtualSize int64  `json:"virtual_size"`
	MinDisk     int    `json:"min_disk"`
}

type Volume struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	SizeGB int    `json:"size"`
}

type Server struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type CreateImageOpts struct {
	Name       string
	DiskFormat string
}

type CreateVolumeOpts struct {
	Name     string
	SizeGB   int
	ImageID  string // empty creates a blank volume
	Metadata map[string]string
}

type CreateServerOpts struct {
	Name         string
	FlavorID     string
	NetworkID    string
	FixedIP      string
	BootVolumeID string
}

const (
	ImageStatusQueued  = "queued"
	ImageStatusActive  = "active"
	ImageStatusKilled  = "killed"
	ImageStatusDeleted = "deleted"
	ImageStatusError   = "error"

	VolumeStatusAvailable      = "available"
	VolumeStatusInUse          = "in-use"
	VolumeStatusDetaching      = "detaching"
	VolumeStatusError          = "error"
	VolumeStatusErrorExtending = "error_extending"

	ServerStatusActive  = "ACTIVE"
	ServerStatusError   = "ERROR"
	ServerStatusDeleted = "DELETED"
)
