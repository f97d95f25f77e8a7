package deployment

import (
	"context"
	"fmt"
	"time"

	"vmmigrator/pkg/openstack"
)

// Cloud is the part of the OpenStack API the orchestrator drives. Lookups
// return nil, nil when the resource does not exist; deletes of missing
// resources succeed.
type Cloud interface {
	ListFlavors(ctx context.Context) ([]openstack.Flavor, error)
	GetFlavor(ctx context.Context, ref string) (*openstack.Flavor, error)
	ListNetworks(ctx context.Context) ([]openstack.Network, error)

	GetImage(ctx context.Context, id string) (*openstack.Image, error)
	FindImageByName(ctx context.Context, name string) (*openstack.Image, error)
	CreateImage(ctx context.Context, opts openstack.CreateImageOpts) (*openstack.Image, error)
	UploadImageData(ctx context.Context, id, path string) error
	DeleteImage(ctx context.Context, id string) error

	GetVolume(ctx context.Context, id string) (*openstack.Volume, error)
	FindVolumeByName(ctx context.Context, name string) (*openstack.Volume, error)
	CreateVolume(ctx context.Context, opts openstack.CreateVolumeOpts) (*openstack.Volume, error)
	DeleteVolume(ctx context.Context, id string) error
	// ForceDeleteVolume deletes a volume that is still attached or detaching.
	ForceDeleteVolume(ctx context.Context, id string) error

	GetServer(ctx context.Context, id string) (*openstack.Server, error)
	FindServerByName(ctx context.Context, name string) (*openstack.Server, error)
	CreateServer(ctx context.Context, opts openstack.CreateServerOpts) (*openstack.Server, error)
	DeleteServer(ctx context.Context, id string) error

	ListVolumeAttachments(ctx context.Context, serverID string) ([]string, error)
	AttachVolume(ctx context.Context, serverID, volumeID string) error
}

var _ Cloud = (*openstack.Client)(nil)

type Config struct {
	NamePrefix              string        `mapstructure:"name_prefix"`
	DefaultNetwork          string        `mapstructure:"default_network"`
	ImageUploadTimeout      time.Duration `mapstructure:"image_upload_timeout"`
	ImageUploadPollInterval time.Duration `mapstructure:"image_upload_poll_interval"`
	VerifyTimeout           time.Duration `mapstructure:"verify_timeout"`
	VerifyPollInterval      time.Duration `mapstructure:"verify_poll_interval"`
	APIRetries              int           `mapstructure:"api_retries"`
	APIRetryDelay           time.Duration `mapstructure:"api_retry_delay"`
}

func (c Config) withDefaults() Config {
	if c.NamePrefix == "" {
		c.NamePrefix = "vm-migrator"
	}
	if c.ImageUploadTimeout <= 0 {
		c.ImageUploadTimeout = 15 * time.Minute
	}
	if c.ImageUploadPollInterval <= 0 {
		c.ImageUploadPollInterval = 5 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 15 * time.Minute
	}
	if c.VerifyPollInterval <= 0 {
		c.VerifyPollInterval = 10 * time.Second
	}
	if c.APIRetries < 0 {
		c.APIRetries = 0
	}
	if c.APIRetryDelay <= 0 {
		c.APIRetryDelay = 3 * time.Second
	}
	return c
}

// DeploymentError is any failed cloud-resource step.
type DeploymentError struct {
	Msg string
	Err error
}

func (e *DeploymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

func deploymentErrorf(err error, format string, args ...interface{}) error {
	return &DeploymentError{Msg: fmt.Sprintf(format, args...), Err: err}
}
