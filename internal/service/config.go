package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vmmigrator/internal/conversion"
	"vmmigrator/internal/deployment"
	"vmmigrator/pkg/diskformat"
	"vmmigrator/pkg/openstack"

	"github.com/spf13/viper"
)

// MigrationConfig is every knob of the migration engine. It is built once
// from the migration and openstack sections of the config file.
type MigrationConfig struct {
	EnableRealConversion      bool `mapstructure:"enable_real_conversion"`
	EnableOpenStackDeployment bool `mapstructure:"enable_openstack_deployment"`
	EnableRollback            bool `mapstructure:"enable_rollback"`

	OutputDir          string        `mapstructure:"output_dir"`
	OutputDiskFormat   string        `mapstructure:"output_disk_format"`
	QemuImgTimeout     time.Duration `mapstructure:"qemu_img_timeout"`
	VirtV2VTimeout     time.Duration `mapstructure:"virt_v2v_timeout"`
	DiskInspectTimeout time.Duration `mapstructure:"disk_inspect_timeout"`

	EnableArtifactBackup   bool   `mapstructure:"enable_artifact_backup"`
	ArtifactBackupRequired bool   `mapstructure:"artifact_backup_required"`
	ArtifactBackupDir      string `mapstructure:"artifact_backup_dir"`

	ESXi conversion.ESXiConfig `mapstructure:"esxi"`

	OpenStack  openstack.Config  `mapstructure:"-"`
	Deployment deployment.Config `mapstructure:"-"`
}

func setMigrationDefaults(conf *viper.Viper) {
	conf.SetDefault("migration.enable_real_conversion", false)
	conf.SetDefault("migration.enable_openstack_deployment", false)
	conf.SetDefault("migration.enable_rollback", true)
	conf.SetDefault("migration.output_dir", "/var/lib/vm-migrator/images")
	conf.SetDefault("migration.output_disk_format", "qcow2")
	conf.SetDefault("migration.qemu_img_timeout", time.Hour)
	conf.SetDefault("migration.virt_v2v_timeout", 2*time.Hour)
	conf.SetDefault("migration.disk_inspect_timeout", 90*time.Second)
	conf.SetDefault("migration.enable_artifact_backup", false)
	conf.SetDefault("migration.artifact_backup_required", false)
	conf.SetDefault("migration.esxi.insecure", true)
	conf.SetDefault("migration.esxi.require_no_snapshots", true)

	conf.SetDefault("openstack.name_prefix", "vm-migrator")
	conf.SetDefault("openstack.image_upload_timeout", 15*time.Minute)
	conf.SetDefault("openstack.image_upload_poll_interval", 5*time.Second)
	conf.SetDefault("openstack.verify_timeout", 15*time.Minute)
	conf.SetDefault("openstack.verify_poll_interval", 10*time.Second)
	conf.SetDefault("openstack.api_retries", 2)
	conf.SetDefault("openstack.api_retry_delay", 3*time.Second)
}

func NewMigrationConfig(conf *viper.Viper) (*MigrationConfig, error) {
	setMigrationDefaults(conf)

	var sections struct {
		Migration  MigrationConfig   `mapstructure:"migration"`
		Deployment deployment.Config `mapstructure:"openstack"`
	}
	if err := conf.Unmarshal(&sections); err != nil {
		return nil, fmt.Errorf("decode migration config: %w", err)
	}
	c := sections.Migration
	c.Deployment = sections.Deployment
	c.OpenStack = openstack.NewConfig(conf)

	c.OutputDir = filepath.Clean(strings.TrimSpace(c.OutputDir))
	c.OutputDiskFormat = strings.ToLower(strings.TrimSpace(c.OutputDiskFormat))
	switch diskformat.Format(c.OutputDiskFormat) {
	case diskformat.QCOW2, diskformat.Raw:
	default:
		return nil, fmt.Errorf("migration.output_disk_format must be qcow2 or raw, got %q", c.OutputDiskFormat)
	}
	if c.ArtifactBackupDir == "" {
		c.ArtifactBackupDir = filepath.Join(c.OutputDir, "backups")
	}
	return &c, nil
}

// jobTempDir holds per-job secrets such as the ESXi password file.
func (c *MigrationConfig) jobTempDir(jobID int64) string {
	return filepath.Join(c.OutputDir, "tmp", fmt.Sprintf("job-%d", jobID))
}

func (c *MigrationConfig) executorConfig() conversion.ExecutorConfig {
	return conversion.ExecutorConfig{
		OutputFormat:   diskformat.Format(c.OutputDiskFormat),
		QemuImgTimeout: c.QemuImgTimeout,
		VirtV2VTimeout: c.VirtV2VTimeout,
	}
}

// CloudFactory returns a client for the target cloud. It is called only
// when a job reaches deployment or rollback has cloud resources to remove.
type CloudFactory func(ctx context.Context) (deployment.Cloud, error)

// NewCloudFactory authenticates lazily and reuses the client once it has
// been created.
func NewCloudFactory(conf *MigrationConfig) CloudFactory {
	var (
		mu     sync.Mutex
		client *openstack.Client
	)
	return func(ctx context.Context) (deployment.Cloud, error) {
		mu.Lock()
		defer mu.Unlock()
		if client != nil {
			return client, nil
		}
		if !conf.OpenStack.Configured() {
			return nil, &deployment.DeploymentError{Msg: "OpenStack credentials are not configured (openstack.auth_url, openstack.username, openstack.project_name)."}
		}
		c, err := openstack.NewClient(conf.OpenStack)
		if err != nil {
			return nil, &deployment.DeploymentError{Msg: "OpenStack authentication failed", Err: err}
		}
		client = c
		return client, nil
	}
}
