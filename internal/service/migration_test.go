package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	v1 "vmmigrator/api/v1"
	"vmmigrator/internal/deployment"
	"vmmigrator/internal/dispatch"
	"vmmigrator/internal/model"
	"vmmigrator/internal/repository"
	"vmmigrator/pkg/command"
	"vmmigrator/pkg/log"
	"vmmigrator/pkg/metrics"
	"vmmigrator/pkg/openstack/openstacktest"
	"vmmigrator/pkg/sid"
	mock_command "vmmigrator/test/mocks/command"

	"github.com/glebarez/sqlite"
	"github.com/golang/mock/gomock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fixture struct {
	svc    MigrationService
	conf   *MigrationConfig
	jobs   repository.MigrationJobRepository
	vms    repository.DiscoveredVMRepository
	queue  *dispatch.MemoryQueue
	cloud  *openstacktest.Cloud
	runner *mock_command.MockRunner
	dir    string
}

func newFixture(t *testing.T, configure func(c *MigrationConfig)) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.db")), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.MigrationJob{}, &model.DiscoveredVM{}))

	conf, err := NewMigrationConfig(viper.New())
	require.NoError(t, err)
	conf.OutputDir = filepath.Join(dir, "out")
	conf.ArtifactBackupDir = filepath.Join(dir, "backups")
	conf.Deployment = deployment.Config{
		ImageUploadPollInterval: time.Millisecond,
		ImageUploadTimeout:      2 * time.Second,
		VerifyPollInterval:      time.Millisecond,
		VerifyTimeout:           2 * time.Second,
		APIRetries:              1,
		APIRetryDelay:           time.Millisecond,
	}
	if configure != nil {
		configure(conf)
	}

	prevCheck := checkKernel
	checkKernel = func() error { return nil }
	t.Cleanup(func() { checkKernel = prevCheck })

	logger := log.NewNop()
	m := metrics.NewMetrics()
	repo := repository.NewRepository(logger, db, nil)
	f := &fixture{
		conf:   conf,
		jobs:   repository.NewMigrationJobRepository(repo),
		vms:    repository.NewDiscoveredVMRepository(repo),
		queue:  dispatch.NewMemoryQueue(16, m, logger),
		cloud:  openstacktest.NewCloud(),
		runner: mock_command.NewMockRunner(gomock.NewController(t)),
		dir:    dir,
	}
	f.runner.EXPECT().LookPath(gomock.Any()).Return("", command.ErrNotFound).AnyTimes()
	cloud := func(context.Context) (deployment.Cloud, error) { return f.cloud, nil }
	f.svc = NewMigrationService(NewService(repository.NewTransaction(repo), logger, sid.NewSid()),
		conf, f.jobs, f.vms, f.queue, f.runner, cloud, m)
	return f
}

func vmdk(t *testing.T, p string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, append([]byte("KDMV"), make([]byte, 60)...), 0o644))
	return p
}

// addVM catalogs a workstation VM backed by real disk files.
func (f *fixture) addVM(t *testing.T, name string, disks int) []string {
	t.Helper()
	paths := make([]string, disks)
	quoted := make([]string, disks)
	for i := range paths {
		paths[i] = vmdk(t, filepath.Join(f.dir, "vms", name, name+"-"+strconv.Itoa(i)+".vmdk"))
		quoted[i] = `"` + paths[i] + `"`
	}
	disksJSON := "[" + strings.Join(quoted, ",") + "]"
	require.NoError(t, f.vms.Create(context.Background(), &model.DiscoveredVM{
		Name:       name,
		Source:     model.VMSourceWorkstation,
		CPU:        2,
		RAM:        4096,
		Disks:      datatypes.JSON(disksJSON),
		PowerState: "poweredOff",
	}))
	return paths
}

func (f *fixture) addJob(t *testing.T, name string, status model.JobStatus, doc *model.JobDocument) *model.MigrationJob {
	t.Helper()
	if doc == nil {
		doc = &model.JobDocument{SelectedSource: string(model.VMSourceWorkstation)}
	}
	job := &model.MigrationJob{VMName: name, Status: status}
	require.NoError(t, job.SetDocument(doc))
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func (f *fixture) reload(t *testing.T, id int64) (*model.MigrationJob, *model.JobDocument) {
	t.Helper()
	job, err := f.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	doc, err := job.Document()
	require.NoError(t, err)
	return job, doc
}

func (f *fixture) nextTask(t *testing.T) dispatch.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, f.queue.Done(ctx, task))
	return task
}

// convertByCopy answers every qemu-img call by writing the target file.
func (f *fixture) convertByCopy(t *testing.T, times int) {
	f.runner.EXPECT().Run(gomock.Any(), gomock.Any()).Times(times).DoAndReturn(
		func(_ context.Context, cmd command.Command) (*command.Result, error) {
			dst := cmd.Args[len(cmd.Args)-1]
			require.NoError(t, os.WriteFile(dst, []byte("qcow2"), 0o644))
			return &command.Result{}, nil
		})
}

func TestMigrationConfigDefaults(t *testing.T) {
	conf, err := NewMigrationConfig(viper.New())
	require.NoError(t, err)
	assert.False(t, conf.EnableRealConversion)
	assert.False(t, conf.EnableOpenStackDeployment)
	assert.True(t, conf.EnableRollback)
	assert.Equal(t, "qcow2", conf.OutputDiskFormat)
	assert.Equal(t, "/var/lib/vm-migrator/images/backups", conf.ArtifactBackupDir)
	assert.Equal(t, 2*time.Hour, conf.VirtV2VTimeout)
	assert.True(t, conf.ESXi.RequireNoSnapshots)
	assert.Equal(t, "vm-migrator", conf.Deployment.NamePrefix)
	assert.Equal(t, 2, conf.Deployment.APIRetries)
	assert.Equal(t, "/var/lib/vm-migrator/images/tmp/job-7", conf.jobTempDir(7))

	v := viper.New()
	v.Set("migration.output_disk_format", " RAW ")
	v.Set("migration.output_dir", "/data/out/")
	conf, err = NewMigrationConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "raw", conf.OutputDiskFormat)
	assert.Equal(t, "/data/out", conf.OutputDir)

	v.Set("migration.output_disk_format", "vmdk")
	_, err = NewMigrationConfig(v)
	assert.Error(t, err)
}

func TestCloudFactoryRequiresCredentials(t *testing.T) {
	conf, err := NewMigrationConfig(viper.New())
	require.NoError(t, err)
	_, err = NewCloudFactory(conf)(context.Background())
	var de *deployment.DeploymentError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, err.Error(), "not configured")
}

func TestCreateJobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addVM(t, "web-01", 1)
	f.addVM(t, "db-01", 1)

	data, err := f.svc.CreateJobs(ctx, &v1.CreateMigrationJobsRequest{VMs: []v1.VMSelection{
		{Name: "web-01", Source: "workstation", Overrides: &v1.VMOverrides{CPU: 4, RAM: -1}},
		{Name: "db-01", Source: "WORKSTATION"},
	}})
	require.NoError(t, err)
	require.Len(t, data.CreatedJobs, 2)
	assert.Empty(t, data.SkippedJobs)
	assert.Equal(t, "PENDING", data.CreatedJobs[0].Status)

	_, doc := f.reload(t, data.CreatedJobs[0].ID)
	assert.Equal(t, "workstation", doc.SelectedSource)
	require.NotNil(t, doc.RequestedSpec)
	assert.Equal(t, 4, doc.RequestedSpec.CPU)
	assert.Zero(t, doc.RequestedSpec.RAM)
	_, doc = f.reload(t, data.CreatedJobs[1].ID)
	assert.Nil(t, doc.RequestedSpec)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	again, err := f.svc.CreateJobs(ctx, &v1.CreateMigrationJobsRequest{VMs: []v1.VMSelection{{Name: "web-01", Source: "workstation"}}})
	require.NoError(t, err)
	assert.Empty(t, again.CreatedJobs)
	require.Len(t, again.SkippedJobs, 1)
	assert.Equal(t, data.CreatedJobs[0].ID, again.SkippedJobs[0].JobID)
	assert.Equal(t, "already in progress", again.SkippedJobs[0].Reason)
}

func TestCreateJobsValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addVM(t, "web-01", 1)

	tests := []struct {
		name string
		vms  []v1.VMSelection
		want string
	}{
		{"unsupported source", []v1.VMSelection{{Name: "web-01", Source: "hyperv"}}, "Unsupported VMware source 'hyperv'"},
		{"merge", []v1.VMSelection{{Name: "web-01", Source: "workstation", Overrides: &v1.VMOverrides{DiskMerge: true}}}, model.DiskMergeForbidden},
		{"concat layout", []v1.VMSelection{{Name: "web-01", Source: "workstation", Overrides: &v1.VMOverrides{DiskLayoutMode: "Concat"}}}, model.DiskMergeForbidden},
		{"duplicate", []v1.VMSelection{{Name: "web-01", Source: "workstation"}, {Name: "web-01", Source: "workstation"}},
			`Duplicate VM selections are not allowed: [{name: "web-01", source: "workstation"}]`},
		{"missing", []v1.VMSelection{{Name: "web-01", Source: "workstation"}, {Name: "ghost", Source: "esxi"}},
			`Selected VMs not found in discovery data: [{name: "ghost", source: "esxi"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateJobs(ctx, &v1.CreateMigrationJobsRequest{VMs: tt.vms})
			var ve *v1.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Contains(t, ve.Message, tt.want)
		})
	}

	list, err := f.svc.ListJobs(ctx, &v1.ListMigrationJobsRequest{})
	require.NoError(t, err)
	assert.Zero(t, list.Total)
}

func TestListAndGetJobs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addJob(t, "web-01", model.JobStatusPending, nil)
	failed := f.addJob(t, "db-01", model.JobStatusFailed, nil)

	list, err := f.svc.ListJobs(ctx, &v1.ListMigrationJobsRequest{Status: "failed"})
	require.NoError(t, err)
	require.EqualValues(t, 1, list.Total)
	assert.Equal(t, failed.Id, list.List[0].ID)

	_, err = f.svc.ListJobs(ctx, &v1.ListMigrationJobsRequest{Status: "DONE"})
	assert.ErrorIs(t, err, v1.ErrInvalidJobStatus)

	detail, err := f.svc.GetJob(ctx, failed.Id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"selected_source":"workstation"}`, string(detail.ConversionMetadata))

	_, err = f.svc.GetJob(ctx, 999)
	assert.ErrorIs(t, err, v1.ErrJobNotFound)
}

func TestStartMigrationOutcomes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pending := f.addJob(t, "web-01", model.JobStatusPending, nil)
	failed := f.addJob(t, "db-01", model.JobStatusFailed, nil)

	res, err := f.svc.StartMigration(ctx, pending.Id)
	require.NoError(t, err)
	assert.Equal(t, v1.OutcomeAccepted, res.Outcome)
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.TaskID)

	res, err = f.svc.StartMigration(ctx, pending.Id)
	require.NoError(t, err)
	assert.Equal(t, v1.OutcomeDuplicate, res.Outcome)
	assert.False(t, res.Queued)

	res, err = f.svc.StartMigration(ctx, failed.Id)
	require.NoError(t, err)
	assert.Equal(t, v1.OutcomeDuplicate, res.Outcome)

	res, err = f.svc.StartMigration(ctx, 999)
	require.NoError(t, err)
	assert.Equal(t, v1.OutcomeMissing, res.Outcome)

	res, err = f.svc.RollbackMigration(ctx, failed.Id, &v1.RollbackMigrationRequest{Reason: "operator", OutputPath: "/tmp/x.qcow2"})
	require.NoError(t, err)
	assert.Equal(t, v1.OutcomeAccepted, res.Outcome)

	f.nextTask(t)
	task := f.nextTask(t)
	assert.Equal(t, dispatch.KindRollback, task.Kind)
	assert.Equal(t, "operator", task.Reason)
	assert.Equal(t, []string{"/tmp/x.qcow2"}, task.Paths)

	require.NoError(t, f.queue.Close())
	res2, err := f.svc.StartMigration(ctx, pending.Id)
	assert.Nil(t, res2)
	assert.ErrorIs(t, err, v1.ErrDispatchUnavailable)
}

func TestRunMigrationDryRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	disks := f.addVM(t, "web-01", 2)
	job := f.addJob(t, "web-01", model.JobStatusPending, nil)

	res, err := f.svc.RunMigration(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, ResultPlanned, res.Result)
	assert.True(t, res.DryRun)
	assert.Equal(t, model.JobStatusConverting, res.Status)
	assert.Equal(t, disks, res.InputDisks)
	assert.Equal(t, filepath.Join(f.conf.OutputDir, "web-01.qcow2"), res.OutputPath)

	got, doc := f.reload(t, job.Id)
	assert.Equal(t, model.JobStatusConverting, got.Status)
	require.NotNil(t, doc.Conversion)
	assert.Equal(t, "dry-run", doc.Conversion.Mode)
	assert.Nil(t, doc.Conversion.Execution)
	require.NotNil(t, doc.Conversion.Validation)
	assert.Empty(t, doc.Conversion.Validation.Errors)

	res, err = f.svc.RunMigration(ctx, 999)
	require.NoError(t, err)
	assert.Equal(t, ResultMissing, res.Result)
}

func TestRunMigrationMissingDiscoveredVM(t *testing.T) {
	f := newFixture(t, nil)
	job := f.addJob(t, "ghost", model.JobStatusPending, nil)

	res, err := f.svc.RunMigration(context.Background(), job.Id)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Result)
	assert.Equal(t, model.JobStatusFailed, res.Status)
	assert.Equal(t, "No DiscoveredVM found for vm_name='ghost' source='workstation'.", res.Error)

	_, doc := f.reload(t, job.Id)
	assert.Equal(t, res.Error, doc.LastError)
	assert.Equal(t, dispatch.KindRollback, f.nextTask(t).Kind)
}

func TestRunMigrationConversionFailureAndRollback(t *testing.T) {
	f := newFixture(t, func(c *MigrationConfig) { c.EnableRealConversion = true })
	ctx := context.Background()
	f.addVM(t, "web-01", 2)
	job := f.addJob(t, "web-01", model.JobStatusPending, nil)
	disk0 := filepath.Join(f.conf.OutputDir, "web-01-disk0.qcow2")

	gomock.InOrder(
		f.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, cmd command.Command) (*command.Result, error) {
				require.NoError(t, os.WriteFile(cmd.Args[len(cmd.Args)-1], []byte("qcow2"), 0o644))
				return &command.Result{}, nil
			}),
		f.runner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(&command.Result{ExitCode: 2, Stderr: "bad sector"}, nil),
	)

	res, err := f.svc.RunMigration(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Result)
	assert.Equal(t, model.JobStatusFailed, res.Status)

	_, doc := f.reload(t, job.Id)
	exec := doc.Execution()
	require.NotNil(t, exec)
	assert.Equal(t, model.ExecutionFailed, exec.State)
	require.NotNil(t, exec.ReturnCode)
	assert.Equal(t, 2, *exec.ReturnCode)
	assert.Equal(t, "bad sector", exec.Stderr)
	assert.Equal(t, []string{disk0}, exec.PartialOutputs)
	assert.NotEmpty(t, exec.RunID)
	assert.FileExists(t, disk0)

	task := f.nextTask(t)
	assert.Equal(t, dispatch.KindRollback, task.Kind)
	assert.Contains(t, task.Paths, disk0)

	rb, err := f.svc.RunRollback(ctx, job.Id, task.Reason, task.Paths, task.Dirs)
	require.NoError(t, err)
	assert.Equal(t, ResultRolledBack, rb.Result)
	assert.Equal(t, model.JobStatusRolledBack, rb.Status)
	assert.NoFileExists(t, disk0)
	assert.Contains(t, rb.Actions, model.RollbackAction{Kind: "file", Target: disk0, Status: model.RollbackDeleted})

	got, doc := f.reload(t, job.Id)
	assert.Equal(t, model.JobStatusRolledBack, got.Status)
	require.NotNil(t, doc.RollbackAt)
	assert.Equal(t, res.Error, doc.RollbackReason)

	again, err := f.svc.RunRollback(ctx, job.Id, "", task.Paths, task.Dirs)
	require.NoError(t, err)
	assert.Equal(t, ResultRolledBack, again.Result)
	assert.Equal(t, model.JobStatusRolledBack, again.Status)
	for _, a := range again.Actions {
		assert.Equal(t, model.RollbackNotFound, a.Status, a.Target)
	}
	_, doc = f.reload(t, job.Id)
	assert.Equal(t, defaultRollbackReason, doc.RollbackReason)
	assert.Empty(t, doc.RollbackNote)
}

func TestRunMigrationRecordsFailureDuringShutdown(t *testing.T) {
	f := newFixture(t, func(c *MigrationConfig) { c.EnableRealConversion = true })
	f.addVM(t, "web-01", 1)
	job := f.addJob(t, "web-01", model.JobStatusPending, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(runCtx context.Context, _ command.Command) (*command.Result, error) {
			cancel()
			assert.NoError(t, runCtx.Err())
			return &command.Result{ExitCode: -1, Stderr: "killed"}, nil
		})

	res, err := f.svc.RunMigration(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Result)
	assert.Equal(t, model.JobStatusFailed, res.Status)

	got, doc := f.reload(t, job.Id)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.ExecutionFailed, doc.Execution().State)
	assert.NotEmpty(t, doc.LastError)

	task := f.nextTask(t)
	assert.Equal(t, dispatch.KindRollback, task.Kind)
	assert.Equal(t, job.Id, task.JobID)

	trigger, err := f.svc.StartMigration(context.Background(), job.Id)
	require.NoError(t, err)
	assert.Equal(t, v1.OutcomeDuplicate, trigger.Outcome)
}

func TestRunMigrationInterruptedAfterConversion(t *testing.T) {
	f := newFixture(t, func(c *MigrationConfig) { c.EnableRealConversion = true })
	f.addVM(t, "web-01", 1)
	job := f.addJob(t, "web-01", model.JobStatusPending, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(runCtx context.Context, cmd command.Command) (*command.Result, error) {
			cancel()
			require.NoError(t, os.WriteFile(cmd.Args[len(cmd.Args)-1], []byte("qcow2"), 0o644))
			return &command.Result{}, nil
		})

	res, err := f.svc.RunMigration(ctx, job.Id)
	require.NoError(t, err)
	assert.Equal(t, ResultInterrupted, res.Result)
	assert.Equal(t, model.JobStatusUploading, res.Status)

	got, doc := f.reload(t, job.Id)
	assert.Equal(t, model.JobStatusUploading, got.Status)
	assert.Equal(t, model.ExecutionSucceeded, doc.Execution().State)
	assert.Empty(t, doc.LastError)

	trigger, err := f.svc.StartMigration(context.Background(), job.Id)
	require.NoError(t, err)
	assert.Equal(t, v1.OutcomeAccepted, trigger.Outcome)
}

func TestRunMigrationResumesAfterConversion(t *testing.T) {
	f := newFixture(t, nil)
	disks := f.addVM(t, "web-01", 1)
	out := vmdk(t, filepath.Join(f.conf.OutputDir, "web-01-disk0.qcow2"))
	job := f.addJob(t, "web-01", model.JobStatusConverting, &model.JobDocument{
		SelectedSource: "workstation",
		Conversion: &model.PlanningRecord{
			Mode:       "real",
			InputDisks: disks,
			Warnings:   []string{"artifact backup failed: disk full"},
			Execution: &model.ExecutionRecord{
				State:       model.ExecutionSucceeded,
				OutputPath:  out,
				OutputPaths: []string{out},
			},
		},
	})

	res, err := f.svc.RunMigration(context.Background(), job.Id)
	require.NoError(t, err)
	assert.Equal(t, ResultConverted, res.Result)
	assert.Equal(t, model.JobStatusUploading, res.Status)

	_, doc := f.reload(t, job.Id)
	assert.Equal(t, model.ExecutionSucceeded, doc.Execution().State)
	assert.Equal(t, []string{"artifact backup failed: disk full"}, doc.Conversion.Warnings)
	assert.Equal(t, "dry-run", doc.Conversion.Mode)
}

func TestRunMigrationAlreadyRunning(t *testing.T) {
	f := newFixture(t, func(c *MigrationConfig) { c.EnableRealConversion = true })
	f.addVM(t, "web-01", 1)
	job := f.addJob(t, "web-01", model.JobStatusConverting, &model.JobDocument{
		SelectedSource: "workstation",
		Conversion: &model.PlanningRecord{
			Execution: &model.ExecutionRecord{State: model.ExecutionRunning, RunID: "other"},
		},
	})

	res, err := f.svc.RunMigration(context.Background(), job.Id)
	require.NoError(t, err)
	assert.Equal(t, ResultAlreadyRunning, res.Result)

	got, doc := f.reload(t, job.Id)
	assert.Equal(t, model.JobStatusConverting, got.Status)
	assert.Equal(t, "other", doc.Execution().RunID)

	trigger, err := f.svc.StartMigration(context.Background(), job.Id)
	require.NoError(t, err)
	assert.Equal(t, v1.OutcomeDuplicate, trigger.Outcome)
}

func TestRunMigrationWithBackup(t *testing.T) {
	f := newFixture(t, func(c *MigrationConfig) {
		c.EnableRealConversion = true
		c.EnableArtifactBackup = true
	})
	f.addVM(t, "web-01", 1)
	job := f.addJob(t, "web-01", model.JobStatusPending, nil)
	f.convertByCopy(t, 1)

	res, err := f.svc.RunMigration(context.Background(), job.Id)
	require.NoError(t, err)
	assert.Equal(t, ResultConverted, res.Result)
	assert.Equal(t, model.JobStatusUploading, res.Status)

	_, doc := f.reload(t, job.Id)
	backup := doc.Conversion.Backup
	require.NotNil(t, backup)
	assert.Equal(t, "copy", backup.Method)
	want := filepath.Join(f.conf.ArtifactBackupDir, "job-"+strconv.FormatInt(job.Id, 10), "web-01-disk0.qcow2")
	assert.Equal(t, want, backup.Path)
	assert.FileExists(t, want)

	rb, err := f.svc.RunRollback(context.Background(), job.Id, "operator", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultRolledBack, rb.Result)
	assert.Equal(t, model.JobStatusUploading, rb.Status)
	assert.FileExists(t, want)
	assert.NoFileExists(t, doc.Execution().PrimaryPath())

	_, doc = f.reload(t, job.Id)
	assert.Equal(t, "rollback executed while job in state UPLOADING", doc.RollbackNote)
}

func TestRunMigrationDeploysAndRollsBack(t *testing.T) {
	f := newFixture(t, func(c *MigrationConfig) {
		c.EnableRealConversion = true
		c.EnableOpenStackDeployment = true
	})
	ctx := context.Background()
	f.addVM(t, "web-01", 2)
	job := f.addJob(t, "web-01", model.JobStatusPending, nil)
	f.convertByCopy(t, 2)

	res, err := f.svc.RunMigration(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, ResultDeployed, res.Result, res.Error)
	assert.Equal(t, model.JobStatusVerified, res.Status)
	assert.True(t, res.DeploymentEnabled)
	assert.NotEmpty(t, res.ServerID)
	assert.Len(t, res.ImageIDs, 2)
	assert.Len(t, res.VolumeIDs, 2)
	assert.Equal(t, "f-medium", res.Flavor.ID)

	_, doc := f.reload(t, job.Id)
	require.NotNil(t, doc.OpenStack)
	assert.Equal(t, res.ServerID, doc.OpenStack.ServerID)
	require.NotNil(t, doc.OpenStack.Validation)
	assert.True(t, doc.OpenStack.Validation.OK)

	rb, err := f.svc.RunRollback(ctx, job.Id, "decommission", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultRolledBack, rb.Result)
	assert.Equal(t, model.JobStatusVerified, rb.Status)
	images, volumes, servers := f.cloud.Resources()
	assert.Zero(t, images)
	assert.Zero(t, volumes)
	assert.Zero(t, servers)
	assert.Equal(t, 1, f.cloud.Count("DeleteServer"))
}

func TestRollbackWaitsForServerBeforeDeletingVolumes(t *testing.T) {
	f := newFixture(t, func(c *MigrationConfig) {
		c.EnableRealConversion = true
		c.EnableOpenStackDeployment = true
	})
	ctx := context.Background()
	f.addVM(t, "web-01", 2)
	job := f.addJob(t, "web-01", model.JobStatusPending, nil)
	f.convertByCopy(t, 2)

	res, err := f.svc.RunMigration(ctx, job.Id)
	require.NoError(t, err)
	require.Equal(t, ResultDeployed, res.Result, res.Error)

	f.cloud.ServerDeleteReads = 3
	f.cloud.KeepVolumesAttached = true
	rb, err := f.svc.RunRollback(ctx, job.Id, "decommission", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultRolledBack, rb.Result)
	for _, a := range rb.Actions {
		assert.Equal(t, model.RollbackDeleted, a.Status, a.Kind+" "+a.Target)
	}
	images, volumes, servers := f.cloud.Resources()
	assert.Zero(t, images)
	assert.Zero(t, volumes)
	assert.Zero(t, servers)
	assert.Equal(t, 2, f.cloud.Count("ForceDeleteVolume"))
}

func TestRollbackCloudFactoryFailure(t *testing.T) {
	f := newFixture(t, nil)
	job := f.addJob(t, "web-01", model.JobStatusFailed, &model.JobDocument{
		OpenStack: &model.DeploymentRecord{ImageID: "img-1"},
	})
	f.svc.(*migrationService).cloud = func(context.Context) (deployment.Cloud, error) {
		return nil, &deployment.DeploymentError{Msg: "OpenStack authentication failed"}
	}

	rb, err := f.svc.RunRollback(context.Background(), job.Id, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultRolledBack, rb.Result)
	require.Len(t, rb.Actions, 1)
	assert.Equal(t, "openstack_cleanup", rb.Actions[0].Kind)
	assert.Equal(t, model.RollbackError, rb.Actions[0].Status)
}

func TestSweepRollbacks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now()
	pending := f.addJob(t, "web-01", model.JobStatusFailed, &model.JobDocument{LastError: "boom"})
	f.addJob(t, "db-01", model.JobStatusFailed, &model.JobDocument{RollbackAt: &now})
	f.addJob(t, "app-01", model.JobStatusPending, nil)

	n, err := f.svc.SweepRollbacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.SweepRollbacks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	task := f.nextTask(t)
	assert.Equal(t, pending.Id, task.JobID)
	assert.Equal(t, "boom", task.Reason)

	f.conf.EnableRollback = false
	n, err = f.svc.SweepRollbacks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
