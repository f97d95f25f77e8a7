package deployment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vmmigrator/internal/model"
	"vmmigrator/pkg/log"
	"vmmigrator/pkg/openstack"
	"vmmigrator/pkg/openstack/openstacktest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		ImageUploadPollInterval: time.Millisecond,
		ImageUploadTimeout:      2 * time.Second,
		VerifyPollInterval:      time.Millisecond,
		VerifyTimeout:           2 * time.Second,
		APIRetries:              2,
		APIRetryDelay:           time.Millisecond,
	}
}

func artifacts(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, "disk"+string(rune('0'+i))+".qcow2")
		require.NoError(t, os.WriteFile(paths[i], []byte("qcow2"), 0o644))
	}
	return paths
}

type recorder struct {
	saves int
	last  model.DeploymentRecord
}

func (r *recorder) save(_ context.Context, rec *model.DeploymentRecord) error {
	r.saves++
	r.last = *rec
	return nil
}

func TestProvisionWithExtraDisk(t *testing.T) {
	cloud := openstacktest.NewCloud()
	o := NewOrchestrator(cloud, testConfig(), log.NewNop())
	req := &Request{
		JobID:  7,
		VMName: "web 01",
		Paths:  artifacts(t, 1),
		Target: Target{CPU: 2, RAM: 4096, ExtraDisksGB: []int{10}},
	}
	rec := &model.DeploymentRecord{}
	r := &recorder{}

	require.NoError(t, o.Provision(context.Background(), req, rec, r.save))

	require.Len(t, rec.AttachedVolumes, 2)
	boots := 0
	for _, v := range rec.AttachedVolumes {
		if v.Boot {
			boots++
		}
	}
	assert.Equal(t, 1, boots)
	assert.Equal(t, model.AttachStatusBoot, rec.AttachedVolumes[0].Status)
	assert.Equal(t, model.VolumeKindExtra, rec.AttachedVolumes[1].Kind)
	assert.Equal(t, model.AttachStatusAttached, rec.AttachedVolumes[1].Status)
	assert.Equal(t, 10, rec.AttachedVolumes[1].SizeGB)

	assert.Equal(t, "f-medium", rec.FlavorID)
	assert.Equal(t, "n-int", rec.NetworkID)
	assert.Equal(t, "vm-migrator-7-web-01", rec.ImageName)
	assert.Equal(t, "vm-migrator-7-web-01", rec.ServerName)
	assert.Len(t, rec.VolumeIDs, 1)
	assert.Len(t, rec.ExtraVolumeIDs, 1)
	assert.Equal(t, rec.VolumeIDs[0], rec.BootVolumeID)
	assert.Equal(t, openstack.ServerStatusActive, rec.ServerStatusBeforeAttach)
	assert.Equal(t, 4, cloud.Volume(rec.VolumeIDs[0]).SizeGB)
	assert.Equal(t, *rec, r.last)

	require.NoError(t, o.Verify(context.Background(), rec))
	assert.True(t, rec.Validation.OK)
	assert.Empty(t, rec.Validation.MissingOrNotInUse)
	assert.Equal(t, openstack.ServerStatusActive, rec.ServerStatus)
	assert.NotNil(t, rec.VerifiedAt)
}

func TestProvisionBootsFromPrimaryDisk(t *testing.T) {
	cloud := openstacktest.NewCloud()
	o := NewOrchestrator(cloud, testConfig(), log.NewNop())
	req := &Request{
		JobID:        3,
		VMName:       "db",
		Paths:        artifacts(t, 3),
		PrimaryIndex: 1,
		Target:       Target{FlavorID: "m1.large", NetworkName: "public"},
	}
	rec := &model.DeploymentRecord{}
	require.NoError(t, o.Provision(context.Background(), req, rec, (&recorder{}).save))

	assert.Equal(t, []string{"vm-migrator-3-db", "vm-migrator-3-db-disk1", "vm-migrator-3-db-disk2"}, rec.ImageNames)
	assert.Equal(t, 1, rec.BootDiskIndex)
	assert.Equal(t, rec.VolumeIDs[1], rec.BootVolumeID)
	assert.Equal(t, "f-large", rec.FlavorID)
	assert.Equal(t, "n-ext", rec.NetworkID)

	require.Len(t, rec.AttachedVolumes, 3)
	for i, v := range rec.AttachedVolumes {
		assert.Equal(t, i, v.Index)
		assert.Equal(t, rec.VolumeIDs[i], v.VolumeID)
		assert.Equal(t, i == 1, v.Boot)
	}
	require.NoError(t, o.Verify(context.Background(), rec))
}

func TestProvisionResumesWithoutDuplicates(t *testing.T) {
	cloud := openstacktest.NewCloud()
	o := NewOrchestrator(cloud, testConfig(), log.NewNop())
	req := &Request{JobID: 1, VMName: "app", Paths: artifacts(t, 2), Target: Target{CPU: 1, RAM: 1024, ExtraDisksGB: []int{5}}}

	rec := &model.DeploymentRecord{}
	require.NoError(t, o.Provision(context.Background(), req, rec, (&recorder{}).save))
	first := *rec

	// a fresh record finds everything by name
	again := &model.DeploymentRecord{}
	require.NoError(t, o.Provision(context.Background(), req, again, (&recorder{}).save))
	assert.Equal(t, first.ImageIDs, again.ImageIDs)
	assert.Equal(t, first.VolumeIDs, again.VolumeIDs)
	assert.Equal(t, first.ServerID, again.ServerID)
	assert.Equal(t, first.ExtraVolumeIDs, again.ExtraVolumeIDs)
	assert.Equal(t, model.AttachStatusExisting, again.AttachedVolumes[1].Status)
	assert.Equal(t, model.AttachStatusExisting, again.AttachedVolumes[2].Status)

	assert.Equal(t, 2, cloud.Count("CreateImage"))
	assert.Equal(t, 3, cloud.Count("CreateVolume"))
	assert.Equal(t, 1, cloud.Count("CreateServer"))
	assert.Equal(t, 2, cloud.Count("AttachVolume"))
}

func TestProvisionRetriesTransientFailures(t *testing.T) {
	cloud := openstacktest.NewCloud()
	cloud.FailCreateImage = 2
	o := NewOrchestrator(cloud, testConfig(), log.NewNop())
	req := &Request{JobID: 1, VMName: "app", Paths: artifacts(t, 1), Target: Target{CPU: 1, RAM: 2048}}
	require.NoError(t, o.Provision(context.Background(), req, &model.DeploymentRecord{}, (&recorder{}).save))
	assert.Equal(t, 3, cloud.Count("CreateImage"))

	cloud = openstacktest.NewCloud()
	cloud.FailCreateImage = 3
	o = NewOrchestrator(cloud, testConfig(), log.NewNop())
	err := o.Provision(context.Background(), req, &model.DeploymentRecord{}, (&recorder{}).save)
	var de *DeploymentError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, err.Error(), "image create failed after 3 attempts")
	assert.Contains(t, err.Error(), "glance unavailable")
}

func TestProvisionFailsOnTerminalImageStatus(t *testing.T) {
	cloud := openstacktest.NewCloud()
	cloud.ImageFinalStatus = openstack.ImageStatusKilled
	o := NewOrchestrator(cloud, testConfig(), log.NewNop())
	req := &Request{JobID: 2, VMName: "app", Paths: artifacts(t, 1), Target: Target{CPU: 1, RAM: 2048}}
	rec := &model.DeploymentRecord{}
	r := &recorder{}

	err := o.Provision(context.Background(), req, rec, r.save)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entered terminal status 'killed'")
	// the image id was saved before the failure so rollback can find it
	assert.Len(t, r.last.ImageIDs, 1)
	assert.Equal(t, 1, cloud.Count("CreateImage"))
}

func TestProvisionFailsOnServerError(t *testing.T) {
	cloud := openstacktest.NewCloud()
	cloud.ServerFinalStatus = openstack.ServerStatusError
	o := NewOrchestrator(cloud, testConfig(), log.NewNop())
	req := &Request{JobID: 2, VMName: "app", Paths: artifacts(t, 1), Target: Target{CPU: 1, RAM: 2048}}
	rec := &model.DeploymentRecord{}
	r := &recorder{}

	err := o.Provision(context.Background(), req, rec, r.save)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entered ERROR state")
	assert.NotEmpty(t, r.last.ServerID)
	assert.Len(t, r.last.VolumeIDs, 1)
}

func TestProvisionRejectsBadInput(t *testing.T) {
	o := NewOrchestrator(openstacktest.NewCloud(), testConfig(), log.NewNop())
	save := (&recorder{}).save

	err := o.Provision(context.Background(), &Request{JobID: 1, VMName: "x"}, &model.DeploymentRecord{}, save)
	assert.EqualError(t, err, "Missing QCOW2 path in conversion metadata for OpenStack upload.")

	err = o.Provision(context.Background(), &Request{JobID: 1, VMName: "x", Paths: []string{"/a"}, DiskFormat: "vmdk"}, &model.DeploymentRecord{}, save)
	assert.EqualError(t, err, "Unsupported converted disk format 'vmdk'. Allowed: qcow2, raw.")

	err = o.Provision(context.Background(), &Request{JobID: 1, VMName: "x", Paths: []string{"/missing.qcow2"}, Target: Target{CPU: 1, RAM: 1}}, &model.DeploymentRecord{}, save)
	assert.Contains(t, err.Error(), "QCOW2 artifact not found for upload: /missing.qcow2")

	err = o.Provision(context.Background(), &Request{JobID: 1, VMName: "x", Paths: []string{"/a"}, Target: Target{FlavorID: "nope"}}, &model.DeploymentRecord{}, save)
	assert.EqualError(t, err, "Requested flavor 'nope' not found.")
}

func TestVerifyReportsVolumesNotInUse(t *testing.T) {
	cloud := openstacktest.NewCloud()
	o := NewOrchestrator(cloud, testConfig(), log.NewNop())
	req := &Request{JobID: 4, VMName: "app", Paths: artifacts(t, 2), Target: Target{CPU: 1, RAM: 2048}}
	rec := &model.DeploymentRecord{}
	require.NoError(t, o.Provision(context.Background(), req, rec, (&recorder{}).save))

	detached := rec.VolumeIDs[1]
	cloud.Detach(rec.ServerID, detached)

	err := o.Verify(context.Background(), rec)
	require.Error(t, err)
	assert.EqualError(t, err, "Post-migration disk attachment validation failed: ["+detached+"]")
	require.NotNil(t, rec.Validation)
	assert.False(t, rec.Validation.OK)
	assert.Equal(t, []string{detached}, rec.Validation.MissingOrNotInUse)
	assert.False(t, rec.Validation.Volumes[1].Attached)
	assert.Equal(t, openstack.VolumeStatusAvailable, rec.Validation.Volumes[1].Status)
	assert.Equal(t, openstack.ServerStatusActive, rec.ServerStatus)
}

func TestWaitServerGone(t *testing.T) {
	cloud := openstacktest.NewCloud()
	o := NewOrchestrator(cloud, testConfig(), log.NewNop())
	srv, err := cloud.CreateServer(context.Background(), openstack.CreateServerOpts{Name: "web"})
	require.NoError(t, err)

	cloud.ServerDeleteReads = 2
	require.NoError(t, cloud.DeleteServer(context.Background(), srv.ID))
	got, err := cloud.GetServer(context.Background(), srv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, o.WaitServerGone(context.Background(), srv.ID))
	_, _, servers := cloud.Resources()
	assert.Zero(t, servers)
}

func TestWaitServerGoneTimesOut(t *testing.T) {
	cloud := openstacktest.NewCloud()
	conf := testConfig()
	conf.VerifyTimeout = 5 * time.Millisecond
	o := NewOrchestrator(cloud, conf, log.NewNop())
	srv, err := cloud.CreateServer(context.Background(), openstack.CreateServerOpts{Name: "web"})
	require.NoError(t, err)

	err = o.WaitServerGone(context.Background(), srv.ID)
	var de *DeploymentError
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Msg, "to be deleted")
}

func TestDeleteVolumeForcesAttachedVolume(t *testing.T) {
	ctx := context.Background()
	cloud := openstacktest.NewCloud()
	o := NewOrchestrator(cloud, testConfig(), log.NewNop())
	idle, err := cloud.CreateVolume(ctx, openstack.CreateVolumeOpts{Name: "idle", SizeGB: 1})
	require.NoError(t, err)
	busy, err := cloud.CreateVolume(ctx, openstack.CreateVolumeOpts{Name: "busy", SizeGB: 1})
	require.NoError(t, err)
	_, err = cloud.CreateServer(ctx, openstack.CreateServerOpts{Name: "web", BootVolumeID: busy.ID})
	require.NoError(t, err)

	require.NoError(t, o.DeleteVolume(ctx, idle.ID))
	assert.Zero(t, cloud.Count("ForceDeleteVolume"))

	require.Error(t, cloud.DeleteVolume(ctx, busy.ID))
	require.NoError(t, o.DeleteVolume(ctx, busy.ID))
	assert.Equal(t, 1, cloud.Count("ForceDeleteVolume"))
	assert.Nil(t, cloud.Volume(busy.ID))
}

func TestVerifyRequiresServer(t *testing.T) {
	o := NewOrchestrator(openstacktest.NewCloud(), testConfig(), log.NewNop())
	assert.Error(t, o.Verify(context.Background(), &model.DeploymentRecord{}))
}
