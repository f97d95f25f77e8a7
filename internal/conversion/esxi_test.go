package conversion

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vmmigrator/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestBuildESXiURI(t *testing.T) {
	uri, err := BuildESXiURI(" esx1.lab ", "DOMAIN\\admin user", true)
	require.NoError(t, err)
	assert.Equal(t, "esx://DOMAIN%5Cadmin%20user@esx1.lab?no_verify=1", uri)

	uri, err = BuildESXiURI("esx1", "root@vsphere.local", false)
	require.NoError(t, err)
	assert.Equal(t, "esx://root%40vsphere.local@esx1", uri)

	_, err = BuildESXiURI("", "root", false)
	var pe *PlanningError
	assert.True(t, errors.As(err, &pe))
}

func TestCheckESXiGuardrails(t *testing.T) {
	vm := &model.DiscoveredVM{Name: "web", Source: model.VMSourceESXi, PowerState: "poweredOn"}
	err := CheckESXiGuardrails(vm, ESXiConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be powered off")

	vm.PowerState = "poweredOff"
	vm.Metadata = datatypes.JSON(`{"has_snapshots": true}`)
	assert.NoError(t, CheckESXiGuardrails(vm, ESXiConfig{}))
	err = CheckESXiGuardrails(vm, ESXiConfig{RequireNoSnapshots: true})
	assert.Contains(t, err.Error(), "has snapshots")
}

func TestVDDKEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/op", "LD_LIBRARY_PATH=/lib"}
	assert.Equal(t, base, ESXiConfig{}.VDDKEnv(base))

	conf := ESXiConfig{
		Transport:        TransportVDDK,
		NbdkitBin:        "/opt/nbdkit/bin/nbdkit",
		NbdkitPluginPath: "/opt/nbdkit/plugins",
		VDDKLibDir:       "/opt/vddk",
	}
	assert.Equal(t, []string{
		"PATH=/opt/nbdkit/bin:/usr/bin",
		"HOME=/home/op",
		"LD_LIBRARY_PATH=/opt/vddk/lib64:/lib",
		"NBDKIT_PLUGIN_PATH=/opt/nbdkit/plugins",
	}, conf.VDDKEnv(base))
}

func TestNewSource(t *testing.T) {
	src, err := NewSource(&model.DiscoveredVM{Name: "a", Source: model.VMSourceWorkstation}, ESXiConfig{}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, model.VMSourceWorkstation, src.Kind())

	work := filepath.Join(t.TempDir(), "job-1")
	src, err = NewSource(&model.DiscoveredVM{Name: "b", Source: model.VMSourceESXi},
		ESXiConfig{Host: "esx1", Username: "root", Password: "s3cret", Transport: " VDDK "}, work)
	require.NoError(t, err)
	remote, ok := src.(*RemoteHypervisorSource)
	require.True(t, ok)
	assert.Equal(t, "esx://root@esx1", remote.URI)
	assert.Equal(t, TransportVDDK, remote.Transport)

	data, err := os.ReadFile(remote.PasswordFile)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(data))
	info, err := os.Stat(remote.PasswordFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.True(t, strings.HasPrefix(remote.PasswordFile, work))

	_, err = NewSource(&model.DiscoveredVM{Name: "c", Source: "hyperv"}, ESXiConfig{}, work)
	var pe *PlanningError
	assert.True(t, errors.As(err, &pe))
}

func TestValidateWorkstationPaths(t *testing.T) {
	dir := t.TempDir()
	disk := writeFile(t, filepath.Join(dir, "a.vmdk"), make([]byte, 100))
	out := filepath.Join(dir, "out", "vm.qcow2")

	v := ValidateWorkstationPaths([]string{disk}, out)
	assert.True(t, v.OK)
	assert.Equal(t, int64(100), v.InputBytes)
	assert.Equal(t, int64(115), v.RequiredBytes)
	assert.DirExists(t, filepath.Join(dir, "out"))
	assert.NoError(t, ValidationError(v))

	v = ValidateWorkstationPaths([]string{disk, filepath.Join(dir, "gone.vmdk")}, out)
	assert.False(t, v.OK)
	assert.Equal(t, []string{"Missing disk path: " + filepath.Join(dir, "gone.vmdk")}, v.Errors)
	assert.EqualError(t, ValidationError(v), "Workstation path validation failed: Missing disk path: "+filepath.Join(dir, "gone.vmdk"))
}

func TestValidateWorkstationPathsInsufficientSpace(t *testing.T) {
	orig := statfs
	statfs = func(string) (uint64, error) { return 10, nil }
	t.Cleanup(func() { statfs = orig })

	dir := t.TempDir()
	disk := writeFile(t, filepath.Join(dir, "a.vmdk"), make([]byte, 100))
	v := ValidateWorkstationPaths([]string{disk}, filepath.Join(dir, "vm.qcow2"))
	assert.False(t, v.OK)
	require.Len(t, v.Errors, 1)
	assert.Contains(t, v.Errors[0], "Insufficient disk space")
}
