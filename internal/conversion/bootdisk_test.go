package conversion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"vmmigrator/pkg/command"
	mock_command "vmmigrator/test/mocks/command"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const inspectorXML = `<?xml version="1.0"?>
<operatingsystems>
  <operatingsystem>
    <name>linux</name>
    <distro>ubuntu</distro>
    <mountpoints>
      <mountpoint dev="/dev/sda2">/</mountpoint>
      <mountpoint dev="/dev/sda1">/boot</mountpoint>
      <mountpoint dev="/dev/sda2">/</mountpoint>
    </mountpoints>
  </operatingsystem>
</operatingsystems>`

func TestParseInspection(t *testing.T) {
	got := parseInspection(Inspection{Available: true}, inspectorXML)
	assert.True(t, got.HasOS)
	assert.True(t, got.HasRoot)
	assert.True(t, got.HasBoot)
	assert.Equal(t, 40+80+20+5, got.Score)
	assert.Equal(t, []string{"/", "/boot"}, got.Mountpoints)
	assert.Equal(t, []string{"linux"}, got.OSNames)

	empty := parseInspection(Inspection{Available: true}, `<operatingsystems/>`)
	assert.False(t, empty.HasOS)
	assert.Zero(t, empty.Score)

	bad := parseInspection(Inspection{Available: true}, "not xml")
	assert.Contains(t, bad.Error, "invalid XML")
}

func TestVirtInspector(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := mock_command.NewMockRunner(ctrl)

	runner.EXPECT().LookPath("virt-inspector").Return("", command.ErrNotFound)
	got := NewVirtInspector(runner, 0).Inspect(context.Background(), "/d/a.qcow2")
	assert.False(t, got.Available)

	runner.EXPECT().LookPath("virt-inspector").Return("/usr/bin/virt-inspector", nil)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, cmd command.Command) (*command.Result, error) {
			assert.Equal(t, []string{"-a", "/d/a.qcow2"}, cmd.Args)
			return &command.Result{Stdout: inspectorXML}, nil
		})
	got = NewVirtInspector(runner, 0).Inspect(context.Background(), "/d/a.qcow2")
	assert.True(t, got.Available)
	assert.Equal(t, 145, got.Score)

	runner.EXPECT().LookPath("virt-inspector").Return("/usr/bin/virt-inspector", nil)
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(&command.Result{ExitCode: 1, Stderr: " no guest "}, nil)
	got = NewVirtInspector(runner, 0).Inspect(context.Background(), "/d/a.qcow2")
	assert.Equal(t, "no guest", got.Error)
}

func sized(t *testing.T, dir, name string, size int) string {
	return writeFile(t, filepath.Join(dir, name), make([]byte, size))
}

func TestInferBootDiskSingleDisk(t *testing.T) {
	p := sized(t, t.TempDir(), "vm.qcow2", 4)
	idx, analysis := InferBootDisk(context.Background(), nil, []string{p}, "vm")
	assert.Equal(t, 0, idx)
	require.Len(t, analysis, 1)
	assert.Equal(t, []string{"single_disk"}, analysis[0].Reasons)
	assert.True(t, analysis[0].Primary)
}

func TestInferBootDiskPrefersRootFilesystem(t *testing.T) {
	dir := t.TempDir()
	data := sized(t, dir, "vm-sda.qcow2", 100)
	root := sized(t, dir, "vm-sdb.qcow2", 10)
	insp := fakeInspector{
		"vm-sda.qcow2": {Available: true},
		"vm-sdb.qcow2": {Available: true, HasOS: true, HasRoot: true, Score: 120},
	}

	idx, analysis := InferBootDisk(context.Background(), insp, []string{data, root}, "vm")
	assert.Equal(t, 1, idx)
	assert.Equal(t, 10, analysis[0].BootScore)
	assert.Equal(t, []string{"filename_sda"}, analysis[0].Reasons)
	assert.Equal(t, 120, analysis[1].BootScore)
	assert.Equal(t, []string{"operating_system", "root_mount"}, analysis[1].Reasons)
	assert.True(t, analysis[1].Primary)
	assert.False(t, analysis[0].Primary)
}

func TestInferBootDiskTieBreaks(t *testing.T) {
	dir := t.TempDir()
	small := sized(t, dir, "b.qcow2", 10)
	large := sized(t, dir, "c.qcow2", 50)
	insp := fakeInspector{
		"b.qcow2": {Available: true, HasOS: true, Score: 40},
		"c.qcow2": {Available: true, HasOS: true, Score: 40},
	}
	// both get 40; b is the heuristic primary (+5)
	idx, _ := InferBootDisk(context.Background(), insp, []string{small, large}, "vm")
	assert.Equal(t, 0, idx)

	// equal score and size: smaller path wins regardless of input order
	x := sized(t, dir, "x.qcow2", 10)
	y := sized(t, dir, "y.qcow2", 10)
	same := fakeInspector{
		"x.qcow2": {Available: true, Score: 40},
		"y.qcow2": {Available: true, Score: 40},
	}
	first := sized(t, dir, "a.qcow2", 1)
	same["a.qcow2"] = Inspection{Available: true}
	idx, _ = InferBootDisk(context.Background(), same, []string{first, y, x}, "vm")
	assert.Equal(t, 2, idx)

	// equal score, larger disk wins
	z := sized(t, dir, "z.qcow2", 99)
	same["z.qcow2"] = Inspection{Available: true, Score: 40}
	idx, _ = InferBootDisk(context.Background(), same, []string{first, x, z}, "vm")
	assert.Equal(t, 2, idx)
}

func TestInferBootDiskHeuristicFallback(t *testing.T) {
	dir := t.TempDir()
	a := sized(t, dir, "data.qcow2", 10)
	b := sized(t, dir, "vm.qcow2", 10)
	idx, analysis := InferBootDisk(context.Background(), nil, []string{a, b}, "vm")
	assert.Equal(t, 1, idx)
	assert.Contains(t, analysis[1].Reasons, "filename_primary_hint")
	assert.Contains(t, analysis[0].Reasons, "inspector_unavailable")
}

func TestFindOutputArtifacts(t *testing.T) {
	dir := t.TempDir()
	sized(t, dir, "web-sdb", 5)
	sized(t, dir, "web-sda", 5)
	sized(t, dir, "web.xml", 5)
	sized(t, dir, "other-sda", 5)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "web-dir"), 0o755))

	got, err := FindOutputArtifacts(filepath.Join(dir, "web.qcow2"), "web")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "web-sda.qcow2"), filepath.Join(dir, "web-sdb.qcow2")}, got)
	assert.NoFileExists(t, filepath.Join(dir, "web-sda"))

	_, err = FindOutputArtifacts(filepath.Join(dir, "none.qcow2"), "none")
	var ee *ExecutionError
	assert.True(t, errors.As(err, &ee))

	_, err = FindOutputArtifacts(filepath.Join(dir, "missing", "x.qcow2"), "x")
	assert.True(t, errors.As(err, &ee))
	assert.Contains(t, err.Error(), "Output directory not found")
}

func TestGlobEscape(t *testing.T) {
	assert.Equal(t, `vm\[1\]\*`, globEscape("vm[1]*"))
}
