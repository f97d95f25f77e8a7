package deployment

import (
	"errors"
	"testing"

	"vmmigrator/internal/model"
	"vmmigrator/pkg/openstack"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectFlavor(t *testing.T) {
	flavors := []openstack.Flavor{
		{ID: "1", Name: "z.exact", VCPUs: 2, RAMMB: 4096},
		{ID: "2", Name: "a.exact", VCPUs: 2, RAMMB: 4096},
		{ID: "3", Name: "big", VCPUs: 8, RAMMB: 16384, DiskGB: 10},
		{ID: "4", Name: "mid-b", VCPUs: 4, RAMMB: 8192, DiskGB: 40},
		{ID: "5", Name: "mid-a", VCPUs: 4, RAMMB: 8192, DiskGB: 20},
		{ID: "6", Name: "tiny", VCPUs: 1, RAMMB: 512},
	}

	f, err := SelectFlavor(flavors, 2, 4096)
	require.NoError(t, err)
	assert.Equal(t, "2", f.ID)

	f, err = SelectFlavor(flavors, 3, 6000)
	require.NoError(t, err)
	assert.Equal(t, "5", f.ID)

	_, err = SelectFlavor(flavors, 16, 1024)
	assert.EqualError(t, err, "No suitable flavor found for cpu=16, ram_mb=1024.")

	_, err = SelectFlavor(flavors, 0, 1024)
	var de *DeploymentError
	assert.True(t, errors.As(err, &de))

	_, err = SelectFlavor(nil, 1, 1024)
	assert.EqualError(t, err, "No flavors available in OpenStack project.")
}

func TestSelectNetwork(t *testing.T) {
	networks := []openstack.Network{
		{ID: "n1", Name: "zeta"},
		{ID: "n2", Name: "alpha", External: true},
		{ID: "n3", Name: "beta"},
		{ID: "n4", Name: "dup"},
		{ID: "n5", Name: "dup"},
	}

	n, err := SelectNetwork(networks, "n2", "zeta")
	require.NoError(t, err)
	assert.Equal(t, "n2", n.ID)

	n, err = SelectNetwork(networks, "", "zeta")
	require.NoError(t, err)
	assert.Equal(t, "n1", n.ID)

	n, err = SelectNetwork(networks, "", "")
	require.NoError(t, err)
	assert.Equal(t, "n3", n.ID)

	n, err = SelectNetwork([]openstack.Network{{ID: "e2", Name: "b", External: true}, {ID: "e1", Name: "a", External: true}}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "e1", n.ID)

	_, err = SelectNetwork(networks, "", "dup")
	assert.Contains(t, err.Error(), "ambiguous")
	_, err = SelectNetwork(networks, "", "missing")
	assert.EqualError(t, err, "Preferred network 'missing' not found.")
	_, err = SelectNetwork(networks, "n9", "")
	assert.EqualError(t, err, "Requested network id 'n9' not found.")
	_, err = SelectNetwork(nil, "", "")
	assert.EqualError(t, err, "No networks available for server boot.")
}

func TestVolumeSizeGB(t *testing.T) {
	assert.Equal(t, 1, VolumeSizeGB(nil))
	assert.Equal(t, 1, VolumeSizeGB(&openstack.Image{}))
	assert.Equal(t, 1, VolumeSizeGB(&openstack.Image{VirtualSize: gib}))
	assert.Equal(t, 2, VolumeSizeGB(&openstack.Image{VirtualSize: gib + 1}))
	assert.Equal(t, 3, VolumeSizeGB(&openstack.Image{Size: 2*gib + 5}))
	assert.Equal(t, 20, VolumeSizeGB(&openstack.Image{VirtualSize: gib, MinDisk: 20}))
}

func TestNames(t *testing.T) {
	n := NewNames("vm-migrator", 42, " my vm! ")
	assert.Equal(t, "vm-migrator-42-my-vm", n.Image(0))
	assert.Equal(t, "vm-migrator-42-my-vm-disk2", n.Image(2))
	assert.Equal(t, "vm-migrator-42-my-vm", n.Server())
	assert.Equal(t, "vm-migrator-42-my-vm-disk0", n.Volume(0))
	assert.Equal(t, "vm-migrator-42-my-vm-extra1", n.ExtraVolume(1))
}

func TestResolveTarget(t *testing.T) {
	vm := &model.DiscoveredVM{CPU: 2, RAM: 4096}

	got, err := ResolveTarget(nil, vm)
	require.NoError(t, err)
	assert.Equal(t, Target{CPU: 2, RAM: 4096}, got)

	got, err = ResolveTarget(&model.RequestedSpec{
		CPU:          8,
		RAM:          -1,
		FlavorID:     "  ",
		ExtraDisksGB: []int{10, 0, -5, 20},
		Network:      &model.NetworkOverride{NetworkName: " lan ", FixedIP: "10.0.0.5"},
	}, vm)
	require.NoError(t, err)
	assert.Equal(t, Target{CPU: 8, RAM: 4096, NetworkName: "lan", FixedIP: "10.0.0.5", ExtraDisksGB: []int{10, 20}}, got)

	_, err = ResolveTarget(&model.RequestedSpec{DiskLayoutMode: "concat"}, vm)
	assert.EqualError(t, err, model.DiskMergeForbidden)
}
