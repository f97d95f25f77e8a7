package deployment

import (
	"fmt"
	"sort"
	"strings"

	"vmmigrator/internal/model"
	"vmmigrator/pkg/openstack"
)

const gib = 1 << 30

// Target is the effective cloud shape for one job: requested overrides
// layered over what discovery reported.
type Target struct {
	FlavorID     string
	CPU          int
	RAM          int
	NetworkID    string
	NetworkName  string
	FixedIP      string
	ExtraDisksGB []int
}

// ResolveTarget merges the requested overrides with the discovered VM.
// Non-positive sizes are ignored.
func ResolveTarget(spec *model.RequestedSpec, vm *model.DiscoveredVM) (Target, error) {
	if spec.MergeRequested() {
		return Target{}, deploymentErrorf(nil, model.DiskMergeForbidden)
	}
	var t Target
	if vm != nil {
		t.CPU, t.RAM = vm.CPU, vm.RAM
	}
	if spec == nil {
		return t, nil
	}
	t.FlavorID = strings.TrimSpace(spec.FlavorID)
	if spec.CPU > 0 {
		t.CPU = spec.CPU
	}
	if spec.RAM > 0 {
		t.RAM = spec.RAM
	}
	if n := spec.Network; n != nil {
		t.NetworkID = strings.TrimSpace(n.NetworkID)
		t.NetworkName = strings.TrimSpace(n.NetworkName)
		t.FixedIP = strings.TrimSpace(n.FixedIP)
	}
	for _, size := range spec.ExtraDisksGB {
		if size > 0 {
			t.ExtraDisksGB = append(t.ExtraDisksGB, size)
		}
	}
	return t, nil
}

// SelectFlavor prefers an exact vCPU and RAM match, then the smallest
// flavor that covers both.
func SelectFlavor(flavors []openstack.Flavor, cpu, ramMB int) (*openstack.Flavor, error) {
	if cpu <= 0 || ramMB <= 0 {
		return nil, deploymentErrorf(nil, "VM CPU/RAM values are required for flavor mapping. Received cpu=%d, ram=%d.", cpu, ramMB)
	}
	if len(flavors) == 0 {
		return nil, deploymentErrorf(nil, "No flavors available in OpenStack project.")
	}

	var exact, sufficient []openstack.Flavor
	for _, f := range flavors {
		if f.VCPUs == cpu && f.RAMMB == ramMB {
			exact = append(exact, f)
		}
		if f.VCPUs >= cpu && f.RAMMB >= ramMB {
			sufficient = append(sufficient, f)
		}
	}
	if len(exact) > 0 {
		sort.SliceStable(exact, func(i, j int) bool { return exact[i].Name < exact[j].Name })
		return &exact[0], nil
	}
	if len(sufficient) == 0 {
		return nil, deploymentErrorf(nil, "No suitable flavor found for cpu=%d, ram_mb=%d.", cpu, ramMB)
	}
	sort.SliceStable(sufficient, func(i, j int) bool {
		a, b := sufficient[i], sufficient[j]
		if a.VCPUs != b.VCPUs {
			return a.VCPUs < b.VCPUs
		}
		if a.RAMMB != b.RAMMB {
			return a.RAMMB < b.RAMMB
		}
		if a.DiskGB != b.DiskGB {
			return a.DiskGB < b.DiskGB
		}
		return a.Name < b.Name
	})
	return &sufficient[0], nil
}

// SelectNetwork resolves an explicit id, then an explicit name, then the
// first internal network by name, then the first network of any kind.
func SelectNetwork(networks []openstack.Network, id, name string) (*openstack.Network, error) {
	if len(networks) == 0 {
		return nil, deploymentErrorf(nil, "No networks available for server boot.")
	}
	if id != "" {
		for i := range networks {
			if networks[i].ID == id {
				return &networks[i], nil
			}
		}
		return nil, deploymentErrorf(nil, "Requested network id '%s' not found.", id)
	}
	if name != "" {
		var matches []openstack.Network
		for _, n := range networks {
			if n.Name == name {
				matches = append(matches, n)
			}
		}
		switch len(matches) {
		case 0:
			return nil, deploymentErrorf(nil, "Preferred network '%s' not found.", name)
		case 1:
			return &matches[0], nil
		default:
			return nil, deploymentErrorf(nil, "Preferred network name '%s' is ambiguous (%d matches); use network_id.", name, len(matches))
		}
	}

	sorted := append([]openstack.Network(nil), networks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i := range sorted {
		if !sorted[i].External {
			return &sorted[i], nil
		}
	}
	return &sorted[0], nil
}

// VolumeSizeGB is the size for a volume created from img: the virtual size
// rounded up to whole GiB, never below the image's min_disk or 1 GiB.
func VolumeSizeGB(img *openstack.Image) int {
	size := 1
	if img == nil {
		return size
	}
	bytes := img.VirtualSize
	if bytes <= 0 {
		bytes = img.Size
	}
	if bytes > 0 {
		size = int((bytes + gib - 1) / gib)
	}
	if img.MinDisk > size {
		size = img.MinDisk
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Names derives the deterministic resource names for one job.
type Names struct {
	Base string
}

func NewNames(prefix string, jobID int64, vmName string) Names {
	return Names{Base: fmt.Sprintf("%s-%d-%s", prefix, jobID, model.SanitizeName(vmName))}
}

// Image is the image name for disk i; disk 0 carries the bare name.
func (n Names) Image(i int) string {
	if i == 0 {
		return n.Base
	}
	return fmt.Sprintf("%s-disk%d", n.Base, i)
}

func (n Names) Server() string {
	return n.Base
}

func (n Names) Volume(i int) string {
	return fmt.Sprintf("%s-disk%d", n.Base, i)
}

// ExtraVolume names the i-th requested empty volume, counting from 1.
func (n Names) ExtraVolume(i int) string {
	return fmt.Sprintf("%s-extra%d", n.Base, i)
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	return out
}
