package conversion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"vmmigrator/internal/model"
)

// Source selects the planning and execution strategy for one kind of VMware
// source. The set of implementations is closed: WorkstationSource and
// RemoteHypervisorSource.
type Source interface {
	Kind() model.VMSource
	Plan(vm *model.DiscoveredVM, outputDir string) (*Plan, error)
	Execute(ctx context.Context, e *Executor, plan *Plan, vmName string) (*Result, error)
	isSource()
}

// WorkstationSource converts disks that are already local files.
type WorkstationSource struct{}

func (WorkstationSource) Kind() model.VMSource { return model.VMSourceWorkstation }

func (WorkstationSource) isSource() {}

func (WorkstationSource) Plan(vm *model.DiscoveredVM, outputDir string) (*Plan, error) {
	disks := vm.DiskPaths()
	if len(disks) == 0 {
		return nil, planningErrorf("No local VMDK paths available for workstation VM '%s'.", vm.Name)
	}

	var notes []string
	diskArgs := func() []string {
		return append([]string{"virt-v2v", "-i", "disk", disks[0]}, localOutputArgs(outputDir, vm.Name)...)
	}

	var args []string
	vmx := vm.VMXPath()
	switch {
	case vmx == "":
		args = diskArgs()
		if len(disks) > 1 {
			notes = append(notes, "vmx_path unavailable; fallback mode uses first disk only")
		}
	case isRegularFile(vmx):
		args = append([]string{"virt-v2v", "-i", "vmx", vmx}, localOutputArgs(outputDir, vm.Name)...)
		if len(disks) > 1 {
			notes = append(notes, "multi-disk VM detected; conversion uses VMX import to preserve all disks")
		}
	default:
		notes = append(notes, fmt.Sprintf("vmx_path not found (%s); falling back to first disk conversion", vmx))
		args = diskArgs()
		if len(disks) > 1 {
			notes = append(notes, "fallback mode uses first disk only")
		}
	}
	return newPlan(args, disks, outputPathFor(outputDir, vm.Name), notes), nil
}

// Execute converts every input disk with qemu-img. The recorded virt-v2v
// command is informational for this source.
func (WorkstationSource) Execute(ctx context.Context, e *Executor, plan *Plan, vmName string) (*Result, error) {
	return e.executeDiskPipeline(ctx, plan, vmName)
}

const (
	TransportLibvirt = ""
	TransportVDDK    = "vddk"
)

// RemoteHypervisorSource converts a VM reachable only through an ESXi
// management endpoint, using virt-v2v over libvirt esx:// or VDDK.
type RemoteHypervisorSource struct {
	URI            string
	PasswordFile   string
	Transport      string
	VDDKLibDir     string
	VDDKThumbprint string
	// Env is the full process environment for virt-v2v; nil inherits ours.
	Env []string
}

func (*RemoteHypervisorSource) Kind() model.VMSource { return model.VMSourceESXi }

func (*RemoteHypervisorSource) isSource() {}

func (s *RemoteHypervisorSource) Plan(vm *model.DiscoveredVM, outputDir string) (*Plan, error) {
	if s.URI == "" {
		return nil, planningErrorf("Missing esxi_uri for ESXi conversion planning.")
	}

	args := []string{"virt-v2v", "-i", "libvirt", "-ic", s.URI}
	if s.PasswordFile != "" {
		args = append(args, "-ip", s.PasswordFile)
	}
	notes := []string{"esxi conversion via libvirt esx:// (requires VM powered off for safety)"}
	if s.Transport == TransportVDDK {
		if s.VDDKLibDir == "" || s.VDDKThumbprint == "" {
			return nil, planningErrorf("VDDK transport requires vddk_libdir and vddk_thumbprint.")
		}
		args = append(args,
			"-it", "vddk",
			"-io", "vddk-libdir="+s.VDDKLibDir,
			"-io", "vddk-thumbprint="+s.VDDKThumbprint,
		)
		notes = []string{"esxi conversion via VDDK (requires nbdkit-vddk-plugin; VM powered off)"}
	}
	args = append(args, vm.Name)
	args = append(args, localOutputArgs(outputDir, vm.Name)...)
	return newPlan(args, nil, outputPathFor(outputDir, vm.Name), notes), nil
}

func (s *RemoteHypervisorSource) Execute(ctx context.Context, e *Executor, plan *Plan, vmName string) (*Result, error) {
	return e.executeExternalTool(ctx, plan, vmName, s.Env)
}

func isRegularFile(p string) bool {
	info, err := os.Stat(filepath.Clean(p))
	return err == nil && info.Mode().IsRegular()
}
