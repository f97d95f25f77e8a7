package conversion

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"vmmigrator/internal/model"

	"golang.org/x/sys/unix"
)

type ESXiConfig struct {
	Host               string `mapstructure:"host"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Insecure           bool   `mapstructure:"insecure"`
	Transport          string `mapstructure:"transport"`
	VDDKLibDir         string `mapstructure:"vddk_libdir"`
	VDDKThumbprint     string `mapstructure:"vddk_thumbprint"`
	NbdkitBin          string `mapstructure:"nbdkit_bin"`
	NbdkitPluginPath   string `mapstructure:"nbdkit_plugin_path"`
	NbdkitFilterPath   string `mapstructure:"nbdkit_filter_path"`
	RequireNoSnapshots bool   `mapstructure:"require_no_snapshots"`
}

// BuildESXiURI renders the libvirt ESX driver URI. The user name is fully
// percent-encoded.
func BuildESXiURI(host, username string, insecure bool) (string, error) {
	host = strings.TrimSpace(host)
	username = strings.TrimSpace(username)
	if host == "" || username == "" {
		return "", planningErrorf("esxi host and username are required for ESXi conversion.")
	}
	user := strings.ReplaceAll(url.QueryEscape(username), "+", "%20")
	uri := fmt.Sprintf("esx://%s@%s", user, host)
	if insecure {
		uri += "?no_verify=1"
	}
	return uri, nil
}

// CheckESXiGuardrails refuses VMs that are not safe to convert from a
// remote hypervisor.
func CheckESXiGuardrails(vm *model.DiscoveredVM, conf ESXiConfig) error {
	if !vm.PoweredOff() {
		return planningErrorf("ESXi VM '%s' must be powered off before conversion (power_state=%q).", vm.Name, vm.PowerState)
	}
	if conf.RequireNoSnapshots && vm.HasSnapshots() {
		return planningErrorf("ESXi VM '%s' has snapshots; consolidate or remove them before conversion.", vm.Name)
	}
	return nil
}

// CheckKernelReadable fails when libguestfs cannot read the running
// kernel image, which makes virt-v2v exit before converting anything.
func CheckKernelReadable() error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil
	}
	kernel := filepath.Join("/boot", "vmlinuz-"+unix.ByteSliceToString(uts.Release[:]))
	if _, err := os.Stat(kernel); err != nil {
		return nil
	}
	if unix.Access(kernel, unix.R_OK) != nil {
		return planningErrorf("libguestfs cannot read host kernel image: %s. Fix permissions (example): sudo chmod 0644 %s", kernel, kernel)
	}
	return nil
}

// WritePasswordFile stores the ESXi password for virt-v2v -ip with owner-only
// permissions.
func WritePasswordFile(dir, password string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	p := filepath.Join(dir, "esxi.password")
	if err := os.WriteFile(p, []byte(password), 0o600); err != nil {
		return "", err
	}
	return p, os.Chmod(p, 0o600)
}

// VDDKEnv returns base with the search paths nbdkit needs for the VDDK
// transport prepended. Other transports get base unchanged.
func (c ESXiConfig) VDDKEnv(base []string) []string {
	if strings.ToLower(strings.TrimSpace(c.Transport)) != TransportVDDK {
		return base
	}
	env := envMap(base)

	nbdkitDir := ""
	if c.NbdkitBin != "" {
		if abs, err := filepath.Abs(c.NbdkitBin); err == nil {
			nbdkitDir = filepath.Dir(abs)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".local", "bin", "nbdkit")
		if _, err := os.Stat(candidate); err == nil {
			nbdkitDir = filepath.Dir(candidate)
		}
	}
	if nbdkitDir != "" {
		env.prepend("PATH", nbdkitDir)
	}
	if c.NbdkitPluginPath != "" {
		env.set("NBDKIT_PLUGIN_PATH", c.NbdkitPluginPath)
	}
	if c.NbdkitFilterPath != "" {
		env.set("NBDKIT_FILTER_PATH", c.NbdkitFilterPath)
	}
	if c.VDDKLibDir != "" {
		env.prepend("LD_LIBRARY_PATH", filepath.Join(c.VDDKLibDir, "lib64"))
	}
	return env.list()
}

// NewSource builds the strategy for vm. For ESXi VMs the password file is
// written under workDir, which the caller records for rollback.
func NewSource(vm *model.DiscoveredVM, conf ESXiConfig, workDir string) (Source, error) {
	switch vm.Source {
	case model.VMSourceWorkstation:
		return WorkstationSource{}, nil
	case model.VMSourceESXi:
		uri, err := BuildESXiURI(conf.Host, conf.Username, conf.Insecure)
		if err != nil {
			return nil, err
		}
		src := &RemoteHypervisorSource{
			URI:            uri,
			Transport:      strings.ToLower(strings.TrimSpace(conf.Transport)),
			VDDKLibDir:     conf.VDDKLibDir,
			VDDKThumbprint: conf.VDDKThumbprint,
			Env:            conf.VDDKEnv(os.Environ()),
		}
		if conf.Password != "" {
			p, err := WritePasswordFile(workDir, conf.Password)
			if err != nil {
				return nil, fmt.Errorf("write esxi password file: %w", err)
			}
			src.PasswordFile = p
		}
		return src, nil
	}
	return nil, planningErrorf("Unsupported VMware source '%s' for VM '%s'.", vm.Source, vm.Name)
}

type environ struct {
	keys   []string
	values map[string]string
}

func envMap(base []string) *environ {
	e := &environ{values: make(map[string]string, len(base))}
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		e.set(k, v)
	}
	return e
}

func (e *environ) set(k, v string) {
	if _, ok := e.values[k]; !ok {
		e.keys = append(e.keys, k)
	}
	e.values[k] = v
}

func (e *environ) prepend(k, dir string) {
	if cur := e.values[k]; cur != "" {
		e.set(k, dir+":"+cur)
		return
	}
	e.set(k, dir)
}

func (e *environ) list() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.values[k])
	}
	return out
}
