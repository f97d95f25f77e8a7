package conversion

import (
	"context"
	"encoding/xml"
	"sort"
	"strings"
	"time"

	"vmmigrator/pkg/command"

	"github.com/duke-git/lancet/v2/slice"
)

// Score weights for OS inspection and file names. The root mount dominates;
// file name hints only break ties between otherwise equal disks.
const (
	scoreOperatingSystem = 40
	scoreRootMount       = 80
	scoreBootMount       = 20
	scoreOSName          = 5
	scoreSDAName         = 10
	scorePrimaryName     = 5
)

type Inspection struct {
	Available   bool
	HasOS       bool
	HasRoot     bool
	HasBoot     bool
	Score       int
	Mountpoints []string
	OSNames     []string
	Error       string
}

// Inspector looks inside a converted disk. An unavailable tool is reported
// through Inspection.Available, not as an error.
type Inspector interface {
	Inspect(ctx context.Context, path string) Inspection
}

type VirtInspector struct {
	runner  command.Runner
	binary  string
	timeout time.Duration
}

func NewVirtInspector(runner command.Runner, timeout time.Duration) *VirtInspector {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &VirtInspector{runner: runner, binary: "virt-inspector", timeout: timeout}
}

type inspectorDocument struct {
	OperatingSystems []struct {
		Name        string   `xml:"name"`
		Mountpoints []string `xml:"mountpoints>mountpoint"`
	} `xml:"operatingsystem"`
}

func (v *VirtInspector) Inspect(ctx context.Context, path string) Inspection {
	var result Inspection
	if _, err := v.runner.LookPath(v.binary); err != nil {
		return result
	}
	result.Available = true

	res, err := v.runner.Run(ctx, command.Command{Name: v.binary, Args: []string{"-a", path}, Timeout: v.timeout})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		if len(msg) > 500 {
			msg = msg[:500]
		}
		result.Error = msg
		return result
	}
	return parseInspection(result, res.Stdout)
}

func parseInspection(result Inspection, out string) Inspection {
	var doc inspectorDocument
	if err := xml.Unmarshal([]byte(out), &doc); err != nil {
		result.Error = "invalid XML: " + err.Error()
		return result
	}
	if len(doc.OperatingSystems) == 0 {
		return result
	}

	var best []string
	names := map[string]struct{}{}
	for _, osNode := range doc.OperatingSystems {
		name := strings.TrimSpace(osNode.Name)
		if name != "" {
			names[name] = struct{}{}
		}
		var mounts []string
		for _, m := range osNode.Mountpoints {
			if m = strings.TrimSpace(m); m != "" {
				mounts = append(mounts, m)
			}
		}
		hasRoot, hasBoot := false, false
		for _, m := range mounts {
			switch m {
			case "/":
				hasRoot = true
			case "/boot", "/boot/efi":
				hasBoot = true
			}
		}

		score := scoreOperatingSystem
		if hasRoot {
			score += scoreRootMount
		}
		if hasBoot {
			score += scoreBootMount
		}
		if name != "" {
			score += scoreOSName
		}
		if score > result.Score {
			result.Score = score
			best = mounts
		}
		result.HasRoot = result.HasRoot || hasRoot
		result.HasBoot = result.HasBoot || hasBoot
	}

	result.HasOS = true
	result.Mountpoints = uniqueSorted(best)
	result.OSNames = make([]string, 0, len(names))
	for n := range names {
		result.OSNames = append(result.OSNames, n)
	}
	sort.Strings(result.OSNames)
	return result
}

func uniqueSorted(in []string) []string {
	out := slice.Unique(append([]string{}, in...))
	sort.Strings(out)
	return out
}
