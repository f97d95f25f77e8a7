package conversion

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"vmmigrator/internal/model"

	"golang.org/x/sync/errgroup"
)

type bootCandidate struct {
	index      int
	path       string
	size       int64
	score      int
	inspection Inspection
	nameScore  int
}

// InferBootDisk picks the converted disk that most likely holds the OS.
// Disk order is never changed; only the primary index is chosen. The winner
// has the highest score, then the largest size, then the smallest path. When
// nothing scores above zero the file name heuristic decides.
func InferBootDisk(ctx context.Context, inspector Inspector, paths []string, vmName string) (int, []model.DiskAnalysis) {
	if len(paths) == 0 {
		return 0, nil
	}
	if len(paths) == 1 {
		return 0, []model.DiskAnalysis{{
			Index:      0,
			OutputPath: paths[0],
			SizeBytes:  fileSize(paths[0]),
			BootScore:  1,
			Reasons:    []string{"single_disk"},
			Primary:    true,
		}}
	}

	heuristic := heuristicPrimary(paths, vmName)
	candidates := make([]bootCandidate, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		i, p := i, p
		candidates[i] = bootCandidate{index: i, path: p, size: fileSize(p)}
		if inspector == nil {
			continue
		}
		g.Go(func() error {
			candidates[i].inspection = inspector.Inspect(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	for i := range candidates {
		c := &candidates[i]
		switch {
		case hasSDASuffix(c.path):
			c.nameScore = scoreSDAName
		case c.index == heuristic:
			c.nameScore = scorePrimaryName
		}
		c.score = c.inspection.Score + c.nameScore
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if better(candidates[i], candidates[best]) {
			best = i
		}
	}
	primary := candidates[best].index
	if candidates[best].score <= 0 {
		primary = heuristic
	}

	analysis := make([]model.DiskAnalysis, len(candidates))
	for i, c := range candidates {
		analysis[i] = model.DiskAnalysis{
			Index:      c.index,
			OutputPath: c.path,
			SizeBytes:  c.size,
			BootScore:  c.score,
			Reasons:    c.reasons(),
			Primary:    c.index == primary,
		}
	}
	return primary, analysis
}

func better(a, b bootCandidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.size != b.size {
		return a.size > b.size
	}
	return a.path < b.path
}

func (c bootCandidate) reasons() []string {
	var r []string
	in := c.inspection
	switch {
	case !in.Available:
		r = append(r, "inspector_unavailable")
	case in.Error != "":
		r = append(r, "inspect_error: "+in.Error)
	}
	if in.HasOS {
		r = append(r, "operating_system")
	}
	if in.HasRoot {
		r = append(r, "root_mount")
	}
	if in.HasBoot {
		r = append(r, "boot_mount")
	}
	for _, n := range in.OSNames {
		r = append(r, "os_name:"+n)
	}
	switch c.nameScore {
	case scoreSDAName:
		r = append(r, "filename_sda")
	case scorePrimaryName:
		r = append(r, "filename_primary_hint")
	}
	return r
}

// heuristicPrimary prefers a first-SCSI-disk name, then {vm}.qcow2, then the
// first disk.
func heuristicPrimary(paths []string, vmName string) int {
	for i, p := range paths {
		if hasSDASuffix(p) {
			return i
		}
	}
	for i, p := range paths {
		if filepath.Base(p) == vmName+".qcow2" {
			return i
		}
	}
	return 0
}

func hasSDASuffix(p string) bool {
	base := filepath.Base(p)
	return strings.HasSuffix(base, "-sda") || strings.HasSuffix(base, "-sda.qcow2")
}

func fileSize(p string) int64 {
	info, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return info.Size()
}
