package conversion

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vmmigrator/internal/model"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// spaceHeadroomPercent is the free space required per source byte, in
// percent.
const spaceHeadroomPercent = 115

var statfs = func(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// ValidateWorkstationPaths checks that every input disk is readable and that
// the output directory exists, is writable and has room for the converted
// disks. It creates the output directory.
func ValidateWorkstationPaths(inputDisks []string, outputPath string) *model.PathValidation {
	v := &model.PathValidation{OutputDir: filepath.Dir(outputPath)}

	for _, disk := range inputDisks {
		info, err := os.Stat(disk)
		if err != nil {
			v.Errors = append(v.Errors, "Missing disk path: "+disk)
			continue
		}
		v.InputBytes += info.Size()
		if unix.Access(disk, unix.R_OK) != nil {
			v.Errors = append(v.Errors, "Disk path is not readable: "+disk)
		}
	}

	if err := os.MkdirAll(v.OutputDir, 0o755); err != nil {
		v.Errors = append(v.Errors, fmt.Sprintf("Output directory permission error: %s (%v)", v.OutputDir, err))
	} else if unix.Access(v.OutputDir, unix.W_OK) != nil {
		v.Errors = append(v.Errors, "Output directory is not writable: "+v.OutputDir)
	} else {
		v.RequiredBytes = (v.InputBytes*spaceHeadroomPercent + 99) / 100
		free, err := statfs(v.OutputDir)
		if err == nil {
			v.AvailableBytes = int64(free)
			if v.RequiredBytes > 0 && v.AvailableBytes < v.RequiredBytes {
				v.Errors = append(v.Errors, fmt.Sprintf("Insufficient disk space in output directory: free=%s required~=%s",
					humanize.IBytes(free), humanize.IBytes(uint64(v.RequiredBytes))))
			}
		}
	}

	v.OK = len(v.Errors) == 0
	return v
}

// ValidationError converts a failed validation into a PlanningError.
func ValidationError(v *model.PathValidation) error {
	if v == nil || v.OK {
		return nil
	}
	return planningErrorf("Workstation path validation failed: %s", strings.Join(v.Errors, "; "))
}
