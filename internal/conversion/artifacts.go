package conversion

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/duke-git/lancet/v2/slice"
)

// FindOutputArtifacts locates the disks virt-v2v wrote for vmName next to
// outputPath. virt-v2v names disks itself ({vm}-sda, {vm}-sdb, ...), so the
// directory is globbed rather than trusting outputPath. Files without an
// extension are renamed to .qcow2. The result is sorted by file name.
func FindOutputArtifacts(outputPath, vmName string) ([]string, error) {
	outputDir := filepath.Dir(outputPath)
	if info, err := os.Stat(outputDir); err != nil || !info.IsDir() {
		return nil, executionErrorf("Output directory not found after conversion: %s", outputDir)
	}

	var candidates []string
	if isRegularFile(outputPath) {
		candidates = append(candidates, outputPath)
	}
	escaped := globEscape(vmName)
	for _, pattern := range []string{escaped + "*.qcow2", escaped + "-sd*", escaped + "*"} {
		matches, err := filepath.Glob(filepath.Join(outputDir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !isRegularFile(m) || strings.EqualFold(filepath.Ext(m), ".xml") {
				continue
			}
			candidates = append(candidates, m)
		}
	}

	normalized := make([]string, 0, len(candidates))
	for _, c := range candidates {
		normalized = append(normalized, normalizeArtifactPath(c))
	}
	unique := slice.Unique(normalized)
	if len(unique) == 0 {
		return nil, executionErrorf("No QCOW2 output found in %s for VM '%s' after conversion.", outputDir, vmName)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		return filepath.Base(unique[i]) < filepath.Base(unique[j])
	})
	return unique, nil
}

func normalizeArtifactPath(p string) string {
	if filepath.Ext(p) != "" {
		return p
	}
	renamed := p + ".qcow2"
	if _, err := os.Stat(renamed); err == nil {
		return renamed
	}
	if err := os.Rename(p, renamed); err != nil {
		return p
	}
	return renamed
}

func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
