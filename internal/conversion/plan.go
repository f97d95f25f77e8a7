package conversion

import (
	"path/filepath"
	"time"

	"vmmigrator/internal/model"

	"github.com/kballard/go-shellquote"
)

const (
	ModeDryRun = "dry-run"
	ModeReal   = "real"
)

// Plan is a side-effect free description of one conversion.
type Plan struct {
	Command     string
	CommandArgs []string
	// InputDisks keeps discovery order; it is the order of every artifact
	// derived from it.
	InputDisks []string
	OutputPath string
	Notes      []string
}

func newPlan(args, inputDisks []string, outputPath string, notes []string) *Plan {
	if inputDisks == nil {
		inputDisks = []string{}
	}
	if notes == nil {
		notes = []string{}
	}
	return &Plan{
		Command:     shellquote.Join(args...),
		CommandArgs: args,
		InputDisks:  inputDisks,
		OutputPath:  outputPath,
		Notes:       notes,
	}
}

// Record renders the plan as the conversion section of a job document.
func (p *Plan) Record(mode string, source model.VMSource) *model.PlanningRecord {
	now := time.Now()
	return &model.PlanningRecord{
		Mode:        mode,
		Source:      string(source),
		Command:     p.Command,
		CommandArgs: append([]string(nil), p.CommandArgs...),
		InputDisks:  append([]string{}, p.InputDisks...),
		OutputPath:  p.OutputPath,
		Notes:       append([]string{}, p.Notes...),
		PlannedAt:   &now,
	}
}

type Planner struct {
	outputDir string
}

func NewPlanner(outputDir string) *Planner {
	return &Planner{outputDir: filepath.Clean(outputDir)}
}

func (p *Planner) OutputDir() string {
	return p.outputDir
}

// Plan builds the plan for vm using the strategy of src.
func (p *Planner) Plan(vm *model.DiscoveredVM, src Source) (*Plan, error) {
	if vm == nil {
		return nil, planningErrorf("no discovered VM to plan")
	}
	if src == nil {
		return nil, planningErrorf("Unsupported VMware source '%s' for VM '%s'.", vm.Source, vm.Name)
	}
	if src.Kind() != vm.Source {
		return nil, planningErrorf("source strategy %s cannot plan %s VM '%s'", src.Kind(), vm.Source, vm.Name)
	}
	return src.Plan(vm, p.outputDir)
}

func outputPathFor(outputDir, vmName string) string {
	return filepath.Join(outputDir, model.SanitizeName(vmName)+".qcow2")
}

func localOutputArgs(outputDir, vmName string) []string {
	return []string{"-o", "local", "-os", outputDir, "-of", "qcow2", "-on", vmName}
}
