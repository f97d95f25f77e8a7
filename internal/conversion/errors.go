package conversion

import "fmt"

// PlanningError reports bad or missing input detected before any side
// effect.
type PlanningError struct {
	Msg string
}

func (e *PlanningError) Error() string {
	return e.Msg
}

func planningErrorf(format string, args ...interface{}) error {
	return &PlanningError{Msg: fmt.Sprintf(format, args...)}
}

// ExecutionError is a fatal pipeline failure. ExitCode is -1 when no tool
// exited on its own. PartialOutputs lists artifacts written before the
// failure so rollback can remove them.
type ExecutionError struct {
	Msg            string
	ExitCode       int
	Stdout         string
	Stderr         string
	PartialOutputs []string
	Err            error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func executionErrorf(format string, args ...interface{}) *ExecutionError {
	return &ExecutionError{Msg: fmt.Sprintf(format, args...), ExitCode: -1}
}
