package task

import (
	"vmmigrator/pkg/log"
)

type Task struct {
	logger *log.Logger
}

func NewTask(
	logger *log.Logger,
) *Task {
	return &Task{
		logger: logger,
	}
}
