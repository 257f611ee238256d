package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/binding-engine/internal/domain"
)

// TaskMessage asks a worker to run (or resume) a batch task.
type TaskMessage struct {
	TaskID        string          `json:"taskId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Type          domain.TaskType `json:"type"`
	Resumed       bool            `json:"resumed,omitempty"`
}

func (m TaskMessage) Validate() error {
	if strings.TrimSpace(m.TaskID) == "" {
		return fmt.Errorf("taskId is required")
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid task type %q", m.Type)
	}
	return nil
}
