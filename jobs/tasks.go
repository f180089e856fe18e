package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACScopeSweep removes role assignments whose scope entity was deleted.
	TaskRBACScopeSweep = "rbac:scope_sweep"
)

// ScopeSweepUniqueTTL bounds how long a queued sweep blocks another one from
// the same trigger.
const ScopeSweepUniqueTTL = 10 * time.Minute

// ScopeSweepPayload describes a scope sweep run. The payload is the uniqueness
// key of the task, so it must stay identical across enqueues of one trigger.
type ScopeSweepPayload struct {
	Trigger string `json:"trigger"`
}

// NewScopeSweepTask constructs an Asynq task. A second enqueue from the same
// trigger fails with asynq.ErrDuplicateTask until the first one is processed.
func NewScopeSweepTask(trigger string) (*asynq.Task, error) {
	data, err := json.Marshal(ScopeSweepPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACScopeSweep, data, asynq.Queue(QueueDefault), asynq.Unique(ScopeSweepUniqueTTL)), nil
}
