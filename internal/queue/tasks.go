package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeProcessPortrait = "portrait:process"

// ProcessPortraitPayload only names the job. The worker reads source,
// options and webhook from the job store, so a requeued task always sees
// the current record.
type ProcessPortraitPayload struct {
	JobID       string    `json:"job_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewProcessPortraitTask(payload ProcessPortraitPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" {
		return nil, errors.New("job_id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal process payload: %w", err)
	}
	return asynq.NewTask(TypeProcessPortrait, body), nil
}

func ParseProcessPortraitPayload(task *asynq.Task) (ProcessPortraitPayload, error) {
	var payload ProcessPortraitPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ProcessPortraitPayload{}, fmt.Errorf("unmarshal process payload: %w", err)
	}
	if payload.JobID == "" {
		return ProcessPortraitPayload{}, errors.New("process payload has no job_id")
	}
	return payload, nil
}
