package notification

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskTypeSendNotification is the asynq task type for sending notifications.
const TaskTypeSendNotification = "notification:send"

// NewSendNotificationTask creates a new asynq task carrying the job.
func NewSendNotificationTask(job *Job, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshaling task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeSendNotification, payload, opts...), nil
}

// ParseSendNotificationPayload deserializes the task payload.
func ParseSendNotificationPayload(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling task payload: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("task payload has no job id")
	}
	return &job, nil
}
