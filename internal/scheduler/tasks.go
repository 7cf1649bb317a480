package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TaskSequencesBatch runs one executor pass for one tenant. Delivery is
// at-least-once; the executor's idempotency gate makes duplicates harmless.
const TaskSequencesBatch = "sequences.batch"

// TaskLeadsRescore refreshes lead temperatures for one tenant. Scores decay
// with time, so this runs even when nothing else touches the lead.
const TaskLeadsRescore = "leads.rescore"

type SequencesBatchPayload struct {
	OrganizationID string `json:"organizationId"`
}

type LeadsRescorePayload struct {
	OrganizationID string `json:"organizationId"`
	Limit          int    `json:"limit,omitempty"`
}

func NewSequencesBatchTask(payload SequencesBatchPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSequencesBatch, data), nil
}

func ParseSequencesBatchPayload(task *asynq.Task) (SequencesBatchPayload, error) {
	var payload SequencesBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return SequencesBatchPayload{}, err
	}
	return payload, nil
}

func NewLeadsRescoreTask(payload LeadsRescorePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLeadsRescore, data), nil
}

func ParseLeadsRescorePayload(task *asynq.Task) (LeadsRescorePayload, error) {
	var payload LeadsRescorePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return LeadsRescorePayload{}, err
	}
	return payload, nil
}
