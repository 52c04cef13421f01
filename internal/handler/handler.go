package handler

import (
	"encoding/json"
	"fmt"

	"github.com/t77yq/grid-scheduler/internal/model"
)

func decodePayload[T any](task *model.TaskDescription) (T, error) {
	var payload T
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return payload, fmt.Errorf("task %d: failed to unmarshal payload: %w", task.TaskID, err)
	}
	return payload, nil
}
