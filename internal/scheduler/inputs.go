package scheduler

import (
	"encoding/json"
	"fmt"
)

// decodeInputs parses a ScheduledJob.Inputs JSON object column into a
// generic map, treating an empty string the same as "{}".
func decodeInputs(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		return nil, fmt.Errorf("scheduler: unmarshal inputs: %w", err)
	}
	return inputs, nil
}
