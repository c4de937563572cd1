package substrate

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// DefaultTaskStatePath is where the loop persists resumable state.
const DefaultTaskStatePath = "data/task_state.json"

// TaskState is the resumable snapshot written on interrupt or max-round
// exit. The next session detects it and offers to continue.
type TaskState struct {
	Task        string             `json:"task"`
	ToolHistory []ToolHistoryEntry `json:"tool_history"`
	RoundCount  int                `json:"round_count"`
	Model       string             `json:"model"`
	SavedAt     time.Time          `json:"saved_at"`
}

// SaveTaskState writes the snapshot atomically (temp file + rename).
func SaveTaskState(path string, state TaskState) error {
	state.SavedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadTaskState reads a previously saved snapshot. Returns (zero, false)
// when none exists.
func LoadTaskState(path string) (TaskState, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TaskState{}, false
	}
	var state TaskState
	if err := json.Unmarshal(data, &state); err != nil {
		return TaskState{}, false
	}
	return state, state.Task != ""
}

// ClearTaskState removes the snapshot. Missing file is not an error.
func ClearTaskState(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
