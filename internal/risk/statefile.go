package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SaveStateFile writes the risk state as JSON via an atomic rename
func SaveStateFile(path string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal risk state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write risk state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadStateFile reads a persisted risk state. A missing file returns
// (zero State, false, nil).
func LoadStateFile(path string) (State, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("failed to read risk state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("failed to parse risk state: %w", err)
	}
	return st, true, nil
}
