package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
)

// ActionSpec overrides how one stage's worker is invoked. Loaded from
// an optional actions.json next to the scripts dir; absent fields fall
// back to the rule defaults.
type ActionSpec struct {
	// Script replaces the default <scripts-dir>/<stage>.py path.
	Script string `json:"script,omitempty"`

	// Args are appended after the stage's built-in arguments.
	Args []string `json:"args,omitempty"`

	// Dir overrides the working directory.
	Dir string `json:"dir,omitempty"`

	// Env is merged over the inherited environment.
	Env map[string]string `json:"env,omitempty"`
}

// LoadActions reads stage overrides from path. A missing file is not
// an error; malformed JSON is.
func LoadActions(path string) (map[string]ActionSpec, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]ActionSpec{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read actions file: %w", err)
	}

	var specs map[string]ActionSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parse actions file %s: %w", path, err)
	}
	if specs == nil {
		specs = map[string]ActionSpec{}
	}
	return specs, nil
}
