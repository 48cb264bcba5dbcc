package store

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// FilePersister is the default storage collaborator: one JSON blob on disk,
// replaced atomically on every save.
type FilePersister struct {
	path string
}

// NewFilePersister creates the parent directory if needed.
func NewFilePersister(path string) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &FilePersister{path: path}, nil
}

// Save serializes the state and swaps it in via rename, so a crash mid-write
// never leaves a truncated blob behind.
func (p *FilePersister) Save(state State) error {
	data, err := jsonAPI.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Load reads the blob back. A missing or malformed file is an error; the
// store falls back to defaults.
func (p *FilePersister) Load() (State, error) {
	var state State
	data, err := os.ReadFile(p.path)
	if err != nil {
		return state, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := jsonAPI.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to parse state file: %w", err)
	}
	return state, nil
}
