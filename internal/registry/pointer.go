// Package registry implements the dual active/shadow/rollback model
// registry from spec §4.D/§4.J: pointer files name the currently active
// and shadow bundle versions, atomically swapped under hot-reload, with a
// rollback pointer preserved for the retrain worker's promotion gate.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Pointer is the JSON contract for every pointer file: active, shadow and
// rollback all share this shape.
type Pointer struct {
	Version string `json:"version"`
}

// ReadPointer reads and parses a pointer file. A missing file returns the
// underlying os error unchanged (os.IsNotExist reports true for it), so
// callers decide whether "no pointer yet" is fatal.
func ReadPointer(path string) (*Pointer, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Pointer
	if err := json.Unmarshal(buf, &p); err != nil {
		return nil, fmt.Errorf("registry: parse pointer %s: %w", path, err)
	}
	return &p, nil
}

// WritePointer writes a pointer file atomically via temp-file + rename, so
// concurrent readers never observe a partially-written pointer.
func WritePointer(path string, p Pointer) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("registry: marshal pointer: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pointer-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp pointer: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("registry: write temp pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: close temp pointer: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("registry: rename pointer: %w", err)
	}
	return nil
}
