package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Save atomically writes v as indented JSON to path. The data is written to
// a temp file in the same directory and renamed into place, so readers never
// observe a partial file.
func Save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}

// Load reads JSON from path into v. A missing file returns os.ErrNotExist
// (wrapped); callers that treat absence as an empty state should use
// LoadOrInit instead.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// LoadOrInit reads JSON from path into v, leaving v untouched when the file
// does not exist yet. Parse failures are still returned: the caller decides
// whether to keep its stale in-memory copy.
func LoadOrInit(path string, v any) error {
	err := Load(path, v)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
