package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"deskcoach/pkg/errors"
)

// WriteFileAtomic writes data to path via a temp file in the same
// directory followed by a rename, so readers only ever observe a
// whole file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "creating temp file", map[string]interface{}{
			"path": path,
		})
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "writing temp file", map[string]interface{}{
			"path": path,
		})
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "closing temp file", map[string]interface{}{
			"path": path,
		})
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "setting temp file mode", map[string]interface{}{
			"path": path,
		})
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "renaming temp file", map[string]interface{}{
			"path": path,
		})
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling JSON", map[string]interface{}{
			"path": path,
		})
	}
	return WriteFileAtomic(path, append(data, '\n'), 0644)
}

// ReadJSON reads path and unmarshals it into v.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "parsing JSON", map[string]interface{}{
			"path": path,
		})
	}
	return nil
}
