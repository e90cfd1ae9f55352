package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SaveCredentials writes cb to path readable only by the owner.
func SaveCredentials(path string, cb Callback) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	b, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCredentials reads credentials saved by SaveCredentials. A missing file
// returns os.ErrNotExist.
func LoadCredentials(path string) (Callback, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Callback{}, err
	}
	var cb Callback
	if err := json.Unmarshal(b, &cb); err != nil {
		return Callback{}, fmt.Errorf("decode credentials: %w", err)
	}
	return cb, nil
}

// RemoveCredentials deletes saved credentials; a missing file is not an error.
func RemoveCredentials(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
