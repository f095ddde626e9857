package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const secretFileMode = 0o600

// readFile reads the file at path into b; a missing file is not an error.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// readSealed reads and decrypts path into out. found is false when the file
// does not exist.
func readSealed(path string, kr *Keyring, out any) (found bool, err error) {
	b, err := readFile(path)
	if err != nil || b == nil {
		return false, err
	}
	raw, err := kr.open(b)
	if err != nil {
		return true, err
	}
	return true, json.Unmarshal(raw, out)
}

// writeSealed encrypts v as JSON and writes it atomically.
func writeSealed(path string, kr *Keyring, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b, err := kr.seal(raw)
	if err != nil {
		return err
	}
	return writeFile(path, b, secretFileMode)
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	// Best-effort cleanup if anything fails before rename.
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

// removeFile deletes path; a missing file is not an error.
func removeFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
