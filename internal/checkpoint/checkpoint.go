// Package checkpoint keeps not-yet-confirmed bootstrap credentials on local disk
// so a crash between bootstrapping a backend and storing its credentials does
// not lose them.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dc-tec/ota-deploy-state/internal/constants"
	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

// File is a JSON checkpoint holding one value of T.
type File[T any] struct {
	path string
}

// New returns a checkpoint stored at path.
func New[T any](path string) *File[T] {
	return &File[T]{path: path}
}

// AuthPlusPath returns the checkpoint path for the AuthPlus bootstrap client.
func AuthPlusPath(dir string) string {
	return filepath.Join(dir, constants.CheckpointAuthPlus)
}

// VaultPath returns the checkpoint path for the named Vault instance.
func VaultPath(dir, instance string) string {
	return filepath.Join(dir, constants.CheckpointVaultPrefix+instance+constants.CheckpointVaultSuffix)
}

// Path returns the file location.
func (f *File[T]) Path() string {
	return f.path
}

// Exists reports whether a checkpoint is present.
func (f *File[T]) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Load reads the checkpoint. ok is false when no checkpoint exists.
func (f *File[T]) Load() (value T, ok bool, err error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return value, false, nil
	}
	if err != nil {
		return value, false, fmt.Errorf("failed to read checkpoint %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, false, operrors.WrapDecodeFailure(fmt.Errorf("failed to parse checkpoint %s: %w", f.path, err))
	}
	return value, true, nil
}

// Save writes the checkpoint with owner-only permissions. The file is written
// to a temporary name and renamed so readers never observe a partial file.
func (f *File[T]) Save(value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", f.path, err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint %s: %w", f.path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(constants.CheckpointFileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to restrict checkpoint %s: %w", f.path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write checkpoint %s: %w", f.path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync checkpoint %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close checkpoint %s: %w", f.path, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to commit checkpoint %s: %w", f.path, err)
	}
	return nil
}

// Remove deletes the checkpoint. Removing a missing checkpoint is not an error.
func (f *File[T]) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint %s: %w", f.path, err)
	}
	return nil
}
