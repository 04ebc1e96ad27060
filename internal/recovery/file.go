package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// dirPermissions is the permission mode for the store directory.
	dirPermissions = 0750

	// filePermissions is the permission mode of record files.
	filePermissions = 0600

	recordExt = ".json"
)

// FileStore stores one JSON file per record in a directory. Writes go to a
// temporary file that is renamed over the record, so a crash never leaves
// a half-written record behind.
type FileStore[R any] struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// the first Put; a missing directory lists as empty.
func NewFileStore[R any](dir string) *FileStore[R] {
	return &FileStore[R]{dir: dir}
}

// Dir returns the store directory.
func (s *FileStore[R]) Dir() string { return s.dir }

func (s *FileStore[R]) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Put atomically writes the record file.
func (s *FileStore[R]) Put(_ context.Context, id string, record R) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", id, err)
	}
	if err := os.MkdirAll(s.dir, dirPermissions); err != nil {
		return fmt.Errorf("creating recovery directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+id+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary record: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // No-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("writing record %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("syncing record %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing record %s: %w", id, err)
	}
	if err := os.Chmod(tmpName, filePermissions); err != nil {
		return fmt.Errorf("setting record permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		return fmt.Errorf("renaming record %s: %w", id, err)
	}
	return nil
}

// Get reads one record.
func (s *FileStore[R]) Get(_ context.Context, id string) (R, error) {
	var record R
	if err := validateID(id); err != nil {
		return record, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return record, ErrNotFound
	}
	if err != nil {
		return record, fmt.Errorf("reading record %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("decoding record %s: %w", id, err)
	}
	return record, nil
}

// Delete removes one record file.
func (s *FileStore[R]) Delete(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing record %s: %w", id, err)
	}
	return nil
}

// List decodes every record file, in file name order. Files that cannot be
// read or decoded are skipped and reported together in the returned error
// (matching ErrCorruptRecord), next to the records that could be read.
func (s *FileStore[R]) List(_ context.Context) ([]R, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing recovery directory: %w", err)
	}

	var (
		records []R
		errs    []error
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: reading %s: %w", ErrCorruptRecord, name, err))
			continue
		}
		var record R
		if err := json.Unmarshal(data, &record); err != nil {
			errs = append(errs, fmt.Errorf("%w: decoding %s: %w", ErrCorruptRecord, name, err))
			continue
		}
		records = append(records, record)
	}
	return records, errors.Join(errs...)
}
