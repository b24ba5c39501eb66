package ports

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dipeo/dipeo/pkg/models"
)

// FilePort is the filesystem collaborator consumed by db and endpoint
// handlers.
type FilePort interface {
	Read(path string) ([]byte, error)
	Write(path string, content []byte) error
	List(dir string, pattern string) ([]string, error)
}

// LocalFiles is a FilePort rooted at a base directory. Paths are confined to
// the root; attempts to escape it return PermissionDenied.
type LocalFiles struct {
	root string
}

// NewLocalFiles creates a FilePort rooted at root.
func NewLocalFiles(root string) *LocalFiles {
	return &LocalFiles{root: root}
}

func (f *LocalFiles) resolve(path string) (string, error) {
	full := filepath.Join(f.root, filepath.Clean("/"+path))
	rel, err := filepath.Rel(f.root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", models.NewError(models.KindPermissionDenied, "path %q escapes file root", path)
	}
	return full, nil
}

// Read returns the file's content.
func (f *LocalFiles) Read(path string) ([]byte, error) {
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewError(models.KindNotFound, "file %q not found", path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Write stores content at path, creating parent directories as needed.
func (f *LocalFiles) Write(path string, content []byte) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// List returns entries of dir matching the glob pattern (all entries when
// pattern is empty).
func (f *LocalFiles) List(dir string, pattern string) ([]string, error) {
	full, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewError(models.KindNotFound, "directory %q not found", dir)
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if pattern != "" {
			ok, err := filepath.Match(pattern, e.Name())
			if err != nil {
				return nil, models.NewError(models.KindValidation, "bad pattern %q: %v", pattern, err)
			}
			if !ok {
				continue
			}
		}
		names = append(names, e.Name())
	}
	return names, nil
}
