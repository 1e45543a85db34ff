// Package fsutil provides utility functions for working with the filesystem.
package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// EnsureDir creates a directory if it does not exist.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("fsutil.EnsureDir: failed to create directory %s: %w", path, err)
	}
	return nil
}

func EnsureDirs(paths ...string) error {
	for _, path := range paths {
		if err := EnsureDir(path); err != nil {
			return fmt.Errorf("fsutil.EnsureDirs: %w", err)
		}
	}
	return nil
}

// Exists reports whether path exists, following symlinks.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsFile reports whether path is an existing regular file.
func IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// CopyFile copies a single file from src to dest, creating dest's parent
// directory and truncating dest if it already exists.
func CopyFile(src, dest string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("fsutil.CopyFile: %w", err)
	}
	defer sourceFile.Close()

	if err := EnsureDir(filepath.Dir(dest)); err != nil {
		return fmt.Errorf("fsutil.CopyFile: %w", err)
	}

	destFile, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("fsutil.CopyFile: %w", err)
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return fmt.Errorf("fsutil.CopyFile: failed to copy %s to %s: %w", src, dest, err)
	}
	return destFile.Sync()
}

// WriteFile writes data to path, creating parent directories as needed.
func WriteFile(path string, data []byte) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("fsutil.WriteFile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("fsutil.WriteFile: %w", err)
	}
	return nil
}

// CopyTree recursively copies src into dst. Paths relative to src that
// match any of the exclude globs (doublestar syntax) are skipped; a
// matching directory is skipped entirely. It returns the relative paths
// of the copied files in walk order.
func CopyTree(src, dst string, exclude ...string) ([]string, error) {
	for _, pattern := range exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("fsutil.CopyTree: invalid exclude pattern %q", pattern)
		}
	}

	var copied []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return EnsureDir(dst)
		}
		slashRel := filepath.ToSlash(rel)
		for _, pattern := range exclude {
			if ok, _ := doublestar.Match(pattern, slashRel); ok {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return EnsureDir(target)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := CopyFile(path, target); err != nil {
			return err
		}
		copied = append(copied, slashRel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fsutil.CopyTree: failed to copy %s to %s: %w", src, dst, err)
	}
	return copied, nil
}
