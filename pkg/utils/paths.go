// pkg/utils/paths.go - filesystem helpers shared across packages.

package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// BaseNameFromURL returns the final path component of a URL, with any
// percent-encoding removed. Used to derive cache file names from
// installer item locations.
func BaseNameFromURL(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		if unescaped, err := url.PathUnescape(path.Base(u.Path)); err == nil {
			return unescaped
		}
		return path.Base(u.Path)
	}
	return path.Base(rawURL)
}

// WriteFileAtomic writes data to a temporary file in the destination
// directory and renames it into place, so readers never observe a
// partially written file.
func WriteFileAtomic(dest string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
