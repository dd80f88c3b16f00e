package utils

import (
	"io/fs"
	"os"
	"path/filepath"
)

// PurgeDirs removes every directory under root whose base name matches one of
// names. Used to drop stale cache directories before a build.
func PurgeDirs(root string, names []string) error {
	nameSet := make(map[string]bool)
	for _, n := range names {
		nameSet[n] = true
	}

	return filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && nameSet[info.Name()] && path != root {
			if err := os.RemoveAll(path); err != nil {
				return err
			}
			return filepath.SkipDir
		}
		return nil
	})
}

// RemoveSubtrees removes the given paths relative to root. Missing entries
// are treated as already removed.
func RemoveSubtrees(root string, subtrees []string) error {
	for _, v := range subtrees {
		if err := os.RemoveAll(filepath.Join(root, v)); err != nil {
			return err
		}
	}
	return nil
}

// NormalizePermissions makes every file under root world-readable and every
// directory and executable world-executable, recursively.
func NormalizePermissions(root string) error {
	return filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		mode := info.Mode().Perm() | 0o444
		if info.IsDir() || info.Mode().Perm()&0o100 != 0 {
			mode |= 0o111
		}
		return os.Chmod(path, mode)
	})
}

// ListFiles returns the relative paths of all regular files under root.
func ListFiles(root string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}
