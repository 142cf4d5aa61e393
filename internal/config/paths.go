package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// WatchPaths cleans paths and checks that each exists. Paths are returned relative to
// the working directory when given relative.
func WatchPaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, inputErrorf(MissingInputs, "", "no paths to watch")
	}
	out := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		cleaned := filepath.Clean(path)
		if _, err := os.Stat(cleaned); err != nil {
			return nil, inputError(PathError, cleaned, err)
		}
		if _, ok := seen[cleaned]; ok {
			continue
		}
		seen[cleaned] = struct{}{}
		out = append(out, cleaned)
	}
	return out, nil
}

// WorkingDir resolves dir (or the process working directory when empty) to an existing directory.
func WorkingDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", inputError(DirError, "", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", inputError(DirError, dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", inputError(DirError, abs, err)
	}
	if !info.IsDir() {
		return "", inputError(DirError, abs, fmt.Errorf("not a directory"))
	}
	return abs, nil
}
