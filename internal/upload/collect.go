package upload

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File is one Upload Job entry.
type File struct {
	Path string
	Name string
}

// FileFromPath names the entry after its base name.
func FileFromPath(path string) File {
	return File{Path: path, Name: filepath.Base(path)}
}

var skippedNames = map[string]struct{}{
	".DS_Store": {},
}

// CollectDir lists every regular file under dir, depth first in lexical order.
// Entries are named by base name since the device stores files flat.
func CollectDir(dir string) ([]File, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("data dir %q is not a directory", dir)
	}

	var files []File
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if _, skip := skippedNames[d.Name()]; skip {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		files = append(files, File{Path: path, Name: d.Name()})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk data dir: %w", err)
	}

	return files, nil
}
