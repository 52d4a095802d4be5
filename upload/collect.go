package upload

import (
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// CollectDir walks root and returns one upload entry per regular file,
// keyed by its slash-separated path relative to root. Files whose relative
// path matches any of the doublestar ignore patterns are skipped. The
// result is the same flat {file, relativePath} list a drag-and-drop folder
// traversal would produce.
func CollectDir(root string, ignorePatterns []string) ([]Entry, error) {
	absRoot, err := pathutil.NewPathModifier().AbsPath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}

	var entries []Entry
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		for _, pattern := range ignorePatterns {
			matched, err := doublestar.Match(pattern, rel)
			if err != nil {
				return fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
			}
			if matched {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entries = append(entries, Entry{
			Path:         path,
			RelativePath: rel,
			Size:         info.Size(),
			ContentType:  contentTypeForPath(path),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	return entries, nil
}

// CollectFile returns the upload entry for a single file, keyed by its base
// name.
func CollectFile(path string) (Entry, error) {
	absPath, err := pathutil.NewPathModifier().AbsPath(path)
	if err != nil {
		return Entry{}, fmt.Errorf("resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Entry{}, fmt.Errorf("%s is a directory", path)
	}

	return Entry{
		Path:         absPath,
		RelativePath: filepath.Base(absPath),
		Size:         info.Size(),
		ContentType:  contentTypeForPath(absPath),
	}, nil
}

func contentTypeForPath(path string) string {
	if contentType := mime.TypeByExtension(filepath.Ext(path)); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
