package remote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrKeyNotFound is returned when no private key file matches an instance's key pair.
var ErrKeyNotFound = errors.New("private key not found")

// FindKey returns the path of the private key for keyName in dir. Candidates
// are regular files named keyName*ext. A file named exactly keyName+ext wins;
// otherwise the lexicographically first candidate is used.
func FindKey(dir, keyName, ext string) (string, error) {
	if keyName == "" {
		return "", fmt.Errorf("%w: instance has no key pair", ErrKeyNotFound)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: read key directory %s: %w", ErrKeyNotFound, dir, err)
	}

	// ReadDir returns entries sorted by name.
	var candidates []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, keyName) || !strings.HasSuffix(name, ext) {
			continue
		}
		if !entry.Type().IsRegular() {
			// Follow symlinks; skip directories and devices.
			info, err := os.Stat(filepath.Join(dir, name))
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		}
		if name == keyName+ext {
			return filepath.Join(dir, name), nil
		}
		candidates = append(candidates, name)
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no %s*%s in %s", ErrKeyNotFound, keyName, ext, dir)
	}
	sort.Strings(candidates)
	return filepath.Join(dir, candidates[0]), nil
}
