// Package artifacts stores uploaded inputs and produced results on the
// local filesystem, keyed by paths relative to a root directory.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type Dir struct {
	Root string
}

// New ensures root exists and returns a store over it.
func New(root string) (Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Dir{}, fmt.Errorf("create artifact root %s: %w", root, err)
	}
	return Dir{Root: root}, nil
}

// Save writes r to key under the root and returns the clean key. The write
// goes through a temp file and rename so readers never observe a partial
// artifact.
func (d Dir) Save(key string, r io.Reader) (string, error) {
	clean, err := d.cleanKey(key)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(d.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".partial-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return "", err
	}
	return clean, nil
}

func (d Dir) Open(key string) (*os.File, error) {
	clean, err := d.cleanKey(key)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(d.Root, clean))
}

func (d Dir) Exists(key string) bool {
	clean, err := d.cleanKey(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(d.Root, clean))
	return err == nil
}

// Path resolves key to an absolute path for callers that hand files to
// external code.
func (d Dir) Path(key string) (string, error) {
	clean, err := d.cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.Root, clean), nil
}

func (d Dir) cleanKey(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return clean, nil
}
