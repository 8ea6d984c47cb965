package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ReceivedFile is a fully reassembled file.
type ReceivedFile struct {
	Name string
	Type string
	Data []byte
}

// Saver stores a completed file and returns where it went.
type Saver interface {
	Save(f ReceivedFile) (string, error)
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(f ReceivedFile) (string, error)

// Save calls fn(f).
func (fn SaverFunc) Save(f ReceivedFile) (string, error) {
	return fn(f)
}

const maxNameAttempts = 1000

// DirSaver writes files into Dir, never overwriting an existing file: a
// clash gets a " (n)" suffix before the extension.
type DirSaver struct {
	Dir string
}

// Save writes f.Data under a collision-free name derived from f.Name.
func (d DirSaver) Save(f ReceivedFile) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	base := SafeName(f.Name)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 0; i < maxNameAttempts; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(d.Dir, name)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := file.Write(f.Data); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return "", err
		}
		if err := file.Close(); err != nil {
			_ = os.Remove(path)
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no free name for %s in %s", base, d.Dir)
}

// SafeName reduces a peer-supplied name to a single path element.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." || name == "" {
		return "download"
	}
	return name
}
