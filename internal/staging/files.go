package staging

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// File is a file offered for staging. Open is called once by Put.
type File struct {
	Name string
	Type string
	Size int64
	Open func() (io.ReadCloser, error)
}

func (f File) validate() error {
	switch {
	case f.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidFile)
	case f.Size <= 0:
		return fmt.Errorf("%w: %s has no content", ErrInvalidFile, f.Name)
	case f.Type == "":
		return fmt.Errorf("%w: %s has no type", ErrInvalidFile, f.Name)
	case f.Open == nil:
		return fmt.Errorf("%w: %s has no content source", ErrInvalidFile, f.Name)
	}
	return nil
}

// FileFromBytes returns a File backed by data.
func FileFromBytes(name, typ string, data []byte) File {
	return File{
		Name: name,
		Type: typ,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileFromPath describes the regular file at path, detecting its type.
func FileFromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("%w: %s is not a regular file", ErrInvalidFile, path)
	}

	typ, err := detectFileType(path)
	if err != nil {
		return File{}, err
	}
	return File{
		Name: filepath.Base(path),
		Type: typ,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

func detectFileType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return DetectType(filepath.Base(path), head[:n]), nil
}

// DetectType returns a MIME type for a file from its extension, falling
// back to sniffing its first bytes.
func DetectType(name string, head []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(head)
}
