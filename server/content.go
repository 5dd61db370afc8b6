package server

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// Content is an open purchased file
type Content interface {
	io.ReadSeekCloser
	Name() string
	ModTime() time.Time
}

// ContentStore resolves a catalog content reference to a file
type ContentStore interface {
	Open(ref string) (Content, error)
}

// DirStore serves content references as paths below a directory. Paths
// escaping the directory are refused.
type DirStore struct {
	root *os.Root
}

var _ ContentStore = (*DirStore)(nil)

func NewDirStore(dir string) (*DirStore, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open content root: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (d *DirStore) Open(ref string) (Content, error) {
	name := path.Clean("/" + strings.TrimSpace(ref))[1:]
	if name == "" {
		return nil, fmt.Errorf("empty content reference")
	}
	f, err := d.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("content %q is a directory", ref)
	}
	return &dirFile{File: f, name: path.Base(name), mod: info.ModTime()}, nil
}

func (d *DirStore) Close() error {
	return d.root.Close()
}

type dirFile struct {
	*os.File
	name string
	mod  time.Time
}

func (f *dirFile) Name() string       { return f.name }
func (f *dirFile) ModTime() time.Time { return f.mod }
