package prefs

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// File keeps one file per key under a directory.
type File struct {
	typed
	dir string
}

var _ Prefs = (*File)(nil)

// NewFile opens, creating if needed, a store rooted at dir.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "unable to create prefs directory")
	}
	f := &File{dir: dir}
	f.typed = typed{s: f}
	return f, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, filepath.FromSlash(key))
}

func (f *File) get(key string) (string, error) {
	raw, err := ioutil.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return "", errors.Wrapf(ErrNotFound, "preference %s", key)
	}
	if err != nil {
		return "", errors.Wrapf(err, "unable to read preference %s", key)
	}
	return string(raw), nil
}

// set replaces the file atomically so a crash leaves the old or new value.
func (f *File) set(key, value string) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrapf(err, "unable to create directory for preference %s", key)
	}
	tmp, err := ioutil.TempFile(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return errors.Wrapf(err, "unable to write preference %s", key)
	}
	_, err = tmp.WriteString(value)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "unable to write preference %s", key)
	}
	return nil
}

func (f *File) Exists(key string) bool {
	if validKey(key) != nil {
		return false
	}
	_, err := os.Stat(f.path(key))
	return err == nil
}

func (f *File) Delete(key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to delete preference %s", key)
	}
	return nil
}
