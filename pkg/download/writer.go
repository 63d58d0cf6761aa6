package download

import (
	"crypto/sha256"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Writer stores a payload as it arrives.
type Writer interface {
	// Open prepares path for writing from offset on.
	Open(path string, offset int64) error
	Write(data []byte) error
	Close() error
}

// FileWriter writes payloads to regular files or block devices.
type FileWriter struct {
	f *os.File
}

var _ Writer = (*FileWriter)(nil)

func (w *FileWriter) Open(path string, offset int64) error {
	if w.f != nil {
		return errors.New("writer already open")
	}
	flags := os.O_WRONLY
	if st, err := os.Stat(path); err != nil || st.Mode().IsRegular() {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return errors.Wrap(err, "create staging directory")
		}
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if st, err := f.Stat(); err == nil && st.Mode().IsRegular() {
		// Drop anything past the resume point.
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return errors.Wrapf(err, "truncate %s", path)
		}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return errors.Wrapf(err, "seek %s", path)
	}
	w.f = f
	return nil
}

func (w *FileWriter) Write(data []byte) error {
	if w.f == nil {
		return errors.New("writer not open")
	}
	_, err := w.f.Write(data)
	return errors.Wrap(err, "write payload")
}

func (w *FileWriter) Close() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync payload")
	}
	return errors.Wrap(f.Close(), "close payload")
}

// hashPrefix returns a SHA-256 hasher fed with the first n bytes of path, to
// continue hashing a resumed payload.
func hashPrefix(path string, n int64) (hash.Hash, error) {
	h := sha256.New()
	if n == 0 {
		return h, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	if _, err := io.CopyN(h, f, n); err != nil {
		return nil, errors.Wrapf(err, "read back %s", path)
	}
	return h, nil
}
