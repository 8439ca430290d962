package partimage

import (
	"errors"
	"os"
)

// fileBackend implements Backend over an *os.File.
type fileBackend struct {
	f        *os.File
	readOnly bool
}

// OpenFileBackend opens path and wraps it as a Backend. flag selects
// whether Write/Sync are permitted.
func OpenFileBackend(path string, flag OpenFlag) (Backend, error) {
	osFlag := os.O_RDWR
	if flag == ReadOnly {
		osFlag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, osFlag, 0o600)
	if err != nil {
		return nil, wrapError(KindIO, "OpenFileBackend", path, err)
	}

	return &fileBackend{f: f, readOnly: flag == ReadOnly}, nil
}

func (d *fileBackend) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

func (d *fileBackend) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, newError(KindInvalidArgument, "WriteAt", d.f.Name(), "backend opened read-only")
	}
	return d.f.WriteAt(p, off)
}

func (d *fileBackend) Size() (int64, error) {
	stat, err := d.f.Stat()
	if err != nil {
		return 0, wrapError(KindIO, "Size", d.f.Name(), err)
	}
	return stat.Size(), nil
}

func (d *fileBackend) Sync() error {
	if d.readOnly {
		return nil
	}
	return d.f.Sync()
}

func (d *fileBackend) Close() error {
	if err := d.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

var _ Backend = (*fileBackend)(nil)
