package partimage

import "io"

// Backend is the minimal random-access surface a caller must supply to
// Open. A *os.File satisfies it directly; tests substitute an in-memory
// implementation over a []byte.
type Backend interface {
	io.ReaderAt
	io.WriterAt

	// Size reports the current size of the backing storage in bytes.
	Size() (int64, error)

	// Sync flushes any buffered writes to stable storage.
	Sync() error

	// Close releases the backend. Close is idempotent.
	Close() error
}

// OpenFlag selects the access mode used when opening a file-backed image.
type OpenFlag int

const (
	// ReadOnly opens the backend for reads only; WriteAt fails and Sync
	// is a no-op.
	ReadOnly OpenFlag = iota
	// ReadWrite opens the backend for both reads and writes.
	ReadWrite
)
