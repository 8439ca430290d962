package partimage

// memBackend is an in-memory Backend used by tests to build synthetic
// V1/V2 images without touching the filesystem.
type memBackend struct {
	data   []byte
	closed bool
}

func newMemBackend(data []byte) *memBackend {
	return &memBackend{data: data}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, newError(KindIO, "ReadAt", "", "offset out of range")
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, errShortRead
	}
	return n, nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}

func (m *memBackend) Size() (int64, error) { return int64(len(m.data)), nil }
func (m *memBackend) Sync() error          { return nil }
func (m *memBackend) Close() error         { m.closed = true; return nil }

var _ Backend = (*memBackend)(nil)
