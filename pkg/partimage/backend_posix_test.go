package partimage

import (
	"bytes"
	"os"
	"testing"
)

func TestFileBackendReadWrite(t *testing.T) {
	blockSize := 4096

	tempFile, err := os.CreateTemp("", "partimage-backend-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tempFile.Name())

	data := make([]byte, blockSize)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if _, err := tempFile.WriteAt(data, 0); err != nil {
		t.Fatalf("seed write failed: %v", err)
	}
	tempFile.Close()

	backend, err := OpenFileBackend(tempFile.Name(), ReadWrite)
	if err != nil {
		t.Fatalf("OpenFileBackend failed: %v", err)
	}
	defer backend.Close()

	other := bytes.Repeat([]byte{0xAA}, blockSize)
	if _, err := backend.WriteAt(other, 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	readBack := make([]byte, blockSize)
	if _, err := backend.ReadAt(readBack, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(readBack, other) {
		t.Errorf("readback mismatch")
	}

	size, err := backend.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != int64(blockSize) {
		t.Errorf("Size() = %d, want %d", size, blockSize)
	}
}

func TestFileBackendReadOnlyRejectsWrite(t *testing.T) {
	tempFile, err := os.CreateTemp("", "partimage-backend-ro-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tempFile.Name())
	tempFile.Write(make([]byte, 4096))
	tempFile.Close()

	backend, err := OpenFileBackend(tempFile.Name(), ReadOnly)
	if err != nil {
		t.Fatalf("OpenFileBackend failed: %v", err)
	}
	defer backend.Close()

	if _, err := backend.WriteAt([]byte{0x00}, 0); err == nil {
		t.Error("expected error writing to read-only backend")
	}
	if err := backend.Sync(); err != nil {
		t.Errorf("Sync on read-only backend should be a no-op, got: %v", err)
	}
}

func TestFileBackendMissingFile(t *testing.T) {
	_, err := OpenFileBackend("/nonexistent/path/partimage.img", ReadOnly)
	if err == nil {
		t.Fatal("expected error opening nonexistent file")
	}
	if !IsKind(err, KindIO) {
		t.Errorf("expected KindIO, got: %v", err)
	}
}
