package partimage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestChangeFileCreateWriteReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.cf")

	cf, err := createChangeFile(path, 4096, 8)
	if err != nil {
		t.Fatalf("createChangeFile failed: %v", err)
	}

	block := bytes.Repeat([]byte{0x42}, 4096)
	if err := cf.seek(3); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	if err := cf.writeBlock(block); err != nil {
		t.Fatalf("writeBlock failed: %v", err)
	}
	if !cf.blockUsed() {
		t.Errorf("expected blockUsed() true after writeBlock")
	}
	if err := cf.sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if err := cf.finish(); err != nil {
		t.Fatalf("finish failed: %v", err)
	}

	reopened, err := openChangeFile(path, 4096, 8)
	if err != nil {
		t.Fatalf("openChangeFile failed: %v", err)
	}
	defer reopened.finish()

	if err := reopened.seek(3); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	if !reopened.blockUsed() {
		t.Fatal("expected block 3 to be marked used after reopen")
	}
	buf := make([]byte, 4096)
	if err := reopened.readBlock(buf); err != nil {
		t.Fatalf("readBlock failed: %v", err)
	}
	if !bytes.Equal(buf, block) {
		t.Errorf("readback mismatch after reopen")
	}

	if err := reopened.seek(0); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	if reopened.blockUsed() {
		t.Errorf("expected block 0 to report unused")
	}
	if err := reopened.readBlock(make([]byte, 4096)); !IsKind(err, KindNotFound) {
		t.Errorf("expected KindNotFound reading an unoverridden block, got: %v", err)
	}
}

func TestChangeFileRejectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.cf")

	cf, err := createChangeFile(path, 4096, 8)
	if err != nil {
		t.Fatalf("createChangeFile failed: %v", err)
	}
	cf.finish()

	_, err = openChangeFile(path, 512, 8)
	if !IsKind(err, KindInvalidFormat) {
		t.Errorf("expected KindInvalidFormat for mismatched block size, got: %v", err)
	}
}

func TestChangeFileRejectsCorruptIndexDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.cf")

	cf, err := createChangeFile(path, 4096, 4)
	if err != nil {
		t.Fatalf("createChangeFile failed: %v", err)
	}
	cf.finish()

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0x00}, cfHeaderSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, err = openChangeFile(path, 4096, 4)
	if !IsKind(err, KindInvalidFormat) {
		t.Errorf("expected KindInvalidFormat for corrupted index digest, got: %v", err)
	}
}
