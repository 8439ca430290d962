package partimage

import "testing"

func TestCRC32RoundTrip(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 256)
	}

	sum := CRC32(data)
	if sum == 0 {
		t.Errorf("CRC32 returned zero checksum unexpectedly")
	}
	if !ValidateCRC32(data, sum) {
		t.Errorf("ValidateCRC32 failed for known-good checksum")
	}

	data[0] ^= 0xFF
	if ValidateCRC32(data, sum) {
		t.Errorf("ValidateCRC32 passed for corrupted data")
	}
}

// TestBugCompatCRC32TreatsAnyFirstByteFillAsIdentical exercises the V1
// checksum quirk: since the loop always reads buf[0], two buffers that
// differ only after index 0 hash identically.
func TestBugCompatCRC32TreatsAnyFirstByteFillAsIdentical(t *testing.T) {
	a := []byte("ABCD")
	b := []byte("AAAA")

	ca := bugCompatCRC32(0xFFFFFFFF, a, len(a))
	cb := bugCompatCRC32(0xFFFFFFFF, b, len(b))

	if ca != cb {
		t.Errorf("expected bug-compatible CRC32(%q) == CRC32(%q), got %x != %x", a, b, ca, cb)
	}
}

func TestBugCompatCRC32DiffersOnFirstByte(t *testing.T) {
	a := []byte("ABCD")
	b := []byte("BBCD")

	ca := bugCompatCRC32(0xFFFFFFFF, a, len(a))
	cb := bugCompatCRC32(0xFFFFFFFF, b, len(b))

	if ca == cb {
		t.Errorf("expected differing first byte to change the bug-compatible checksum")
	}
}

func TestBugCompatCRC32EmptyBuffer(t *testing.T) {
	if got := bugCompatCRC32(0x1234, nil, 10); got != 0x1234 {
		t.Errorf("bugCompatCRC32 on empty buffer should return crc unchanged, got %x", got)
	}
}
