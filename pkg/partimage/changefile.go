package partimage

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
)

// On-disk layout of a change-file (spec §6.2's overlay contract, layout
// left unspecified by the source format so this module defines one):
//
//	offset 0   magic "PICF0001" (8 bytes)
//	offset 8   block_size   uint32 little-endian
//	offset 12  total_blocks uint64 little-endian
//	offset 20  digest       [32]byte BLAKE2b-256 over the index table
//	offset 52  index table  total_blocks * int64 little-endian
//	offset N   data region  append-only, block_size bytes per entry
//
// An index entry of -1 means the block has never been overridden; any
// other value is the byte offset of that block's data in the data region.
const (
	cfMagic      = "PICF0001"
	cfMagicSize  = 8
	cfDigestSize = 32
	cfHeaderSize = cfMagicSize + 4 + 8 + cfDigestSize // 52
	cfNoOverride = int64(-1)
)

// changeFile is the sidecar overlay a Context writes through to. Every
// write lands here; the base image is never modified.
type changeFile struct {
	path        string
	f           *os.File
	blockSize   uint32
	totalBlocks uint64
	index       []int64
	dataEnd     int64
	current     uint64
	dirty       bool
}

func indexOffset(block uint64) int64 {
	return cfHeaderSize + int64(block)*8
}

// createChangeFile creates a fresh overlay at path, sized for an image
// with the given block size and block count.
func createChangeFile(path string, blockSize uint32, totalBlocks uint64) (*changeFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, wrapError(KindIO, "createChangeFile", path, err)
	}

	cf := &changeFile{
		path:        path,
		f:           f,
		blockSize:   blockSize,
		totalBlocks: totalBlocks,
		index:       make([]int64, totalBlocks),
		dataEnd:     cfHeaderSize + int64(totalBlocks)*8,
	}
	for i := range cf.index {
		cf.index[i] = cfNoOverride
	}

	if err := cf.writeIndexTable(); err != nil {
		f.Close()
		return nil, err
	}
	if err := cf.sync(); err != nil {
		f.Close()
		return nil, err
	}
	return cf, nil
}

// openChangeFile opens an existing overlay and validates its header
// against the expected block size and block count.
func openChangeFile(path string, blockSize uint32, totalBlocks uint64) (*changeFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, wrapError(KindIO, "openChangeFile", path, err)
	}

	cf := &changeFile{path: path, f: f, blockSize: blockSize, totalBlocks: totalBlocks}
	if err := cf.readHeaderAndIndex(); err != nil {
		f.Close()
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapError(KindIO, "openChangeFile", path, err)
	}
	cf.dataEnd = stat.Size()

	return cf, nil
}

func (cf *changeFile) readHeaderAndIndex() error {
	header := make([]byte, cfHeaderSize)
	if _, err := cf.f.ReadAt(header, 0); err != nil {
		return wrapError(KindIO, "cf_verify", cf.path, err)
	}
	if string(header[:cfMagicSize]) != cfMagic {
		return newError(KindInvalidFormat, "cf_verify", cf.path, "bad change-file magic")
	}

	blockSize := binary.LittleEndian.Uint32(header[8:12])
	totalBlocks := binary.LittleEndian.Uint64(header[12:20])
	if blockSize != cf.blockSize || totalBlocks != cf.totalBlocks {
		return newError(KindInvalidFormat, "cf_verify", cf.path,
			fmt.Sprintf("change-file dimensions (%d,%d) do not match image (%d,%d)",
				blockSize, totalBlocks, cf.blockSize, cf.totalBlocks))
	}
	storedDigest := make([]byte, cfDigestSize)
	copy(storedDigest, header[20:20+cfDigestSize])

	indexBytes := make([]byte, totalBlocks*8)
	if totalBlocks > 0 {
		if _, err := cf.f.ReadAt(indexBytes, cfHeaderSize); err != nil {
			return wrapError(KindIO, "cf_verify", cf.path, err)
		}
	}

	if !validDigest(storedDigest, indexBytes) {
		return newError(KindInvalidFormat, "cf_verify", cf.path, "change-file index digest mismatch")
	}

	cf.index = make([]int64, totalBlocks)
	for i := range cf.index {
		cf.index[i] = int64(binary.LittleEndian.Uint64(indexBytes[i*8 : i*8+8]))
	}
	return nil
}

func validDigest(want, indexBytes []byte) bool {
	sum := blake2b.Sum256(indexBytes)
	for i := range want {
		if want[i] != sum[i] {
			return false
		}
	}
	return true
}

// verify re-validates the on-disk header and index digest; Open calls it
// right after openChangeFile to decide whether to mark the overlay
// CF_VERIFIED.
func (cf *changeFile) verify() error {
	return cf.readHeaderAndIndex()
}

func (cf *changeFile) writeIndexTable() error {
	buf := make([]byte, len(cf.index)*8)
	for i, v := range cf.index {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], uint64(v))
	}
	if _, err := cf.f.WriteAt(buf, cfHeaderSize); err != nil {
		return wrapError(KindIO, "cf_sync", cf.path, err)
	}
	return nil
}

func (cf *changeFile) writeHeader() error {
	buf := make([]byte, cfHeaderSize)
	copy(buf[:cfMagicSize], cfMagic)
	binary.LittleEndian.PutUint32(buf[8:12], cf.blockSize)
	binary.LittleEndian.PutUint64(buf[12:20], cf.totalBlocks)

	indexBytes := make([]byte, len(cf.index)*8)
	for i, v := range cf.index {
		binary.LittleEndian.PutUint64(indexBytes[i*8:i*8+8], uint64(v))
	}
	digest := blake2b.Sum256(indexBytes)
	copy(buf[20:20+cfDigestSize], digest[:])

	if _, err := cf.f.WriteAt(buf, 0); err != nil {
		return wrapError(KindIO, "cf_sync", cf.path, err)
	}
	return nil
}

// seek moves the overlay cursor to block. block == totalBlocks is the
// legal EOF cursor position (spec §3.3); readBlock/writeBlock are never
// called at that position.
func (cf *changeFile) seek(block uint64) error {
	if block > cf.totalBlocks {
		return newError(KindInvalidArgument, "cf_seek", cf.path, "block out of range")
	}
	cf.current = block
	return nil
}

// readBlock fills buf with the override for the current block, or
// returns errNoOverride (wrapped as KindNotFound) if none exists.
func (cf *changeFile) readBlock(buf []byte) error {
	off := cf.index[cf.current]
	if off == cfNoOverride {
		return wrapError(KindNotFound, "cf_read_block", cf.path, errNoOverride)
	}
	n, err := cf.f.ReadAt(buf, off)
	if err != nil {
		return wrapError(KindIO, "cf_read_block", cf.path, err)
	}
	if n != len(buf) {
		return wrapError(KindIO, "cf_read_block", cf.path, errShortRead)
	}
	return nil
}

// writeBlock appends buf as the current block's override, extending the
// data region if this block has never been overridden before.
func (cf *changeFile) writeBlock(buf []byte) error {
	if uint32(len(buf)) != cf.blockSize {
		return newError(KindInvalidArgument, "cf_write_block", cf.path, "buffer size does not match block size")
	}

	off := cf.index[cf.current]
	if off == cfNoOverride {
		off = cf.dataEnd
		cf.dataEnd += int64(cf.blockSize)
		cf.index[cf.current] = off
	}

	n, err := cf.f.WriteAt(buf, off)
	if err != nil {
		return wrapError(KindIO, "cf_write_block", cf.path, err)
	}
	if n != len(buf) {
		return wrapError(KindIO, "cf_write_block", cf.path, errShortWrite)
	}

	entry := make([]byte, 8)
	binary.LittleEndian.PutUint64(entry, uint64(off))
	if _, err := cf.f.WriteAt(entry, indexOffset(cf.current)); err != nil {
		return wrapError(KindIO, "cf_write_block", cf.path, err)
	}

	cf.dirty = true
	return nil
}

// blockUsed reports whether the current block has an override.
func (cf *changeFile) blockUsed() bool {
	return cf.index[cf.current] != cfNoOverride
}

// sync recomputes and persists the header digest and flushes to disk.
func (cf *changeFile) sync() error {
	if err := cf.writeHeader(); err != nil {
		return err
	}
	if err := cf.f.Sync(); err != nil {
		return wrapError(KindIO, "cf_sync", cf.path, err)
	}
	cf.dirty = false
	return nil
}

// finish flushes any pending writes and releases the underlying file.
func (cf *changeFile) finish() error {
	if cf.dirty {
		if err := cf.sync(); err != nil {
			cf.f.Close()
			return err
		}
	}
	return cf.f.Close()
}
