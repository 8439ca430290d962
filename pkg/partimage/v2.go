package partimage

import "encoding/binary"

// verifyV2 implements spec §4.4: configurable per-block checksum region,
// bit-packed usage bitmap guarded by a mandatory IEEE CRC-32. Unlike V1's
// trailing magic, this CRC is never downgraded by tolerant mode, because
// a corrupted bitmap corrupts block indexing outright.
func verifyV2(ctx *Context) error {
	prefixBuf := make([]byte, headerPrefixSize)
	if _, err := ctx.backend.ReadAt(prefixBuf, 0); err != nil {
		return wrapError(KindIO, "verify", ctx.path, err)
	}
	prefix, err := parseHeaderPrefix(prefixBuf)
	if err != nil {
		return err
	}
	if !prefix.hasV1Magic() {
		return newError(KindInvalidFormat, "verify", ctx.path, "V2 magic mismatch")
	}

	bodyBuf := make([]byte, v2BodySize)
	if _, err := ctx.backend.ReadAt(bodyBuf, headerPrefixSize); err != nil {
		return wrapError(KindIO, "verify", ctx.path, err)
	}
	body, err := parseV2Body(bodyBuf)
	if err != nil {
		return err
	}

	ctx.header = Header{
		BlockSize:         body.BlockSize,
		TotalBlocks:       body.TotalBlocks,
		DeviceSize:        body.DeviceSize,
		ChecksumSize:      body.ChecksumSize,
		BlocksPerChecksum: body.BlocksPerChecksum,
		HeadSize:          v2HeadSize(body.TotalBlocks),
	}

	bmSize := bitmapSize(body.TotalBlocks)
	raw := make([]byte, bmSize+4)
	if _, err := ctx.backend.ReadAt(raw, headerPrefixSize+v2BodySize); err != nil {
		return wrapError(KindIO, "verify", ctx.path, err)
	}

	bitmap := raw[:bmSize]
	storedCRC := binary.LittleEndian.Uint32(raw[bmSize:])
	if !ValidateCRC32(bitmap, storedCRC) {
		return newError(KindInvalidFormat, "verify", ctx.path, "V2 bitmap CRC mismatch")
	}

	usageMap := make([]byte, body.TotalBlocks)
	for i := uint64(0); i < body.TotalBlocks; i++ {
		usageMap[i] = (bitmap[i>>3] >> (i & 7)) & 1
	}

	return ctx.finishVerify(usageMap)
}
