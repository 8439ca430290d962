package partimage

import "bytes"

// verifyV1 implements spec §4.3: magic check, fixed header, dense
// byte-wide usage map, trailing magic (soft-failable in tolerant mode).
func verifyV1(ctx *Context) error {
	prefixBuf := make([]byte, headerPrefixSize)
	if _, err := ctx.backend.ReadAt(prefixBuf, 0); err != nil {
		return wrapError(KindIO, "verify", ctx.path, err)
	}
	prefix, err := parseHeaderPrefix(prefixBuf)
	if err != nil {
		return err
	}
	if !prefix.hasV1Magic() {
		return newError(KindInvalidFormat, "verify", ctx.path, "V1 magic mismatch")
	}

	bodyBuf := make([]byte, v1BodySize)
	if _, err := ctx.backend.ReadAt(bodyBuf, headerPrefixSize); err != nil {
		return wrapError(KindIO, "verify", ctx.path, err)
	}
	body, err := parseV1Body(bodyBuf)
	if err != nil {
		return err
	}

	// V1 sets checksum_size = CRC_SIZE and blocks_per_checksum = 1
	// unconditionally (libpartclone.c v1_verify), and rblock2offset
	// applies that stride to V1 exactly as it does to V2: every stored
	// block is followed by a crcSize-byte checksum slot in the data
	// region, skipped over (never read or validated) by physicalOffset.
	ctx.header = Header{
		BlockSize:         body.BlockSize,
		TotalBlocks:       body.TotalBlocks,
		DeviceSize:        body.DeviceSize,
		ChecksumSize:      crcSize,
		BlocksPerChecksum: 1,
		HeadSize:          v1HeadSize(body.TotalBlocks),
	}

	usageMap := make([]byte, body.TotalBlocks)
	if body.TotalBlocks > 0 {
		if _, err := ctx.backend.ReadAt(usageMap, headerPrefixSize+v1BodySize); err != nil {
			return wrapError(KindIO, "verify", ctx.path, err)
		}
	}

	trailer := make([]byte, len(magicV2Trail))
	trailerOffset := headerPrefixSize + v1BodySize + int64(body.TotalBlocks)
	if _, err := ctx.backend.ReadAt(trailer, trailerOffset); err != nil {
		return wrapError(KindIO, "verify", ctx.path, err)
	}
	if !bytes.Equal(trailer, []byte(magicV2Trail)) {
		if !ctx.tolerant {
			return newError(KindInvalidFormat, "verify", ctx.path, "V1 trailing magic mismatch")
		}
		ctx.trailingMagicWarning = true
	}

	if ctx.anomalyReporter != nil {
		anomalies := 0
		for _, b := range usageMap {
			if b != 0 && b != 1 {
				anomalies++
			}
		}
		if anomalies > 0 {
			ctx.anomalyReporter("v1-usage-map-byte", anomalies)
		}
	}

	// Anything other than the literal value 1 is treated as "not used",
	// matching the reference implementation (spec §4.3 step 5, §9).
	normalized := make([]byte, len(usageMap))
	for i, b := range usageMap {
		if b == 1 {
			normalized[i] = 1
		}
	}

	return ctx.finishVerify(normalized)
}
