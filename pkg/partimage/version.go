package partimage

// versionEntry is the dispatch table row selected by a 4-byte version
// stamp (spec §4.2). init/finish/seek/read_block/block_used/write_block
// /sync are identical across rows once verify has run — only verify
// differs, so the table carries just that one function.
type versionEntry struct {
	stamp  string
	verify func(ctx *Context) error
}

var versionTable = map[string]versionEntry{
	versionStampV1: {stamp: versionStampV1, verify: verifyV1},
	versionStampV2: {stamp: versionStampV2, verify: verifyV2},
}

func lookupVersion(stamp string) (versionEntry, error) {
	entry, ok := versionTable[stamp]
	if !ok {
		return versionEntry{}, newError(KindNotFound, "verify", "", "unrecognized version stamp: "+stamp)
	}
	return entry, nil
}
