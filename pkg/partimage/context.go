package partimage

// lifecycleFlags track an image context's progress through initialization
// (spec §3.2). They are monotonic during a successful open and cleared on
// Close.
type lifecycleFlags uint16

const (
	flagValid lifecycleFlags = 1 << iota
	flagOpen
	flagHeadValid
	flagVerified
	flagVersionInit
	flagHaveCFDep
	flagCFOpen
	flagCFVerified
	flagReadOnly
)

func (f lifecycleFlags) has(bit lifecycleFlags) bool { return f&bit != 0 }

// OpenMode selects how an image (and its change-file) may be used.
type OpenMode int

const (
	// ModeReadOnly permits reads only; Write returns invalid-argument.
	ModeReadOnly OpenMode = iota
	// ModeReadWrite permits reads and writes against an existing
	// change-file, creating it lazily on first write.
	ModeReadWrite
)

// versionState is the shared shape described in spec §3.1: a dense
// byte-wide usage map plus the sparse prefix-sum index used to answer
// "how many used blocks precede block b" in O(1).
type versionState struct {
	usageMap          []byte
	prefixValidCount  []uint64
	walkingValidCount uint64
	prefixFactor      uint
}

// Context is the process-local handle for an opened image (spec §3.1).
// It is not safe for concurrent use; callers must serialize operations
// on a given handle (spec §5).
type Context struct {
	backend Backend
	path    string

	changeFilePath string
	cf             *changeFile

	invalidBlockBuffer []byte

	header  Header
	state   *versionState
	version versionEntry

	flags        lifecycleFlags
	currentBlock uint64
	openMode     OpenMode
	tolerant     bool

	trailingMagicWarning bool
	anomalyReporter      AnomalyReporter
}

// AnomalyReporter is invoked once during V1 verify, and only when at
// least one usage-map byte is neither 0 nor 1, with the count of such
// bytes (spec §9's open question:
// such bytes are treated as "not used", but a caller may want to know
// they existed).
type AnomalyReporter func(kind string, count int)

// Options configures Open.
type Options struct {
	Mode            OpenMode
	Tolerant        bool
	ChangeFilePath  string
	PrefixSumFactor uint
	AnomalyReporter AnomalyReporter
}

// Probe identifies the image format and reports its version stamp. After
// matching the magic and stamp it runs that version's full verify against
// a throwaway context with no change file attached. It never mutates
// backend and leaves no context behind (spec §8 S6).
func Probe(backend Backend) (string, error) {
	buf := make([]byte, headerPrefixSize)
	if _, err := backend.ReadAt(buf, 0); err != nil {
		return "", wrapError(KindIO, "probe", "", err)
	}
	prefix, err := parseHeaderPrefix(buf)
	if err != nil {
		return "", err
	}
	if !prefix.hasV1Magic() {
		return "", newError(KindInvalidFormat, "probe", "", "unrecognized image magic")
	}
	stamp := prefix.versionStamp()
	entry, err := lookupVersion(stamp)
	if err != nil {
		return "", err
	}

	// Run the matched version's full verify (usage index, trailing
	// magic/CRC) against a scratch context so a truncated or corrupted
	// image with a recognizable magic+stamp still fails probe, matching
	// partclone_probe's open+verify+close (libpartclone.c:886-896). The
	// scratch context is discarded without Close: backend belongs to
	// the caller, and probe performs no writes to discard.
	scratch := &Context{backend: backend, state: &versionState{prefixFactor: defaultPrefixSumFactor}}
	if err := entry.verify(scratch); err != nil {
		return "", err
	}

	return stamp, nil
}

// Open allocates a Context over backend and verifies it, following the
// dispatch table entry matched by the embedded version stamp. On any
// verify failure the context is left in the OPEN state and is safely
// closable (spec §7).
func Open(backend Backend, path string, opts Options) (*Context, error) {
	ctx := &Context{
		backend:         backend,
		path:            path,
		changeFilePath:  opts.ChangeFilePath,
		openMode:        opts.Mode,
		tolerant:        opts.Tolerant,
		anomalyReporter: opts.AnomalyReporter,
		flags:           flagValid | flagOpen,
	}
	if opts.Mode == ModeReadOnly {
		ctx.flags |= flagReadOnly
	}
	ctx.state = &versionState{prefixFactor: opts.PrefixSumFactor}
	if ctx.state.prefixFactor == 0 {
		ctx.state.prefixFactor = defaultPrefixSumFactor
	}

	prefixBuf := make([]byte, headerPrefixSize)
	if _, err := backend.ReadAt(prefixBuf, 0); err != nil {
		return ctx, wrapError(KindIO, "open", path, err)
	}
	prefix, err := parseHeaderPrefix(prefixBuf)
	if err != nil {
		return ctx, err
	}
	ctx.flags |= flagHeadValid

	entry, err := lookupVersion(prefix.versionStamp())
	if err != nil {
		return ctx, err
	}
	ctx.version = entry

	if err := entry.verify(ctx); err != nil {
		return ctx, err
	}

	if ctx.changeFilePath != "" {
		ctx.flags |= flagHaveCFDep
		cf, err := openChangeFile(ctx.changeFilePath, ctx.header.BlockSize, ctx.header.TotalBlocks)
		if err == nil {
			ctx.cf = cf
			ctx.flags |= flagCFOpen
			if verr := cf.verify(); verr == nil {
				ctx.flags |= flagCFVerified
			}
		}
	}

	return ctx, nil
}

// finishVerify completes verify for either version: it stores the
// usage map, precomputes prefix sums, reconciles device_size, and marks
// the context VERIFIED (spec §4.6).
func (ctx *Context) finishVerify(usageMap []byte) error {
	ctx.state.usageMap = usageMap
	ctx.state.prefixValidCount = precalculatePrefixSums(usageMap, ctx.header.TotalBlocks, ctx.state.prefixFactor)

	computed := ctx.header.TotalBlocks * uint64(ctx.header.BlockSize)
	if computed != ctx.header.DeviceSize {
		ctx.header.DeviceSize = computed
	}

	ctx.invalidBlockBuffer = make([]byte, ctx.header.BlockSize)
	ctx.flags |= flagVerified | flagVersionInit
	return nil
}

// TolerantMode sets tolerant mode for a context already open. Open runs
// verify before it returns, using Options.Tolerant, so calling this
// afterwards does not change the outcome of that verify.
func (ctx *Context) TolerantMode(enable bool) {
	ctx.tolerant = enable
}

func (ctx *Context) requireVerified(op string) error {
	if ctx == nil || !ctx.flags.has(flagVerified) {
		return newError(KindInvalidArgument, op, ctx.pathOrEmpty(), "context not verified")
	}
	return nil
}

func (ctx *Context) pathOrEmpty() string {
	if ctx == nil {
		return ""
	}
	return ctx.path
}

// BlockSize returns the image's block size in bytes, or the all-ones
// sentinel (the unsigned image of the reference implementation's int64
// -1) if the context is not yet verified (spec §4.1, partclone_blocksize).
func (ctx *Context) BlockSize() uint32 {
	if !ctx.flags.has(flagVerified) {
		return ^uint32(0)
	}
	return ctx.header.BlockSize
}

// BlockCount returns the image's total logical block count, or the
// all-ones sentinel if the context is not yet verified (spec §4.1,
// partclone_blockcount).
func (ctx *Context) BlockCount() uint64 {
	if !ctx.flags.has(flagVerified) {
		return ^uint64(0)
	}
	return ctx.header.TotalBlocks
}

// Tell returns the current logical block cursor, or the all-ones
// sentinel if the context is not read-ready (spec §4.1, partclone_tell).
func (ctx *Context) Tell() uint64 {
	if !ctx.flags.has(flagVerified) {
		return ^uint64(0)
	}
	return ctx.currentBlock
}

// TrailingMagicDowngraded reports whether a V1 image's trailing magic
// failed to match but was downgraded from fatal to a recorded warning
// because the context was opened with Options.Tolerant (spec §4.8).
func (ctx *Context) TrailingMagicDowngraded() bool { return ctx.trailingMagicWarning }

// Seek moves the logical block cursor and recomputes walking_valid_count
// from the nearest prefix-sum stride boundary (spec §4.7).
func (ctx *Context) Seek(block uint64) error {
	if err := ctx.requireVerified("seek"); err != nil {
		return err
	}
	if block > ctx.header.TotalBlocks {
		return newError(KindInvalidArgument, "seek", ctx.path, "block out of range")
	}
	ctx.currentBlock = block
	ctx.state.walkingValidCount = walkingCountAt(ctx.state.usageMap, ctx.state.prefixValidCount, ctx.state.prefixFactor, block)

	if ctx.cf != nil {
		if err := ctx.cf.seek(block); err != nil {
			return err
		}
	}
	return nil
}

// physicalOffset computes the byte offset of the N-th stored (used)
// block, per spec Testable Property 1. Mirrors rblock2offset in the
// reference implementation: head_size + n*block_size, plus one
// checksum_size step for every blocks_per_checksum stored blocks
// already passed. blocks_per_checksum of 0 skips that term entirely,
// the same guard the reference implementation applies, since a V2
// header can carry that value straight off disk.
func (ctx *Context) physicalOffset(n uint64) int64 {
	off := ctx.header.HeadSize + int64(n)*int64(ctx.header.BlockSize)
	if bpc := uint64(ctx.header.BlocksPerChecksum); bpc != 0 {
		off += int64(n/bpc) * int64(ctx.header.ChecksumSize)
	}
	return off
}

// BlockUsed reports whether the current block is present in the base
// image, or has been overridden in the change file (spec §4.7).
func (ctx *Context) BlockUsed() (bool, error) {
	if err := ctx.requireVerified("block_used"); err != nil {
		return false, err
	}
	if ctx.cf != nil && ctx.cf.blockUsed() {
		return true, nil
	}
	return ctx.state.usageMap[ctx.currentBlock] == 1, nil
}

// ReadBlocks reads count consecutive blocks starting at the current
// cursor into buf, which must be count*BlockSize bytes. A failed block
// aborts the batch; the cursor is left at the failing block.
func (ctx *Context) ReadBlocks(buf []byte, count uint64) error {
	if err := ctx.requireVerified("read_blocks"); err != nil {
		return err
	}
	bs := int(ctx.header.BlockSize)
	if len(buf) < int(count)*bs {
		return newError(KindInvalidArgument, "read_blocks", ctx.path, "buffer too small")
	}
	if count > ctx.header.TotalBlocks-ctx.currentBlock {
		return newError(KindInvalidArgument, "read_blocks", ctx.path, "read past end of image")
	}
	for i := uint64(0); i < count; i++ {
		if err := ctx.readOneBlock(buf[i*uint64(bs) : (i+1)*uint64(bs)]); err != nil {
			return err
		}
		if err := ctx.advance(); err != nil {
			return err
		}
	}
	return nil
}

// advance moves the cursor forward by exactly one block and counts the
// block it leaves into walking_valid_count when the base image marks it
// used (whether it was served from the base image, from the overlay, or
// written), instead of recomputing the count from the nearest stride
// boundary: a plain Seek here would needlessly redo an O(stride) walk on
// every block of a sequential read or write.
func (ctx *Context) advance() error {
	if ctx.state.usageMap[ctx.currentBlock] == 1 {
		ctx.state.walkingValidCount++
	}
	ctx.currentBlock++
	if ctx.cf != nil {
		return ctx.cf.seek(ctx.currentBlock)
	}
	return nil
}

func (ctx *Context) readOneBlock(dst []byte) error {
	if ctx.cf != nil {
		err := ctx.cf.readBlock(dst)
		if err == nil {
			return nil
		}
		if !IsKind(err, KindNotFound) {
			return err
		}
	}

	if ctx.state.usageMap[ctx.currentBlock] == 1 {
		off := ctx.physicalOffset(ctx.state.walkingValidCount)
		n, err := ctx.backend.ReadAt(dst, off)
		if err != nil {
			return wrapError(KindIO, "read_blocks", ctx.path, err)
		}
		if n != len(dst) {
			return wrapError(KindIO, "read_blocks", ctx.path, errShortRead)
		}
		return nil
	}

	copy(dst, ctx.invalidBlockBuffer)
	return nil
}

// ensureChangeFile lazily creates the overlay on first write (spec §4.7).
func (ctx *Context) ensureChangeFile() error {
	if ctx.cf != nil {
		return nil
	}
	path := ctx.changeFilePath
	if path == "" {
		path = ctx.path + DefaultChangeFileSuffix
		ctx.changeFilePath = path
	}
	cf, err := createChangeFile(path, ctx.header.BlockSize, ctx.header.TotalBlocks)
	if err != nil {
		return err
	}
	if err := cf.seek(ctx.currentBlock); err != nil {
		cf.finish()
		return err
	}
	ctx.cf = cf
	ctx.flags |= flagHaveCFDep | flagCFOpen | flagCFVerified
	return nil
}

// DefaultChangeFileSuffix is appended to an image path to derive its
// change-file path when Options.ChangeFilePath is empty.
const DefaultChangeFileSuffix = ".cf"

// WriteBlocks writes count consecutive blocks from buf through to the
// change-file overlay, starting at the current cursor. Read-only
// contexts reject this with invalid-argument and perform no I/O.
func (ctx *Context) WriteBlocks(buf []byte, count uint64) error {
	if err := ctx.requireVerified("write_blocks"); err != nil {
		return err
	}
	if ctx.flags.has(flagReadOnly) {
		return newError(KindInvalidArgument, "write_blocks", ctx.path, "context is read-only")
	}
	bs := int(ctx.header.BlockSize)
	if len(buf) < int(count)*bs {
		return newError(KindInvalidArgument, "write_blocks", ctx.path, "buffer too small")
	}
	if count > ctx.header.TotalBlocks-ctx.currentBlock {
		return newError(KindInvalidArgument, "write_blocks", ctx.path, "write past end of image")
	}

	if err := ctx.ensureChangeFile(); err != nil {
		return err
	}

	for i := uint64(0); i < count; i++ {
		if err := ctx.cf.seek(ctx.currentBlock); err != nil {
			return err
		}
		if err := ctx.cf.writeBlock(buf[i*uint64(bs) : (i+1)*uint64(bs)]); err != nil {
			return err
		}
		if err := ctx.advance(); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the change-file overlay if one is open and write-ready.
func (ctx *Context) Sync() error {
	if ctx.cf == nil {
		return nil
	}
	if ctx.flags.has(flagReadOnly) {
		return nil
	}
	return ctx.cf.sync()
}

// Close flushes and releases everything owned by ctx. It is safe to call
// on a context that only partially initialized (spec Testable Property 5).
func (ctx *Context) Close() error {
	if ctx == nil {
		return nil
	}
	var firstErr error
	if ctx.cf != nil {
		if err := ctx.cf.finish(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ctx.backend != nil {
		if err := ctx.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ctx.state = nil
	ctx.flags = 0
	return firstErr
}
