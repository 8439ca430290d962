// Package partimage provides random-access reading and copy-on-write
// modification of partclone-style partition image files.
//
// An image is opened against a Backend (typically a file) with Open,
// which verifies the header and builds the block index needed for O(1)
// seeks. Writes never touch the base image: they land in a sidecar
// change-file overlay that shadows the base image on subsequent reads.
//
// Probe identifies an image's version stamp and runs that version's full
// verify against a throwaway context with no change file attached, useful
// for deciding whether a file is worth opening at all.
package partimage
