// Package backup implements a deduplicating, versioned backup archive.
//
// An archive is a directory holding two kinds of files:
//   - Containers: bounded append-only files of raw or compressed payloads,
//     named {pattern}.{index}.{ext} and addressed by offset and length
//   - Catalogue: a CBOR document, {pattern}.catalogue, recording every
//     version of every source file and where its payload lives
//
// Identical payloads are found by length, then a cheap primary digest, then a
// strong secondary digest, and are replaced by links to a single stored copy.
// Defragmentation compacts containers to reclaim the replaced bytes.
//
// An Archive is driven by a single logical worker and is not safe for
// concurrent use.
package backup
