// Package smartbackup backs up directory trees into a deduplicating,
// versioned archive.
//
// A Runner drives the archive engine in package core: it scans a source
// tree, inserts new and changed files as new versions, tombstones files
// that disappeared, runs maintenance (hashing, deduplication and container
// defragmentation) and reconstructs trees or single versions on extraction.
//
// Per-file faults never stop a pass. They are collected into a Failures
// batch, reported through the progress callback as they happen, and
// returned with the pass report.
package smartbackup
