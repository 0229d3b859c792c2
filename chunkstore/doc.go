// Package chunkstore stores transaction bodies in a blob backend and resolves
// them again by reference.
//
// # Payloads
//
// NewPayload is the only way untrusted values become a Payload. It accepts
// text, byte slices, ordered sequences and array-like objects (maps with a
// non-negative integer "length") and rejects everything else before any I/O:
//
//	p, err := chunkstore.NewPayload(body)
//	if errors.Is(err, errors.ErrEmptyPayload) { ... }
//
// # Records
//
// Each payload is written with one backend Put under a fresh ULID Reference.
// Sequences are CBOR encoded. Encoded bodies of at least CompressMinSize bytes
// are compressed with lz4 or zstd when that shrinks them. The record metadata
// holds kind, length, encoding, uncompressed size and a keyed BLAKE3 digest,
// which Retrieve verifies.
//
// Sequence elements come back in their CBOR decoded form: maps as
// map[string]any, nested lists as []any and integers as int64 or uint64.
//
// # Failures
//
// Store returns a reference only after the backend acknowledged every byte.
// Transient backend failures are retried, then surface as errors.ErrStorage.
// Unknown references fail with errors.ErrNotFound.
//
// # Background work
//
// Reclaimer deletes bodies of removed transactions through a worker pool.
// Service exposes the store on the NATS subject openhim.chunks.api and
// publishes stored/deleted events on openhim.chunks.events.
package chunkstore
