// Package storage defines the blob backend interface used by the chunk store.
//
// Three backends implement Store:
//
//   - objectstore: NATS JetStream object store bucket
//   - redisstore: one Redis hash per object
//   - gridfs: MongoDB GridFS bucket
//
// Backends report a missing key as errors.ErrNotFound and return the number
// of bytes the server acknowledged from Put so that callers can detect short
// writes. Metadata travels with the object as string pairs.
package storage
