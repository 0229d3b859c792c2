// Package objectstore implements storage.Store on a NATS JetStream object
// store bucket.
//
// Each body is one object named by its chunk reference; metadata is kept in
// the object's metadata map. Objects are written with a single Put so a
// reader never observes a partial upload. The bucket is created on first use.
package objectstore
