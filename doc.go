// Package storage is the storage layer of a content-addressed, swarm-based
// transfer engine. It presents a single logical byte stream backed by
// either one on-disk file, a set of files described by an in-band manifest
// (the "multi-file spec"), or a fixed-size ring buffer reused cyclically for
// a live stream.
//
// Storage absorbs chunk writes that arrive in arbitrary order from the
// network, serves reads back to hashers and uploaders, and reserves on-disk
// space so random-offset I/O always succeeds. It does not verify data,
// schedule transfers, or talk to the network itself; those are the concern
// of the surrounding transfer object and the hash tree it owns.
package storage
