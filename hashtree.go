package storage

// HashTree is the external collaborator that holds cryptographic integrity
// state for the swarm's content. Storage calls SetSize once the true size
// becomes known (after a manifest arriving through WriteAt is fully written
// and parsed; a manifest found on disk by New does not trigger SetSize) and
// consults Size to decide whether a short read has reached the end of the
// logical stream.
//
// This package never verifies hashes; it only drives this interface.
type HashTree interface {
	SetSize(total int64)
	Size() int64
}
