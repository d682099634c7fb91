package storage

// State is the storage's discovery/transition state. It never regresses:
// INIT moves to exactly one of SingleFile, SingleLiveWrap,
// MultiFileSizeKnown or MultiFileComplete (the last directly when a
// manifest is found on disk at construction, or when chunk 0 carries the
// whole manifest); MultiFileSizeKnown moves only to MultiFileComplete.
type State int

const (
	// StateInit means nothing is known yet; the storage is awaiting chunk 0.
	StateInit State = iota
	// StateSingleFile means the logical stream is backed by one on-disk file.
	StateSingleFile
	// StateSingleLiveWrap means the logical stream is a cyclic window of
	// fixed byte size over one on-disk file.
	StateSingleLiveWrap
	// StateMultiFileSizeKnown means the first chunk has arrived, the
	// manifest's declared length is known, and the manifest file exists but
	// isn't fully written yet.
	StateMultiFileSizeKnown
	// StateMultiFileComplete means the manifest is fully written and
	// parsed, and the file set is known.
	StateMultiFileComplete
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSingleFile:
		return "SINGLE_FILE"
	case StateSingleLiveWrap:
		return "SINGLE_LIVE_WRAP"
	case StateMultiFileSizeKnown:
		return "MFSPEC_SIZE_KNOWN"
	case StateMultiFileComplete:
		return "MFSPEC_COMPLETE"
	default:
		return "UNKNOWN"
	}
}
