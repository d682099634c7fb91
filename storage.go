package storage

import (
	"io"
	"os"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/pkg/errors"
)

// LiveWindowAll is the sentinel meaning "not a live swarm": a positive
// live window size switches Storage into the bounded ring mode of §4.2/4.8,
// anything else (including this sentinel) keeps ordinary file-backed
// semantics.
const LiveWindowAll int64 = 0

// AllocCallback is a one-shot notification fired on the first ResizeReserved
// call a Storage receives, since preallocation is potentially slow. It fires
// even when that call only defers the request or fails.
type AllocCallback func()

// Storage presents a single logical byte stream for a swarm, backed by one
// on-disk file, a set of manifest-described files, or a cyclic live-window
// ring over one file.
//
// Storage is not internally synchronized: the caller must serialize all
// calls against a given instance. Distinct Storage instances never share
// file descriptors or state, and may be driven concurrently.
type Storage struct {
	logger log.Logger

	state State
	ht    HashTree

	osPathname            string
	destdir               string
	metaMfspecOsPathname  string
	liveDiscWndBytes      int64

	singleFile *os.File

	sfs    []*StorageFile
	lastSF int // index into sfs, -1 means unset

	specSize          int64
	totalSizeFromSpec int64
	reservedSize      int64 // deferred ResizeReserved request made while still in StateInit; -1 if none

	allocCB AllocCallback

	broken bool
}

// New constructs a Storage for a swarm. osPathname is the destination path
// for single-file swarms, or the path to the manifest for multi-file ones.
// destdir is the directory multi-file entries are created under.
// metaMfspecOsPathname is an optional alternate location the manifest may
// already live at (the seeding case, when it wasn't written to
// osPathname). liveDiscWndBytes switches on the live ring when positive
// and not LiveWindowAll.
func New(osPathname, destdir string, ht HashTree, liveDiscWndBytes int64, metaMfspecOsPathname string) (*Storage, error) {
	s := &Storage{
		logger:               log.Default.WithNames("storage"),
		state:                StateInit,
		ht:                   ht,
		osPathname:           osPathname,
		destdir:              destdir,
		metaMfspecOsPathname: metaMfspecOsPathname,
		liveDiscWndBytes:     liveDiscWndBytes,
		lastSF:               -1,
		totalSizeFromSpec:    -1,
		reservedSize:         -1,
	}

	if liveDiscWndBytes > 0 && liveDiscWndBytes != LiveWindowAll {
		s.state = StateSingleLiveWrap
		if err := s.openSingleFile(); err != nil {
			s.SetBroken()
			return s, err
		}
		return s, nil
	}

	filename := osPathname
	info, err := os.Stat(osPathname)
	if err != nil && !os.IsNotExist(err) {
		s.SetBroken()
		return s, errors.Wrapf(err, "storage: statting %q", osPathname)
	}
	if os.IsNotExist(err) {
		filename = metaMfspecOsPathname
		info, err = os.Stat(metaMfspecOsPathname)
		if err != nil && !os.IsNotExist(err) {
			s.SetBroken()
			return s, errors.Wrapf(err, "storage: statting %q", metaMfspecOsPathname)
		}
		if os.IsNotExist(err) {
			// Neither path exists: this is a client swarm whose content
			// will arrive over the network. Stay in StateInit.
			return s, nil
		}
	}

	// filename exists. Peek at its leading bytes to see if it's a
	// multi-file manifest.
	f, err := os.Open(filename)
	if err != nil {
		s.SetBroken()
		return s, errors.Wrapf(err, "storage: opening %q", filename)
	}
	readbuf := make([]byte, len(MultifilePathname))
	n, readErr := f.Read(readbuf)
	f.Close()
	if readErr != nil && readErr != io.EOF {
		s.SetBroken()
		return s, errors.Wrapf(readErr, "storage: reading %q", filename)
	}
	if n < len(readbuf) || string(readbuf[:n]) != MultifilePathname {
		// Too short to carry the marker, or simply doesn't: a plain single
		// file.
		s.state = StateSingleFile
		s.logger.Levelf(log.Debug, "found single file, will check it: %q", filename)
		if err := s.openSingleFile(); err != nil {
			s.SetBroken()
			return s, err
		}
		return s, nil
	}

	// Seeding a multi-file swarm.
	s.state = StateMultiFileComplete
	s.logger.Levelf(log.Debug, "found multifile manifest, will seed it: %q", filename)

	sf, err := newStorageFile(MultifilePathname, 0, info.Size(), filename)
	if err != nil {
		s.SetBroken()
		return s, err
	}
	s.sfs = append(s.sfs, sf)
	if err := s.parseSpec(sf); err != nil {
		s.SetBroken()
		return s, errors.Wrap(err, "storage: parsing multifile manifest")
	}
	return s, nil
}

// openSingleFile opens (creating if necessary) the single backing file and
// applies any ResizeReserved call that was deferred while in StateInit.
func (s *Storage) openSingleFile() error {
	f, err := os.OpenFile(s.osPathname, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return errors.Wrapf(err, "storage: opening single file %q", s.osPathname)
	}
	s.singleFile = f

	if s.reservedSize != -1 {
		size := s.reservedSize
		if err := s.ResizeReserved(size); err != nil {
			f.Close()
			s.singleFile = nil
			return err
		}
	}
	return nil
}

// Close releases every file descriptor this Storage owns.
func (s *Storage) Close() error {
	var err error
	if s.singleFile != nil {
		err = s.singleFile.Close()
		s.singleFile = nil
	}
	for _, sf := range s.sfs {
		if cerr := sf.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.sfs = nil
	return err
}

// IsOperational reports whether the storage has not yet latched into the
// broken state.
func (s *Storage) IsOperational() bool {
	return !s.broken
}

// SetBroken latches the storage into its sticky failure state. Every
// further WriteAt, ReadAt and ResizeReserved call fails with ErrBroken.
func (s *Storage) SetBroken() {
	if !s.broken {
		s.logger.Levelf(log.Warning, "storage latched broken")
	}
	s.broken = true
}

// SetAllocCallback installs a one-shot notification fired on the first
// ResizeReserved call this Storage receives.
func (s *Storage) SetAllocCallback(cb AllocCallback) {
	s.allocCB = cb
}

// State returns the storage's current discovery/transition state.
func (s *Storage) State() State {
	return s.state
}

// Files returns the storage's known file set, sorted by start offset. It is
// empty unless the storage is a fully-parsed multi-file swarm.
func (s *Storage) Files() []*StorageFile {
	return s.sfs
}

// OSToSpecPath translates a host filesystem path into the manifest's
// portable path syntax.
func (s *Storage) OSToSpecPath(p string) string { return OSToSpecPath(p) }

// SpecToOSPath translates a portable manifest path into the host
// filesystem's native path syntax.
func (s *Storage) SpecToOSPath(p string) string { return SpecToOSPath(p) }

// WriteAt absorbs a chunk arriving at a logical offset. It dispatches on
// the current state, possibly discovering whether the swarm is single- or
// multi-file along the way.
func (s *Storage) WriteAt(buf []byte, offset int64) (int, error) {
	if s.broken {
		return 0, ErrBroken
	}

	s.logger.Levelf(log.Debug, "write: %d bytes at %d, state %v", len(buf), offset, s.state)

	switch s.state {
	case StateSingleFile:
		n, err := s.singleFile.WriteAt(buf, offset)
		if err != nil {
			return n, errors.Wrap(err, "storage: writing single file")
		}
		return n, nil

	case StateSingleLiveWrap:
		return s.writeLiveWrap(buf, offset)

	case StateInit:
		return s.writeInit(buf, offset)

	case StateMultiFileSizeKnown:
		return s.writeSpecPart(s.sfs[0], buf, offset)

	case StateMultiFileComplete:
		return s.writeMultiFile(buf, offset)

	default:
		return 0, errors.Wrapf(ErrInvalidState, "storage: write in state %v", s.state)
	}
}

// writeLiveWrap splits a write at most once across the ring boundary: the
// head fills the window up to its edge, the remainder lands whole at
// physical offset 0, even if it overruns the window itself. This mirrors
// the original's recursive call, whose remainder always lands at offset 0
// rather than being re-split against the window again.
func (s *Storage) writeLiveWrap(buf []byte, offset int64) (int, error) {
	w := offset % s.liveDiscWndBytes
	if w+int64(len(buf)) <= s.liveDiscWndBytes {
		n, err := s.singleFile.WriteAt(buf, w)
		if err != nil {
			return n, errors.Wrap(err, "storage: writing live ring")
		}
		return n, nil
	}

	head := s.liveDiscWndBytes - w
	n, err := s.singleFile.WriteAt(buf[:head], w)
	if err != nil {
		return n, errors.Wrap(err, "storage: writing live ring")
	}
	if int64(n) < head {
		return n, nil
	}

	n2, err := s.singleFile.WriteAt(buf[head:], 0)
	if err != nil {
		return int(head) + n2, errors.Wrap(err, "storage: writing live ring")
	}
	return int(head) + n2, nil
}

// writeInit handles the very first write this Storage has seen: it
// discovers whether the swarm is single- or multi-file.
func (s *Storage) writeInit(buf []byte, offset int64) (int, error) {
	if offset != 0 {
		s.logger.Levelf(log.Info, "write: first write at offset %d != 0, assuming live swarm prelude", offset)
	}

	if hasManifestMarker(buf) {
		s.logger.Levelf(log.Debug, "write: chunk 0 carries multifile manifest marker")
		size, err := parseDeclaredSpecSize(buf)
		if err != nil {
			return 0, err
		}
		s.specSize = size

		sf, err := newStorageFile(MultifilePathname, 0, size, s.osPathname)
		if err != nil {
			s.SetBroken()
			return 0, err
		}
		s.sfs = append(s.sfs, sf)
		return s.writeSpecPart(sf, buf, offset)
	}

	s.state = StateSingleFile
	if err := s.openSingleFile(); err != nil {
		s.SetBroken()
		return 0, err
	}
	return s.WriteAt(buf, offset)
}

func hasManifestMarker(buf []byte) bool {
	return len(buf) >= len(MultifilePathname) && string(buf[:len(MultifilePathname)]) == MultifilePathname
}

// writeSpecPart writes a portion of the manifest into sfs[0]. Completing
// the manifest transitions to StateMultiFileComplete, parses it, informs
// the hash tree of the now-known total size, preallocates every entry, and
// recurses on any tail bytes that belong to the now-known file set.
func (s *Storage) writeSpecPart(sf *StorageFile, buf []byte, offset int64) (int, error) {
	head, tail, err := writeBuffer(sf, buf, offset)
	if err != nil {
		return 0, err
	}

	if offset+head != sf.end+1 {
		s.state = StateMultiFileSizeKnown
		return int(head), nil
	}

	// Wrote the last part of the manifest.
	s.state = StateMultiFileComplete
	if err := s.parseSpec(sf); err != nil {
		s.SetBroken()
		return int(head), err
	}

	if s.ht != nil {
		s.ht.SetSize(s.GetSizeFromSpec())
	}

	if err := s.ResizeReserved(s.GetSizeFromSpec()); err != nil {
		return int(head), err
	}

	if tail > 0 {
		n, err := s.WriteAt(buf[head:], offset+head)
		if err != nil {
			return int(head) + n, err
		}
		return int(head) + n, nil
	}
	return int(head), nil
}

// writeBuffer returns (head, tail): head is the number of bytes written
// into sf, tail is the remainder that belongs to the next file(s).
func writeBuffer(sf *StorageFile, buf []byte, offset int64) (head, tail int64, err error) {
	nbyte := int64(len(buf))
	if offset+nbyte <= sf.end+1 {
		n, err := sf.writeAt(buf, offset-sf.start)
		if err != nil {
			return 0, 0, errors.Wrap(err, "storage: writing manifest/entry file")
		}
		return int64(n), 0, nil
	}

	head = sf.end + 1 - offset
	tail = nbyte - head
	n, err := sf.writeAt(buf[:head], offset-sf.start)
	if err != nil {
		return 0, 0, errors.Wrap(err, "storage: writing manifest/entry file")
	}
	return int64(n), tail, nil
}

// writeMultiFile dispatches a write against a fully-known file set,
// looping across as many StorageFiles as the buffer spans.
func (s *Storage) writeMultiFile(buf []byte, offset int64) (int, error) {
	var written int64
	for len(buf) > 0 {
		sf, err := s.findStorageFileCached(offset)
		if err != nil {
			return int(written), err
		}

		head, tail, err := writeBuffer(sf, buf, offset)
		if err != nil {
			return int(written), err
		}
		written += head
		buf = buf[head:]
		offset += head
		if tail == 0 {
			break
		}
		panicif.NotEq(int64(len(buf)), tail)
	}
	return int(written), nil
}

// findStorageFileCached consults the last-file-used accelerator before
// falling back to binary search.
func (s *Storage) findStorageFileCached(offset int64) (*StorageFile, error) {
	if s.lastSF >= 0 {
		sf := s.sfs[s.lastSF]
		if offset >= sf.start && offset <= sf.end {
			return sf, nil
		}
	}
	sf, idx := s.findStorageFile(offset)
	if sf == nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "storage: offset %d maps to no file", offset)
	}
	s.lastSF = idx
	return sf, nil
}

// findStorageFile binary-searches sfs, which is sorted and contiguous by
// invariant, for the StorageFile containing offset.
func (s *Storage) findStorageFile(offset int64) (*StorageFile, int) {
	imin, imax := 0, len(s.sfs)-1
	for imax >= imin {
		imid := (imin + imax) / 2
		switch {
		case offset >= s.sfs[imid].end+1:
			imin = imid + 1
		case offset < s.sfs[imid].start:
			imax = imid - 1
		default:
			return s.sfs[imid], imid
		}
	}
	return nil, -1
}

// ReadAt serves a read back to a hasher or uploader.
func (s *Storage) ReadAt(buf []byte, offset int64) (int, error) {
	if s.broken {
		return 0, ErrBroken
	}

	switch s.state {
	case StateSingleFile:
		n, err := s.singleFile.ReadAt(buf, offset)
		if err != nil {
			return n, errors.Wrap(err, "storage: reading single file")
		}
		return n, nil

	case StateSingleLiveWrap:
		// Reads do not auto-split at the ring boundary: callers are
		// expected to honor the window and never span it.
		n, err := s.singleFile.ReadAt(buf, offset%s.liveDiscWndBytes)
		if err != nil {
			return n, errors.Wrap(err, "storage: reading live ring")
		}
		return n, nil

	case StateInit:
		return 0, errors.Wrap(ErrInvalidState, "storage: read while still discovering swarm layout")

	default:
		return s.readMultiFile(buf, offset)
	}
}

func (s *Storage) readMultiFile(buf []byte, offset int64) (int, error) {
	var read int
	for len(buf) > 0 {
		sf, err := s.findStorageFileCached(offset)
		if err != nil {
			return read, err
		}

		n, err := sf.readAt(buf, offset-sf.start)
		read += n
		if err != nil && n == 0 {
			return read, errors.Wrap(err, "storage: reading entry file")
		}

		buf = buf[n:]
		offset += int64(n)

		if len(buf) == 0 {
			return read, nil
		}
		if s.ht != nil && offset == s.ht.Size() {
			// Reached the end of the logical stream.
			return read, nil
		}
		if n == 0 {
			// No progress and not at the logical end: genuinely short.
			return read, nil
		}
	}
	return read, nil
}

// GetSizeFromSpec returns the manifest's declared total size, or -1 unless
// the storage is a fully-parsed multi-file swarm.
func (s *Storage) GetSizeFromSpec() int64 {
	if s.state != StateMultiFileComplete {
		return -1
	}
	return s.totalSizeFromSpec
}

// GetReservedSize returns the amount of physical space currently committed
// on disk.
func (s *Storage) GetReservedSize() int64 {
	switch s.state {
	case StateSingleFile:
		info, err := s.singleFile.Stat()
		if err != nil {
			return -1
		}
		return info.Size()
	case StateMultiFileComplete:
		var total int64
		for _, sf := range s.sfs {
			n, err := sf.reservedSize()
			if err != nil {
				return -1
			}
			total += n
		}
		return total
	default:
		return -1
	}
}

// GetMinimalReservedSize returns the manifest's own size in multi-file
// mode, 0 in single-file mode, or -1 when not yet determinable.
func (s *Storage) GetMinimalReservedSize() int64 {
	switch s.state {
	case StateSingleFile:
		return 0
	case StateMultiFileComplete:
		return s.sfs[0].size()
	default:
		return -1
	}
}

// ResizeReserved requests that size bytes be committed on disk. In
// StateInit the request is deferred until the backing file is opened. In
// multi-file mode, shrinking is never honored: only a strictly larger
// request reserves space, one file at a time.
func (s *Storage) ResizeReserved(size int64) error {
	if s.broken {
		return ErrBroken
	}

	if s.allocCB != nil {
		s.allocCB()
		s.allocCB = nil
	}

	switch s.state {
	case StateSingleFile:
		if err := s.singleFile.Truncate(size); err != nil {
			return errors.Wrapf(err, "storage: resizing single file to %d bytes", size)
		}
		return nil

	case StateInit:
		s.reservedSize = size
		return nil

	case StateMultiFileComplete:
		if size <= s.GetReservedSize() {
			return nil
		}
		for _, sf := range s.sfs {
			if err := sf.resizeReserved(); err != nil {
				return err
			}
		}
		return nil

	default:
		return errors.Wrapf(ErrInvalidState, "storage: ResizeReserved in state %v", s.state)
	}
}
