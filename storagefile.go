package storage

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// StorageFile owns a single open file descriptor mapped to a contiguous
// [start, end] interval of the logical stream.
type StorageFile struct {
	specPathname string // portable path, as it appears in the manifest
	osPathname   string // host path
	start        int64
	end          int64 // inclusive: end == start+size-1

	f *os.File
}

// newStorageFile creates (or opens) the backing file for a manifest entry,
// creating any missing parent directories first. start == 0 identifies the
// manifest/spec entry itself, which never needs directories made for it.
func newStorageFile(specPathname string, start, size int64, osPathname string) (*StorageFile, error) {
	normalized := collapseDoubleSep(osPathname)

	if start != 0 && strings.Contains(normalized, osPathSep) {
		if err := makeParentDirs(normalized); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(osPathname, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: opening file %q", osPathname)
	}

	return &StorageFile{
		specPathname: specPathname,
		osPathname:   osPathname,
		start:        start,
		end:          start + size - 1,
		f:            f,
	}, nil
}

// collapseDoubleSep collapses a doubled host separator, as the original
// implementation does for "//" (or "\\\\" on Windows) before walking
// prefixes.
func collapseDoubleSep(p string) string {
	return strings.ReplaceAll(p, osPathSep+osPathSep, osPathSep)
}

// makeParentDirs creates every missing prefix of p ending at a separator,
// failing if a prefix exists but is not a directory. A two-character
// Windows drive prefix ("X:") is skipped, since it never needs (or permits)
// mkdir.
func makeParentDirs(p string) error {
	sep := osPathSep[0]
	from := 0
	for {
		idx := strings.IndexByte(p[from:], sep)
		if idx < 0 {
			return nil
		}
		from += idx + 1
		prefix := p[:from-1]
		if prefix == "" {
			continue
		}
		if len(prefix) == 2 && prefix[1] == ':' {
			// Windows drive spec, e.g. "C:".
			continue
		}

		info, err := os.Stat(prefix)
		if err == nil {
			if !info.IsDir() {
				return errors.Errorf("storage: %q exists and is not a directory", prefix)
			}
			continue
		}
		if !os.IsNotExist(err) {
			return errors.Wrapf(err, "storage: statting %q", prefix)
		}
		if err := os.Mkdir(prefix, dirPerm); err != nil && !os.IsExist(err) {
			return errors.Wrapf(err, "storage: creating directory %q", prefix)
		}
	}
}

// size returns the declared entry size: end - start + 1.
func (sf *StorageFile) size() int64 {
	return sf.end - sf.start + 1
}

// SpecPathname is the entry's portable path, as it appears in the manifest.
func (sf *StorageFile) SpecPathname() string { return sf.specPathname }

// OSPathname is the entry's host filesystem path.
func (sf *StorageFile) OSPathname() string { return sf.osPathname }

// Start is the entry's first logical offset.
func (sf *StorageFile) Start() int64 { return sf.start }

// End is the entry's last logical offset, inclusive.
func (sf *StorageFile) End() int64 { return sf.end }

// Size is the entry's declared size in bytes.
func (sf *StorageFile) Size() int64 { return sf.size() }

// readAt reads at a file-local offset.
func (sf *StorageFile) readAt(b []byte, localOffset int64) (int, error) {
	return sf.f.ReadAt(b, localOffset)
}

// writeAt writes at a file-local offset.
func (sf *StorageFile) writeAt(b []byte, localOffset int64) (int, error) {
	return sf.f.WriteAt(b, localOffset)
}

// resizeReserved truncates/extends the backing file to its declared size.
func (sf *StorageFile) resizeReserved() error {
	if err := sf.f.Truncate(sf.size()); err != nil {
		return errors.Wrapf(err, "storage: resizing %q to %d bytes", sf.osPathname, sf.size())
	}
	return nil
}

// reservedSize stats the backing file for its actual on-disk size.
func (sf *StorageFile) reservedSize() (int64, error) {
	info, err := os.Stat(sf.osPathname)
	if err != nil {
		return -1, errors.Wrapf(err, "storage: statting %q", sf.osPathname)
	}
	return info.Size(), nil
}

func (sf *StorageFile) close() error {
	return sf.f.Close()
}
