package storage

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// MultifilePathname is the literal marker that opens a multi-file
	// manifest: the manifest's own entry name.
	MultifilePathname = "META-INF-multifilespec.txt"

	// MultifileMaxLine bounds the length of a single manifest line.
	MultifileMaxLine = 4096
)

// parseSpec reads the manifest held by sf (the manifest's own StorageFile,
// always sfs[0]) and appends one StorageFile per subsequent line to sfs.
// The first line describes the manifest itself and does not allocate a new
// StorageFile; sfs[0] already exists. total_size_from_spec becomes the sum
// of every entry's size, manifest included.
//
// Any malformed line (no numeric size, an unsafe path) aborts the parse;
// the caller is responsible for marking the storage broken.
func (s *Storage) parseSpec(sf *StorageFile) error {
	f, err := os.Open(sf.osPathname)
	if err != nil {
		return errors.Wrapf(err, "storage: opening manifest %q", sf.osPathname)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, MultifileMaxLine), MultifileMaxLine)

	var offset int64
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		specPath, size, err := parseManifestLine(line)
		if err != nil {
			return err
		}

		if first {
			// sf already exists for the manifest entry itself; just advance.
			offset += sf.size()
			first = false
			continue
		}

		if err := validateSpecPath(specPath); err != nil {
			return err
		}

		osPath := filepath.Join(s.destdir, SpecToOSPath(specPath))
		entry, err := newStorageFile(specPath, offset, size, osPath)
		if err != nil {
			return err
		}
		s.sfs = append(s.sfs, entry)
		offset += size
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return errors.Wrap(ErrInvalidArgument, "storage: manifest line exceeds MultifileMaxLine")
		}
		return errors.Wrap(err, "storage: reading manifest")
	}

	s.totalSizeFromSpec = offset
	return nil
}

// parseManifestLine splits a "<portable-path> <decimal-size>" line on the
// *last* space, since paths may themselves contain spaces.
func parseManifestLine(line string) (specPath string, size int64, err error) {
	idx := strings.LastIndex(line, " ")
	if idx < 0 {
		return "", 0, errors.Wrap(ErrInvalidArgument, "storage: manifest line has no size field")
	}
	specPath = line[:idx]
	size, err = strconv.ParseInt(line[idx+1:], 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(ErrInvalidArgument, "storage: manifest line has non-numeric size: %v", err)
	}
	return specPath, size, nil
}

// validateSpecPath enforces manifest path safety: no leading separator, no
// ".." path-escape substring.
func validateSpecPath(specPath string) error {
	if strings.HasPrefix(specPath, specPathSep) {
		return errors.Wrapf(ErrInvalidArgument, "storage: manifest path %q starts with %q", specPath, specPathSep)
	}
	if strings.Contains(specPath, "..") {
		return errors.Wrapf(ErrInvalidArgument, "storage: manifest path %q contains \"..\"", specPath)
	}
	return nil
}

// parseDeclaredSpecSize parses the decimal size that follows
// "MultifilePathname " in the leading bytes of chunk 0.
func parseDeclaredSpecSize(buf []byte) (int64, error) {
	prefix := MultifilePathname + " "
	if len(buf) <= len(prefix) {
		return 0, errors.Wrap(ErrInvalidArgument, "storage: chunk 0 too short for manifest marker")
	}
	rest := string(buf[len(prefix):])
	// The declared size is the next decimal run; stop at whitespace/newline
	// or end of buffer, mirroring the original's sscanf("%" PRIi64).
	end := len(rest)
	for i, r := range rest {
		if r < '0' || r > '9' {
			end = i
			break
		}
	}
	if end == 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "storage: chunk 0 has no numeric manifest size")
	}
	size, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidArgument, "storage: chunk 0 manifest size: %v", err)
	}
	return size, nil
}
