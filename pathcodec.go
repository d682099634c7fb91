package storage

import (
	"os"
	"strings"
)

// specPathSep is the separator used inside the manifest, independent of the
// host's path separator.
const specPathSep = "/"

// osPathSep is the host's native path separator, FILE_SEP in the original
// implementation.
var osPathSep = string(os.PathSeparator)

// SpecToOSPath translates a portable manifest path (forward-slash
// separated, UTF-8) into the host filesystem's native path syntax.
func SpecToOSPath(p string) string {
	if specPathSep == osPathSep {
		return p
	}
	return strings.ReplaceAll(p, specPathSep, osPathSep)
}

// OSToSpecPath translates a host filesystem path into the manifest's
// portable path syntax. It is the inverse of SpecToOSPath.
func OSToSpecPath(p string) string {
	if specPathSep == osPathSep {
		return p
	}
	return strings.ReplaceAll(p, osPathSep, specPathSep)
}
