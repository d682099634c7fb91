package storage

import "os"

// Default permissions for files and directories this package creates.
const (
	filePerm os.FileMode = 0o644
	dirPerm  os.FileMode = 0o755
)
