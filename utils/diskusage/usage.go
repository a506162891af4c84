package diskusage

import (
	"os"
	"path/filepath"
)

// DiskUsage is the capacity of a file system.
type DiskUsage struct {
	AvailableBytes uint64
	SizeBytes      uint64
}

// Fits reports whether n more bytes can be written.
func (du DiskUsage) Fits(n uint64) bool {
	return n <= du.AvailableBytes
}

// Nearest returns the usage of the file system path is or would be created on, using its
// closest existing ancestor.
func Nearest(path string) (DiskUsage, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return DiskUsage{}, err
	}
	for {
		if _, err := os.Stat(path); err == nil {
			return Statfs(path)
		}
		parent := filepath.Dir(path)
		if parent == path {
			return Statfs(path)
		}
		path = parent
	}
}
