package diskusage

import "github.com/pkg/errors"

// Statfs is not supported on windows.
func Statfs(volumePath string) (DiskUsage, error) {
	return DiskUsage{}, errors.Errorf("disk usage of %q is not supported on windows", volumePath)
}
