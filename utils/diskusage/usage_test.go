//go:build !windows

package diskusage

import (
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestNearest(t *testing.T) {
	dir := t.TempDir()
	usage, err := Statfs(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, usage.SizeBytes, test.ShouldBeGreaterThan, uint64(0))
	test.That(t, usage.AvailableBytes, test.ShouldBeLessThanOrEqualTo, usage.SizeBytes)

	nested, err := Nearest(filepath.Join(dir, "not", "created", "yet"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, nested.SizeBytes, test.ShouldEqual, usage.SizeBytes)

	test.That(t, DiskUsage{AvailableBytes: 10}.Fits(10), test.ShouldBeTrue)
	test.That(t, DiskUsage{AvailableBytes: 10}.Fits(11), test.ShouldBeFalse)

	_, err = Statfs(filepath.Join(dir, "missing"))
	test.That(t, err, test.ShouldNotBeNil)
}
