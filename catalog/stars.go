// Package catalog reads and writes star catalogs: the raw record files an octree is built from,
// PCD point clouds and synthetic star fields.
package catalog

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/octstream/octree"
)

// maxFileStars bounds the count a star file may claim, so a corrupt header cannot force a huge
// allocation.
const maxFileStars = 1 << 28

// ErrMalformedStars is returned for star data whose length is not a multiple of a star.
var ErrMalformedStars = errors.New("star data is not a whole number of stars")

// ReadStars reads a star file: a little endian uint32 count followed by count stars of
// octree.StarSize float32 values each.
func ReadStars(r io.Reader) ([]float32, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, errors.Wrap(err, "failed to read star count")
	}
	if count > maxFileStars {
		return nil, errors.Errorf("star file claims %d stars, more than the %d allowed", count, maxFileStars)
	}
	stars := make([]float32, int(count)*octree.StarSize)
	if err := binary.Read(r, binary.LittleEndian, stars); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d stars", count)
	}
	return stars, nil
}

// WriteStars writes stars in the layout ReadStars reads.
func WriteStars(w io.Writer, stars []float32) error {
	if len(stars)%octree.StarSize != 0 {
		return errors.Wrapf(ErrMalformedStars, "%d values", len(stars))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(stars)/octree.StarSize)); err != nil {
		return errors.Wrap(err, "failed to write star count")
	}
	return errors.Wrap(binary.Write(w, binary.LittleEndian, stars), "failed to write stars")
}

// ReadStarsFile reads one star file. Files ending in .zst are zstd compressed.
func ReadStarsFile(path string) (stars []float32, err error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	var r io.Reader = f
	if filepath.Ext(path) == ".zst" {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create zstd reader for %q", path)
		}
		defer dec.Close()
		r = dec
	}
	stars, err = ReadStars(r)
	return stars, errors.Wrapf(err, "failed to read %q", path)
}

// WriteStarsFile writes stars to path, compressing when it ends in .zst.
func WriteStarsFile(path string, stars []float32) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	if filepath.Ext(path) != ".zst" {
		return WriteStars(f, stars)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		return errors.Wrapf(err, "failed to create zstd writer for %q", path)
	}
	return multierr.Combine(WriteStars(enc, stars), enc.Close())
}

// ReadStarsFiles reads star files in parallel and concatenates them in argument order.
func ReadStarsFiles(ctx context.Context, paths ...string) ([]float32, error) {
	shards := make([][]float32, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			stars, err := ReadStarsFile(path)
			if err != nil {
				return err
			}
			shards[i] = stars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, shard := range shards {
		total += len(shard)
	}
	stars := make([]float32, 0, total)
	for _, shard := range shards {
		stars = append(stars, shard...)
	}
	return stars, nil
}

// Uniform returns n stars spread uniformly over the cube [-halfWidth, halfWidth]³ with
// plausible magnitudes, color indices and small velocities. The same seed gives the same stars.
func Uniform(n int, halfWidth float32, seed int64) []float32 {
	//nolint:gosec
	rnd := rand.New(rand.NewSource(seed))
	coord := func() float32 {
		return (rnd.Float32()*2 - 1) * halfWidth
	}

	stars := make([]float32, 0, n*octree.StarSize)
	for i := 0; i < n; i++ {
		stars = append(stars,
			coord(), coord(), coord(),
			rnd.Float32()*16-1.5,
			rnd.Float32()*2.4-0.4,
			float32(rnd.NormFloat64())*1e-3,
			float32(rnd.NormFloat64())*1e-3,
			float32(rnd.NormFloat64())*1e-3,
		)
	}
	return stars
}

// BoundsOf returns the lowest and highest position coordinates over all stars. It returns zero
// vectors when there are no stars.
func BoundsOf(stars []float32) (r3.Vector, r3.Vector) {
	if len(stars) < octree.StarSize {
		return r3.Vector{}, r3.Vector{}
	}
	low := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	high := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for i := 0; i+octree.StarSize <= len(stars); i += octree.StarSize {
		p := r3.Vector{X: float64(stars[i]), Y: float64(stars[i+1]), Z: float64(stars[i+2])}
		low = r3.Vector{X: math.Min(low.X, p.X), Y: math.Min(low.Y, p.Y), Z: math.Min(low.Z, p.Z)}
		high = r3.Vector{X: math.Max(high.X, p.X), Y: math.Max(high.Y, p.Y), Z: math.Max(high.Z, p.Z)}
	}
	return low, high
}

// Extent returns the half width of the smallest origin centered cube holding every star.
func Extent(stars []float32) float32 {
	low, high := BoundsOf(stars)
	extent := math.Max(math.Max(math.Abs(low.X), math.Abs(high.X)),
		math.Max(math.Max(math.Abs(low.Y), math.Abs(high.Y)), math.Max(math.Abs(low.Z), math.Abs(high.Z))))
	return float32(extent)
}
