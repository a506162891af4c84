package octree

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/octstream/culler"
	"go.viam.com/octstream/logging"
)

// Files of a dataset directory besides the branch files.
const (
	ManifestFile  = "manifest.json"
	StructureName = "structure"
)

// Manifest describes a dataset written by WriteDataset.
type Manifest struct {
	ID              uuid.UUID `json:"id"`
	Created         time.Time `json:"created"`
	MaxStarsPerNode int       `json:"max_stars_per_node"`
	MaxDist         float32   `json:"max_dist"`
	MaxDepth        int       `json:"max_depth"`
	FirstLodDepth   int       `json:"first_lod_depth"`
	Compressed      bool      `json:"compressed"`
	RenderOption    string    `json:"render_option"`
	NumPoints       int       `json:"num_points"`
	// StructureHasData is set for trees without branches, whose stars live in the structure file.
	StructureHasData bool  `json:"structure_has_data"`
	Branches         []int `json:"branches"`
}

// StructurePath returns the structure file of a dataset.
func StructurePath(dir string, compressed bool) string {
	suffix := BinarySuffix
	if compressed {
		suffix = CompressedSuffix
	}
	return filepath.Join(dir, StructureName+suffix)
}

// WriteDataset writes the tree structure, every branch and a manifest into dir.
func (m *Manager) WriteDataset(ctx context.Context, dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", dir)
	}

	m.mu.Lock()
	leafRoot := m.root.isLeaf
	manifest := &Manifest{
		ID:               uuid.New(),
		Created:          time.Now().UTC(),
		MaxStarsPerNode:  m.opts.MaxStarsPerNode,
		MaxDist:          m.opts.MaxDist,
		MaxDepth:         m.opts.MaxDepth,
		FirstLodDepth:    m.opts.FirstLodDepth,
		Compressed:       m.opts.Compress,
		RenderOption:     m.opts.RenderOption.String(),
		NumPoints:        m.numPoints,
		StructureHasData: leafRoot,
		Branches:         []int{},
	}
	err := writeFileAtomic(StructurePath(dir, m.opts.Compress), func(w io.Writer) error {
		return writeMaybeCompressed(w, m.opts.Compress, func(w io.Writer) error {
			return writeTree(w, m.root, leafRoot)
		})
	})
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if !leafRoot {
		if err := m.WriteToMultipleFiles(ctx, dir, -1); err != nil {
			return nil, err
		}
		manifest.Branches = []int{0, 1, 2, 3, 4, 5, 6, 7}
	}

	err = writeFileAtomic(filepath.Join(dir, ManifestFile), func(w io.Writer) error {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(manifest)
	})
	if err != nil {
		return nil, err
	}
	m.persistLogger.Infow("wrote dataset", "dir", dir, "id", manifest.ID, "points", manifest.NumPoints)
	return manifest, nil
}

// writeFileAtomic writes to a temporary file next to path and renames it into place.
func writeFileAtomic(path string, write func(io.Writer) error) (err error) {
	//nolint:gosec
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, os.Remove(tmp.Name()))
		}
	}()
	if err := write(tmp); err != nil {
		return multierr.Combine(err, tmp.Close())
	}
	if err := tmp.Sync(); err != nil {
		return multierr.Combine(errors.Wrapf(err, "failed to sync %q", path), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", path)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "failed to move %q into place", path)
}

// ReadManifest reads the manifest of a dataset.
func ReadManifest(dir string) (*Manifest, error) {
	//nolint:gosec
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dataset manifest")
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.Wrap(err, "failed to decode dataset manifest")
	}
	return &manifest, nil
}

// OpenDataset opens a dataset written by WriteDataset. The tree shape comes from the manifest,
// everything else from opts. Branches are fetched from dir as traversal reaches them.
func OpenDataset(
	dir string,
	opts Options,
	c culler.Culler,
	logger logging.Logger,
	options ...Option,
) (*Manager, *Manifest, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, nil, err
	}
	opts.MaxStarsPerNode = manifest.MaxStarsPerNode
	opts.MaxDist = manifest.MaxDist
	opts.MaxDepth = manifest.MaxDepth
	opts.FirstLodDepth = manifest.FirstLodDepth
	opts.Compress = manifest.Compressed
	opts.DataDir = dir

	m, err := NewManager(opts, c, logger, options...)
	if err != nil {
		return nil, nil, err
	}
	f, err := openMaybeCompressed(StructurePath(dir, manifest.Compressed))
	if err != nil {
		return nil, nil, multierr.Combine(errors.Wrap(err, "failed to open dataset structure"), m.Close())
	}
	err = multierr.Combine(m.ReadFromFile(f, manifest.StructureHasData), f.Close())
	if err != nil {
		return nil, nil, multierr.Combine(err, m.Close())
	}
	if m.NumPoints() != manifest.NumPoints {
		logger.Warnw("dataset point count differs from its manifest",
			"manifest", manifest.NumPoints, "structure", m.NumPoints())
	}
	return m, manifest, nil
}
