package octree

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/octstream/culler"
	"go.viam.com/octstream/utils"
)

// BranchPath returns the file a branch is stored in.
func BranchPath(dir string, branchIndex int, compressed bool) string {
	suffix := BinarySuffix
	if compressed {
		suffix = CompressedSuffix
	}
	return filepath.Join(dir, fmt.Sprintf("%d%s", branchIndex, suffix))
}

// branchIndices expands -1 to every branch and validates anything else.
func branchIndices(branchIndex int) ([]int, error) {
	if branchIndex == -1 {
		return []int{0, 1, 2, 3, 4, 5, 6, 7}, nil
	}
	if branchIndex < 0 || branchIndex >= numBranches {
		return nil, errors.Wrapf(ErrInvalidBranchIndex, "%d is not in [-1, %d]", branchIndex, numBranches-1)
	}
	return []int{branchIndex}, nil
}

// WriteToMultipleFiles writes one branch, or every branch for -1, with data into outFolder.
// Files are written to a temporary name and renamed into place.
func (m *Manager) WriteToMultipleFiles(ctx context.Context, outFolder string, branchIndex int) error {
	indices, err := branchIndices(branchIndex)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root.isLeaf {
		return errors.Wrap(ErrBranchNotFound, "the tree has no branches")
	}
	if err := os.MkdirAll(outFolder, 0o750); err != nil {
		return errors.Wrapf(err, "failed to create %q", outFolder)
	}

	funcs := make([]utils.SimpleFunc, 0, len(indices))
	for _, index := range indices {
		branch := m.root.children[index]
		path := BranchPath(outFolder, index, m.opts.Compress)
		funcs = append(funcs, func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return writeBranchFile(path, branch, m.opts.Compress)
		})
	}
	elapsed, err := utils.RunInParallel(ctx, funcs)
	if err != nil {
		return err
	}
	m.persistLogger.Debugw("wrote branches", "dir", outFolder, "branches", indices, "elapsed", elapsed)
	return nil
}

func writeBranchFile(path string, branch *Node, compress bool) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		return writeMaybeCompressed(w, compress, func(w io.Writer) error {
			return writeTree(w, branch, true)
		})
	})
}

// writeMaybeCompressed runs write against w, through a zstd stream if compress is set.
func writeMaybeCompressed(w io.Writer, compress bool, write func(io.Writer) error) error {
	if !compress {
		return write(w)
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "failed to create zstd writer")
	}
	if err := write(enc); err != nil {
		return multierr.Combine(err, enc.Close())
	}
	return errors.Wrap(enc.Close(), "failed to finish zstd stream")
}

// openMaybeCompressed opens path, decompressing when it ends in CompressedSuffix.
func openMaybeCompressed(path string) (io.ReadCloser, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) != filepath.Ext(CompressedSuffix) {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "failed to create zstd reader"), f.Close())
	}
	return &zstdFile{Decoder: dec, file: f}, nil
}

type zstdFile struct {
	*zstd.Decoder
	file *os.File
}

func (zf *zstdFile) Close() error {
	zf.Decoder.Close()
	return zf.file.Close()
}

// findBranchFile returns the compressed or plain file of a branch.
func findBranchFile(dir string, branchIndex int) (string, error) {
	for _, compressed := range []bool{true, false} {
		path := BranchPath(dir, branchIndex, compressed)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.Wrapf(ErrBranchNotFound, "no file for branch %d in %q", branchIndex, dir)
}

// decodeBranchFile reads a branch file into a detached subtree, checking that it covers the
// expected octant of the root.
func decodeBranchFile(dir string, branchIndex int, expected culler.Bounds, maxDepth int) (*Node, subtreeStats, error) {
	path, err := findBranchFile(dir, branchIndex)
	if err != nil {
		return nil, subtreeStats{}, err
	}
	f, err := openMaybeCompressed(path)
	if err != nil {
		return nil, subtreeStats{}, errors.Wrapf(err, "failed to open branch %d", branchIndex)
	}

	dec := newTreeDecoder(f, true, maxDepth)
	node, err := dec.decodeTree(1, &expectedBounds{center: expected.Center, halfWidth: expected.HalfWidth})
	if err = multierr.Combine(err, f.Close()); err != nil {
		return nil, subtreeStats{}, errors.Wrapf(err, "failed to read branch %d from %q", branchIndex, path)
	}
	return node, dec.stats, nil
}

// FetchNodeDataFromFile loads the branch containing node from pathPrefix, replacing whatever
// is in memory for that branch. Pointers into the old branch must not be used afterwards.
func (m *Manager) FetchNodeDataFromFile(pathPrefix string, node *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root.isLeaf || node == m.root {
		return errors.Wrap(ErrBranchNotFound, "the root is not part of a branch")
	}
	return m.fetchBranch(pathPrefix, m.root.octantOf(node.Center))
}

// fetchBranch synchronously reads and installs one branch.
func (m *Manager) fetchBranch(dir string, branchIndex int) error {
	start := m.clock.Now()
	m.fetches++
	subtree, stats, err := decodeBranchFile(dir, branchIndex, m.root.children[branchIndex].Bounds(), m.opts.MaxDepth)
	elapsed := m.clock.Since(start)
	if err != nil {
		m.fetchFailures++
		m.fetchErrs[branchIndex] = err
		instrumentFetch(fetchModeSync, fetchResultError, elapsed)
		return err
	}
	instrumentFetch(fetchModeSync, fetchResultOK, elapsed)
	m.installBranch(branchIndex, subtree, stats, elapsed)
	return nil
}

// installBranch swaps a decoded subtree in for a root child and fixes up the counters.
func (m *Manager) installBranch(branchIndex int, subtree *Node, stats subtreeStats, elapsed time.Duration) {
	old := m.root.children[branchIndex]
	oldStats := old.stats(1)
	m.evict(old)

	m.numLeafNodes += stats.leaves - oldStats.leaves
	m.numInnerNodes += stats.inner - oldStats.inner
	m.totalDepth = max(m.totalDepth, stats.depth)
	m.maxStale = true
	m.root.totalCount += subtree.totalCount - old.totalCount
	m.numPoints += subtree.totalCount - old.totalCount
	m.root.children[branchIndex] = subtree
	delete(m.fetchErrs, branchIndex)

	m.persistLogger.Debugw("loaded branch", "branch", branchIndex, "points", subtree.totalCount,
		"nodes", stats.leaves+stats.inner, "elapsed", elapsed)
}

// ensureLoaded tries to make an unloaded node available this frame and returns its
// replacement. Only whole branches are loaded.
func (m *Manager) ensureLoaded(node *Node, depth int) (*Node, bool) {
	if depth != 1 || m.opts.DataDir == "" {
		return nil, false
	}
	branchIndex := m.root.octantOf(node.Center)
	if _, failed := m.fetchErrs[branchIndex]; failed {
		return nil, false
	}

	if m.fetcher != nil {
		m.requestFetch(branchIndex)
		return nil, false
	}

	if !m.fetchAllowed() {
		return nil, false
	}
	m.frame.fetches++
	if err := m.fetchBranch(m.opts.DataDir, branchIndex); err != nil {
		m.persistLogger.Warnw("failed to fetch branch, it will not be retried until cleared",
			"branch", branchIndex, "error", err)
		return nil, false
	}
	return m.root.children[branchIndex], true
}

// fetchAllowed reports whether this frame's fetch budget has room for another sync fetch.
func (m *Manager) fetchAllowed() bool {
	if m.frame.budgetExhausted {
		return false
	}
	if m.opts.MaxFetchesPerFrame > 0 && m.frame.fetches >= m.opts.MaxFetchesPerFrame {
		m.frame.budgetExhausted = true
	}
	if m.opts.FetchBudget > 0 && m.clock.Since(m.frame.start) >= m.opts.FetchBudget {
		m.frame.budgetExhausted = true
	}
	if m.frame.budgetExhausted {
		m.logger.Debugw("fetch budget exhausted, deferring branches to a later frame",
			"fetches", m.frame.fetches, "elapsed", m.clock.Since(m.frame.start))
	}
	return !m.frame.budgetExhausted
}

// ClearAllData drops the stars of one branch, or of every branch for -1, keeping the structure
// so the branches can be fetched again. Failed fetches of cleared branches are forgotten.
func (m *Manager) ClearAllData(branchIndex int) error {
	indices, err := branchIndices(branchIndex)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root.isLeaf {
		return errors.Wrap(ErrBranchNotFound, "the tree has no branches")
	}
	for _, index := range indices {
		m.root.children[index].walk(1, func(node *Node, _ int) bool {
			m.releaseSlot(node)
			node.mayHoldSlots = false
			node.posData, node.colData, node.velData = nil, nil, nil
			node.dirty = false
			node.isLoaded.Store(false)
			return true
		})
		delete(m.fetchErrs, index)
	}
	m.logger.Debugw("cleared branch data", "branches", indices)
	return nil
}
