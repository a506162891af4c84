package octree

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/octstream/culler"
	"go.viam.com/octstream/logging"
)

// writeBranchedTree builds a tree, writes its branches into a temp dir and returns the tree and
// the dir.
func writeBranchedTree(t *testing.T, compress bool) (*Manager, string) {
	t.Helper()
	opts := lodTestOptions()
	opts.Compress = compress
	m := newTestManager(t, opts, nil)
	insertAll(t, m, uniformStars(4000, 10, 53))

	dir := t.TempDir()
	test.That(t, m.WriteToMultipleFiles(context.Background(), dir, -1), test.ShouldBeNil)
	return m, dir
}

// openStructure returns a manager holding only the structure of source, fetching from dir.
func openStructure(t *testing.T, source *Manager, dir string, opts Options, options ...Option) *Manager {
	t.Helper()
	opts.DataDir = dir
	m := newTestManager(t, opts, nil, options...)
	test.That(t, m.ReadFromFile(bytes.NewReader(serialize(t, source, false)), false), test.ShouldBeNil)
	return m
}

func TestBranchFilesRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			source, dir := writeBranchedTree(t, compress)
			for i := 0; i < numBranches; i++ {
				_, err := os.Stat(BranchPath(dir, i, compress))
				test.That(t, err, test.ShouldBeNil)
				_, err = os.Stat(BranchPath(dir, i, !compress))
				test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
			}
			leftovers, err := filepath.Glob(filepath.Join(dir, ".*tmp*"))
			test.That(t, err, test.ShouldBeNil)
			test.That(t, leftovers, test.ShouldBeEmpty)

			m := openStructure(t, source, dir, lodTestOptions())
			_, delta := m.TraverseData(identity, viewport)
			test.That(t, delta, test.ShouldEqual, 4000)

			stats := m.Stats()
			test.That(t, stats.LoadedBranches, test.ShouldEqual, numBranches)
			test.That(t, stats.Fetches, test.ShouldEqual, numBranches)
			test.That(t, stats.FetchFailures, test.ShouldEqual, 0)
			test.That(t, treeDiff(source.root, m.root), test.ShouldBeEmpty)
			test.That(t, checkTreeInvariants(t, m), test.ShouldEqual, 4000)
			test.That(t, starSet(m.GetAllData(RenderMotion)), test.ShouldResemble, starSet(source.GetAllData(RenderMotion)))
		})
	}
}

func TestWriteSingleBranch(t *testing.T) {
	m := newTestManager(t, lodTestOptions(), nil)
	ctx := context.Background()
	dir := t.TempDir()

	err := m.WriteToMultipleFiles(ctx, dir, 0)
	test.That(t, errors.Is(err, ErrBranchNotFound), test.ShouldBeTrue)

	insertAll(t, m, uniformStars(2000, 10, 59))
	test.That(t, errors.Is(m.WriteToMultipleFiles(ctx, dir, 8), ErrInvalidBranchIndex), test.ShouldBeTrue)
	test.That(t, errors.Is(m.WriteToMultipleFiles(ctx, dir, -2), ErrInvalidBranchIndex), test.ShouldBeTrue)

	test.That(t, m.WriteToMultipleFiles(ctx, dir, 5), test.ShouldBeNil)
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].Name(), test.ShouldEqual, "5"+BinarySuffix)
}

func TestFetchNodeDataFromFile(t *testing.T) {
	source, dir := writeBranchedTree(t, false)
	m := openStructure(t, source, dir, lodTestOptions())

	test.That(t, errors.Is(m.FetchNodeDataFromFile(dir, m.Root()), ErrBranchNotFound), test.ShouldBeTrue)

	test.That(t, m.FetchNodeDataFromFile(dir, m.Root().Child(3).Child(6)), test.ShouldBeNil)
	for i := 0; i < numBranches; i++ {
		test.That(t, m.Root().Child(i).IsLoaded(), test.ShouldEqual, i == 3)
	}
	test.That(t, treeDiff(source.root.Child(3), m.root.Child(3)), test.ShouldBeEmpty)
	test.That(t, m.NumLeafNodes(), test.ShouldEqual, source.NumLeafNodes())
	test.That(t, m.NumPoints(), test.ShouldEqual, 4000)
	test.That(t, len(m.GetAllData(RenderStatic)), test.ShouldEqual, source.Root().Child(3).TotalCount()*PosSize)

	t.Run("a branch file for another octant is corrupt", func(t *testing.T) {
		data, err := os.ReadFile(BranchPath(dir, 0, false))
		test.That(t, err, test.ShouldBeNil)
		other := t.TempDir()
		test.That(t, os.WriteFile(BranchPath(other, 1, false), data, 0o600), test.ShouldBeNil)
		err = m.FetchNodeDataFromFile(other, m.Root().Child(1))
		test.That(t, errors.Is(err, ErrCorruptStream), test.ShouldBeTrue)
		test.That(t, m.Root().Child(1).IsLoaded(), test.ShouldBeFalse)
	})
}

func TestFailedFetchesAreNotRetriedUntilCleared(t *testing.T) {
	source, dir := writeBranchedTree(t, false)
	path := BranchPath(dir, 2, false)
	moved := path + ".moved"
	test.That(t, os.Rename(path, moved), test.ShouldBeNil)

	m := openStructure(t, source, dir, lodTestOptions())
	_, delta := m.TraverseData(identity, viewport)
	missing := source.Root().Child(2).TotalCount()
	test.That(t, delta, test.ShouldEqual, 4000-missing)
	stats := m.Stats()
	test.That(t, stats.LoadedBranches, test.ShouldEqual, numBranches-1)
	test.That(t, stats.FetchFailures, test.ShouldEqual, 1)

	test.That(t, os.Rename(moved, path), test.ShouldBeNil)
	_, delta = m.TraverseData(identity, viewport)
	test.That(t, delta, test.ShouldEqual, 0)
	test.That(t, m.Stats().Fetches, test.ShouldEqual, stats.Fetches)

	test.That(t, m.ClearAllData(2), test.ShouldBeNil)
	_, delta = m.TraverseData(identity, viewport)
	test.That(t, delta, test.ShouldEqual, missing)
	test.That(t, m.Stats().LoadedBranches, test.ShouldEqual, numBranches)
}

func TestClearAllData(t *testing.T) {
	source, dir := writeBranchedTree(t, true)
	m := openStructure(t, source, dir, lodTestOptions())
	_, delta := m.TraverseData(identity, viewport)
	test.That(t, delta, test.ShouldEqual, 4000)

	test.That(t, errors.Is(m.ClearAllData(9), ErrInvalidBranchIndex), test.ShouldBeTrue)

	branchSlots := []int{}
	m.root.Child(4).walk(1, func(node *Node, _ int) bool {
		if node.bufferSlot != DefaultIndex {
			branchSlots = append(branchSlots, node.bufferSlot)
		}
		return true
	})
	test.That(t, m.ClearAllData(4), test.ShouldBeNil)
	test.That(t, m.Root().Child(4).IsLoaded(), test.ShouldBeFalse)
	test.That(t, m.NumPoints(), test.ShouldEqual, 4000)
	test.That(t, m.RemovedLastFrame(), test.ShouldHaveLength, len(branchSlots))
	test.That(t, len(m.GetAllData(RenderMotion)), test.ShouldEqual, (4000-source.Root().Child(4).TotalCount())*StarSize)

	// The next traversal fetches the branch again into the slots it just gave up.
	updates, delta := m.TraverseData(identity, viewport)
	test.That(t, delta, test.ShouldEqual, 0)
	test.That(t, updates, test.ShouldHaveLength, len(branchSlots))
	for _, slot := range branchSlots {
		test.That(t, updates, test.ShouldContainKey, slot)
	}

	test.That(t, m.ClearAllData(-1), test.ShouldBeNil)
	test.That(t, m.Stats().LoadedBranches, test.ShouldEqual, 0)
	test.That(t, m.GetAllData(RenderMotion), test.ShouldBeEmpty)
	test.That(t, m.ResidentSlots(), test.ShouldBeEmpty)

	leaf := newTestManager(t, testOptions(10), nil)
	test.That(t, errors.Is(leaf.ClearAllData(-1), ErrBranchNotFound), test.ShouldBeTrue)
}

func TestFetchBudget(t *testing.T) {
	source, dir := writeBranchedTree(t, false)

	t.Run("max fetches per frame", func(t *testing.T) {
		opts := lodTestOptions()
		opts.MaxFetchesPerFrame = 3
		m := openStructure(t, source, dir, opts)
		for _, expected := range []int{3, 6, 8, 8} {
			m.TraverseData(identity, viewport)
			test.That(t, m.Stats().LoadedBranches, test.ShouldEqual, expected)
		}
		test.That(t, m.Stats().Fetches, test.ShouldEqual, numBranches)
	})

	t.Run("time budget", func(t *testing.T) {
		mock := clock.NewMock()
		opts := lodTestOptions()
		opts.FetchBudget = 10 * time.Millisecond
		opts.DataDir = dir
		m := newTestManager(t, opts, nil, WithClock(mock))
		test.That(t, m.ReadFromFile(bytes.NewReader(serialize(t, source, false)), false), test.ShouldBeNil)

		// Every visit of an unloaded branch costs 6ms of frame time.
		m.culler = &funcCuller{visible: func(b culler.Bounds) bool {
			if b.HalfWidth == m.opts.MaxDist/2 && !m.root.children[m.root.octantOf(b.Center)].IsLoaded() {
				mock.Add(6 * time.Millisecond)
			}
			return true
		}}
		for frame := 1; frame <= numBranches; frame++ {
			m.TraverseData(identity, viewport)
			test.That(t, m.Stats().LoadedBranches, test.ShouldEqual, frame)
		}
	})
}

func TestAsyncFetch(t *testing.T) {
	source, dir := writeBranchedTree(t, true)
	opts := lodTestOptions()
	opts.AsyncFetch = true
	opts.FetchWorkers = 3
	m := openStructure(t, source, dir, opts)

	// The first frame only requests branches.
	updates, delta := m.TraverseData(identity, viewport)
	test.That(t, updates, test.ShouldBeEmpty)
	test.That(t, delta, test.ShouldEqual, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	test.That(t, m.AwaitFetches(ctx), test.ShouldBeNil)

	stats := m.Stats()
	test.That(t, stats.LoadedBranches, test.ShouldEqual, numBranches)
	test.That(t, stats.Fetches, test.ShouldEqual, numBranches)
	test.That(t, treeDiff(source.root, m.root), test.ShouldBeEmpty)

	updates, delta = m.TraverseData(identity, viewport)
	test.That(t, delta, test.ShouldEqual, 4000)
	test.That(t, updates, test.ShouldHaveLength, len(source.LeafCounts()))

	t.Run("prefetch", func(t *testing.T) {
		test.That(t, m.ClearAllData(-1), test.ShouldBeNil)
		test.That(t, m.PrefetchBranches(6), test.ShouldBeNil)
		test.That(t, m.AwaitFetches(ctx), test.ShouldBeNil)
		for i := 0; i < numBranches; i++ {
			test.That(t, m.Root().Child(i).IsLoaded(), test.ShouldEqual, i == 6)
		}
	})
}

func TestPrefetchBranchesSync(t *testing.T) {
	source, dir := writeBranchedTree(t, false)
	m := openStructure(t, source, dir, lodTestOptions())

	test.That(t, errors.Is(m.PrefetchBranches(11), ErrInvalidBranchIndex), test.ShouldBeTrue)
	test.That(t, m.PrefetchBranches(-1), test.ShouldBeNil)
	test.That(t, m.Stats().LoadedBranches, test.ShouldEqual, numBranches)
	test.That(t, m.AwaitFetches(context.Background()), test.ShouldBeNil)
}

func TestDataset(t *testing.T) {
	ctx := context.Background()
	for _, compress := range []bool{false, true} {
		opts := lodTestOptions()
		opts.Compress = compress
		m := newTestManager(t, opts, nil)
		insertAll(t, m, uniformStars(3000, 10, 61))

		dir := t.TempDir()
		manifest, err := m.WriteDataset(ctx, dir)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, manifest.NumPoints, test.ShouldEqual, 3000)
		test.That(t, manifest.Compressed, test.ShouldEqual, compress)
		test.That(t, manifest.Branches, test.ShouldResemble, []int{0, 1, 2, 3, 4, 5, 6, 7})
		test.That(t, manifest.StructureHasData, test.ShouldBeFalse)

		// The shape comes from the manifest, not the options.
		opened, readManifest, err := OpenDataset(dir, DefaultOptions(), culler.Always{}, m.logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, readManifest.ID, test.ShouldResemble, manifest.ID)
		test.That(t, opened.opts.MaxStarsPerNode, test.ShouldEqual, 100)
		test.That(t, opened.opts.FirstLodDepth, test.ShouldEqual, 0)
		test.That(t, opened.NumPoints(), test.ShouldEqual, 3000)
		test.That(t, opened.Stats().LoadedBranches, test.ShouldEqual, 0)

		_, delta := opened.TraverseData(identity, viewport)
		test.That(t, delta, test.ShouldEqual, 3000)
		test.That(t, treeDiff(m.root, opened.root), test.ShouldBeEmpty)
		test.That(t, opened.Close(), test.ShouldBeNil)
	}

	t.Run("leaf root", func(t *testing.T) {
		m := newTestManager(t, testOptions(100), nil)
		insertAll(t, m, uniformStars(20, 10, 67))
		dir := t.TempDir()
		manifest, err := m.WriteDataset(ctx, dir)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, manifest.StructureHasData, test.ShouldBeTrue)
		test.That(t, manifest.Branches, test.ShouldBeEmpty)

		opened, _, err := OpenDataset(dir, DefaultOptions(), culler.Always{}, m.logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, treeDiff(m.root, opened.root), test.ShouldBeEmpty)
		test.That(t, opened.Close(), test.ShouldBeNil)
	})

	t.Run("missing manifest", func(t *testing.T) {
		_, _, err := OpenDataset(t.TempDir(), DefaultOptions(), culler.Always{}, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldNotBeNil)
	})
}
