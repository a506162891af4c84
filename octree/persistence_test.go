package octree

import (
	"bytes"
	"encoding/binary"
	"math"
	"runtime"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

// nodeSnapshot is the comparable shape of a subtree.
type nodeSnapshot struct {
	Center     mgl32.Vec3
	HalfWidth  float32
	Leaf       bool
	PointCount int
	TotalCount int
	LodLevel   int
	Pos        []float32
	Col        []float32
	Vel        []float32
	Children   []nodeSnapshot
}

func snapshot(node *Node) nodeSnapshot {
	snap := nodeSnapshot{
		Center:     node.Center,
		HalfWidth:  node.HalfWidth,
		Leaf:       node.isLeaf,
		PointCount: node.pointCount,
		TotalCount: node.totalCount,
		LodLevel:   node.lodLevel,
		Pos:        node.posData,
		Col:        node.colData,
		Vel:        node.velData,
	}
	if !node.isLeaf {
		for _, child := range node.children {
			snap.Children = append(snap.Children, snapshot(child))
		}
	}
	return snap
}

func treeDiff(a, b *Node) string {
	return cmp.Diff(snapshot(a), snapshot(b))
}

func serialize(t *testing.T, m *Manager, writeData bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, m.WriteToFile(&buf, writeData), test.ShouldBeNil)
	return buf.Bytes()
}

func lodTestOptions() Options {
	opts := testOptions(100)
	opts.FirstLodDepth = 0
	return opts
}

func TestRoundTrip(t *testing.T) {
	m := newTestManager(t, lodTestOptions(), nil)
	insertAll(t, m, uniformStars(3000, 10, 31))
	encoded := serialize(t, m, true)

	t.Run("with data", func(t *testing.T) {
		read := newTestManager(t, lodTestOptions(), nil)
		test.That(t, read.ReadFromFile(bytes.NewReader(encoded), true), test.ShouldBeNil)

		test.That(t, treeDiff(m.root, read.root), test.ShouldBeEmpty)
		test.That(t, read.NumLeafNodes(), test.ShouldEqual, m.NumLeafNodes())
		test.That(t, read.NumInnerNodes(), test.ShouldEqual, m.NumInnerNodes())
		test.That(t, read.TotalDepth(), test.ShouldEqual, m.TotalDepth())
		test.That(t, read.NumPoints(), test.ShouldEqual, 3000)
		test.That(t, read.MaxStarsPerNode(), test.ShouldEqual, m.MaxStarsPerNode())
		test.That(t, bytes.Equal(serialize(t, read, true), encoded), test.ShouldBeTrue)
		test.That(t, checkTreeInvariants(t, read), test.ShouldEqual, 3000)
	})

	t.Run("structure only", func(t *testing.T) {
		read := newTestManager(t, lodTestOptions(), nil)
		test.That(t, read.ReadFromFile(bytes.NewReader(serialize(t, m, false)), false), test.ShouldBeNil)

		test.That(t, read.NumLeafNodes(), test.ShouldEqual, m.NumLeafNodes())
		test.That(t, read.NumInnerNodes(), test.ShouldEqual, m.NumInnerNodes())
		test.That(t, read.NumPoints(), test.ShouldEqual, 3000)
		test.That(t, read.Root().IsLoaded(), test.ShouldBeTrue)
		read.root.walk(0, func(node *Node, depth int) bool {
			if depth > 0 {
				test.That(t, node.IsLoaded(), test.ShouldBeFalse)
			}
			return true
		})
		test.That(t, read.GetAllData(RenderMotion), test.ShouldBeEmpty)
		test.That(t, read.Stats().LoadedBranches, test.ShouldEqual, 0)

		// Unloaded branches render nothing without a data directory.
		updates, delta := read.TraverseData(identity, viewport)
		test.That(t, updates, test.ShouldBeEmpty)
		test.That(t, delta, test.ShouldEqual, 0)

		err := read.WriteToFile(&bytes.Buffer{}, true)
		test.That(t, errors.Is(err, ErrBranchNotFound), test.ShouldBeTrue)
	})

	t.Run("replacing a resident tree releases its slots", func(t *testing.T) {
		read := newTestManager(t, lodTestOptions(), nil)
		insertAll(t, read, uniformStars(500, 10, 37))
		_, delta := read.TraverseData(identity, viewport)
		test.That(t, delta, test.ShouldEqual, 500)
		resident := len(read.ResidentSlots())

		test.That(t, read.ReadFromFile(bytes.NewReader(encoded), true), test.ShouldBeNil)
		test.That(t, read.ResidentSlots(), test.ShouldBeEmpty)
		test.That(t, read.RemovedLastFrame(), test.ShouldHaveLength, resident)
		_, delta = read.TraverseData(identity, viewport)
		test.That(t, delta, test.ShouldEqual, 3000-500)
	})
}

func TestReadLeafRoot(t *testing.T) {
	m := newTestManager(t, testOptions(100), nil)
	insertAll(t, m, uniformStars(10, 10, 41))

	read := newTestManager(t, testOptions(100), nil)
	err := read.ReadFromFile(bytes.NewReader(serialize(t, m, false)), false)
	test.That(t, errors.Is(err, ErrBranchNotFound), test.ShouldBeTrue)

	test.That(t, read.ReadFromFile(bytes.NewReader(serialize(t, m, true)), true), test.ShouldBeNil)
	test.That(t, treeDiff(m.root, read.root), test.ShouldBeEmpty)

	empty := newTestManager(t, testOptions(100), nil)
	test.That(t, read.ReadFromFile(bytes.NewReader(serialize(t, empty, false)), false), test.ShouldBeNil)
	test.That(t, read.NumPoints(), test.ShouldEqual, 0)
}

func TestCorruptStreams(t *testing.T) {
	source := newTestManager(t, testOptions(100), nil)
	insertAll(t, source, uniformStars(1000, 10, 43))
	valid := serialize(t, source, true)

	putFloat := func(data []byte, offset int, v float32) []byte {
		corrupted := bytes.Clone(data)
		binary.LittleEndian.PutUint32(corrupted[offset:], math.Float32bits(v))
		return corrupted
	}
	// The first child's header follows the root header, which carries no payload.
	child := NodeHeaderSize

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", valid[:NodeHeaderSize-3]},
		{"truncated payload", valid[:len(valid)-5]},
		{"trailing data", append(bytes.Clone(valid), 0)},
		{"bad leaf flag", func() []byte {
			corrupted := bytes.Clone(valid)
			corrupted[0] = 2
			return corrupted
		}()},
		{"zero half width", putFloat(valid, 13, 0)},
		{"nan half width", putFloat(valid, 13, float32(math.NaN()))},
		{"infinite center", putFloat(valid, 1, float32(math.Inf(-1)))},
		{"child outside parent octant", putFloat(valid, child+1, 3)},
		{"child half width mismatch", putFloat(valid, child+13, 1)},
		{"absurd count", func() []byte {
			corrupted := bytes.Clone(valid)
			binary.LittleEndian.PutUint32(corrupted[child+17:], math.MaxUint32)
			return corrupted
		}()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t, testOptions(100), nil)
			insertAll(t, m, uniformStars(300, 10, 47))
			before := snapshot(m.root)

			err := m.ReadFromFile(bytes.NewReader(tc.data), true)
			test.That(t, errors.Is(err, ErrCorruptStream), test.ShouldBeTrue)
			test.That(t, cmp.Diff(before, snapshot(m.root)), test.ShouldBeEmpty)
			test.That(t, m.NumPoints(), test.ShouldEqual, 300)
		})
	}

	t.Run("too deep", func(t *testing.T) {
		opts := testOptions(100)
		opts.MaxDepth = 1
		m := newTestManager(t, opts, nil)
		err := m.ReadFromFile(bytes.NewReader(valid), true)
		test.That(t, errors.Is(err, ErrCorruptStream), test.ShouldBeTrue)
	})
}

func TestClaimedCountIsReadInChunks(t *testing.T) {
	// A leaf root claiming the most points a node may hold, followed by one star's worth of data.
	var header [NodeHeaderSize]byte
	header[0] = 1
	binary.LittleEndian.PutUint32(header[13:], math.Float32bits(DefaultMaxDist))
	binary.LittleEndian.PutUint32(header[17:], maxRecordPoints)
	data := append(header[:], make([]byte, StarSize*4)...)

	m := newTestManager(t, testOptions(100), nil)
	insertAll(t, m, uniformStars(50, 10, 53))

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	err := m.ReadFromFile(bytes.NewReader(data), true)
	runtime.ReadMemStats(&after)

	test.That(t, errors.Is(err, ErrCorruptStream), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "truncated node payload")
	// Trusting the count would allocate maxRecordPoints*StarSize floats, 512MiB.
	test.That(t, after.TotalAlloc-before.TotalAlloc, test.ShouldBeLessThan, uint64(16<<20))
	test.That(t, m.NumPoints(), test.ShouldEqual, 50)
}

func TestReadPayloadLargerThanAChunk(t *testing.T) {
	// One leaf holds more floats than a single read.
	stars := payloadChunk/PosSize + 10
	opts := testOptions(stars)
	m := newTestManager(t, opts, nil)
	insertAll(t, m, uniformStars(stars, 10, 59))
	test.That(t, m.NumLeafNodes(), test.ShouldEqual, 1)

	read := newTestManager(t, opts, nil)
	test.That(t, read.ReadFromFile(bytes.NewReader(serialize(t, m, true)), true), test.ShouldBeNil)
	test.That(t, treeDiff(m.root, read.root), test.ShouldBeEmpty)
	test.That(t, read.MaxStarsPerNode(), test.ShouldEqual, stars)
}
