package octree

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
)

// Serialized nodes are written in preorder, little endian:
//
//	[isLeaf uint8][center x, y, z float32][halfWidth float32][pointCount uint32]
//	[pos 3n float32][col 2n float32][vel 3n float32]   (only when data is written)
//
// followed, for inner nodes, by their eight children in octant order. NodeHeaderSize is the
// size of the fixed part.
const NodeHeaderSize = 1 + 4*4 + 4

// boundsTolerance is the relative error allowed between a child's stored bounds and the bounds
// derived from its parent.
const boundsTolerance = 1e-5

// WriteToFile serializes the whole tree. Without data only the structure and counts are written.
func (m *Manager) WriteToFile(w io.Writer, writeData bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writeTree(w, m.root, writeData)
}

func writeTree(w io.Writer, node *Node, writeData bool) error {
	bw := bufio.NewWriter(w)
	if err := encodeNode(bw, node, writeData); err != nil {
		return err
	}
	return errors.Wrap(bw.Flush(), "failed to flush octree stream")
}

func encodeNode(w io.Writer, node *Node, writeData bool) error {
	if writeData && !node.isLoaded.Load() {
		return errors.Wrapf(ErrBranchNotFound, "node at %v is not loaded", node.Center)
	}

	var header [NodeHeaderSize]byte
	if node.isLeaf {
		header[0] = 1
	}
	binary.LittleEndian.PutUint32(header[1:], math.Float32bits(node.Center[0]))
	binary.LittleEndian.PutUint32(header[5:], math.Float32bits(node.Center[1]))
	binary.LittleEndian.PutUint32(header[9:], math.Float32bits(node.Center[2]))
	binary.LittleEndian.PutUint32(header[13:], math.Float32bits(node.HalfWidth))
	binary.LittleEndian.PutUint32(header[17:], uint32(node.pointCount))
	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "failed to write node header")
	}

	if writeData && node.pointCount > 0 {
		for _, data := range [][]float32{node.posData, node.colData, node.velData} {
			if err := binary.Write(w, binary.LittleEndian, data); err != nil {
				return errors.Wrap(err, "failed to write node payload")
			}
		}
	}

	if node.isLeaf {
		return nil
	}
	for _, child := range node.children {
		if err := encodeNode(w, child, writeData); err != nil {
			return err
		}
	}
	return nil
}

// ReadFromFile replaces the tree with one read from r. The current tree is kept if the stream
// is invalid. Without data every node but the root is left unloaded, to be fetched from branch
// files later.
func (m *Manager) ReadFromFile(r io.Reader, readData bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dec := newTreeDecoder(r, readData, m.opts.MaxDepth)
	root, err := dec.decodeTree(0, nil)
	if err != nil {
		return err
	}
	if root.HalfWidth != m.opts.MaxDist {
		m.persistLogger.Warnw("stream root extent differs from max dist",
			"half_width", root.HalfWidth, "max_dist", m.opts.MaxDist)
	}
	switch {
	case readData:
	case root.isLeaf && root.pointCount > 0:
		// A leaf root has no branches to fetch its stars from.
		return errors.Wrap(ErrBranchNotFound, "a leaf root must be read with its data")
	default:
		root.clearPayload()
		root.lodLevel = noLod
		root.isLoaded.Store(true)
	}

	m.evict(m.root)
	m.resetTree()
	m.root = root
	m.numLeafNodes = dec.stats.leaves
	m.numInnerNodes = dec.stats.inner
	m.totalDepth = dec.stats.depth
	m.maxObserved = dec.stats.maxObserved
	m.numPoints = root.totalCount
	m.persistLogger.Debugw("read octree", "nodes", dec.stats.leaves+dec.stats.inner,
		"points", root.totalCount, "with_data", readData)
	return nil
}

// treeDecoder reads serialized nodes and checks them against the bounds their parents imply.
type treeDecoder struct {
	r        *bufio.Reader
	readData bool
	maxDepth int
	stats    subtreeStats
}

func newTreeDecoder(r io.Reader, readData bool, maxDepth int) *treeDecoder {
	return &treeDecoder{r: bufio.NewReader(r), readData: readData, maxDepth: maxDepth}
}

// decodeTree reads one subtree rooted at depth and makes sure the stream ends after it.
func (dec *treeDecoder) decodeTree(depth int, expected *expectedBounds) (*Node, error) {
	node, err := dec.decodeNode(depth, expected)
	if err != nil {
		return nil, err
	}
	if _, err := dec.r.ReadByte(); !errors.Is(err, io.EOF) {
		if err != nil {
			return nil, errors.Wrap(err, "failed to read octree stream")
		}
		return nil, newCorruptStreamError("trailing data after the tree")
	}
	return node, nil
}

type expectedBounds struct {
	center    mgl32.Vec3
	halfWidth float32
}

func (dec *treeDecoder) decodeNode(depth int, expected *expectedBounds) (*Node, error) {
	if depth > dec.maxDepth {
		return nil, newCorruptStreamError("node deeper than max depth %d", dec.maxDepth)
	}

	var header [NodeHeaderSize]byte
	if _, err := io.ReadFull(dec.r, header[:]); err != nil {
		return nil, truncated(err, "node header")
	}
	flag := header[0]
	center := mgl32.Vec3{
		math.Float32frombits(binary.LittleEndian.Uint32(header[1:])),
		math.Float32frombits(binary.LittleEndian.Uint32(header[5:])),
		math.Float32frombits(binary.LittleEndian.Uint32(header[9:])),
	}
	halfWidth := math.Float32frombits(binary.LittleEndian.Uint32(header[13:]))
	count := binary.LittleEndian.Uint32(header[17:])

	if flag > 1 {
		return nil, newCorruptStreamError("invalid leaf flag %d", flag)
	}
	if !finite(halfWidth) || halfWidth <= 0 {
		return nil, newCorruptStreamError("invalid half width %v", halfWidth)
	}
	for _, v := range center {
		if !finite(v) {
			return nil, newCorruptStreamError("invalid center %v", center)
		}
	}
	if expected != nil {
		tolerance := boundsTolerance * expected.halfWidth
		if !mgl32.FloatEqualThreshold(halfWidth, expected.halfWidth, tolerance) ||
			!center.ApproxEqualThreshold(expected.center, tolerance) {
			return nil, newCorruptStreamError("node %v/%v does not match its parent's octant %v/%v",
				center, halfWidth, expected.center, expected.halfWidth)
		}
	}
	if count > maxRecordPoints {
		return nil, newCorruptStreamError("node claims %d points", count)
	}

	node := newNode(center, halfWidth, dec.readData)
	node.isLeaf = flag == 1
	node.pointCount = int(count)
	if dec.readData && count > 0 {
		n := int(count)
		var err error
		if node.posData, err = readFloats(dec.r, n*PosSize); err != nil {
			return nil, truncated(err, "node payload")
		}
		if node.colData, err = readFloats(dec.r, n*ColSize); err != nil {
			return nil, truncated(err, "node payload")
		}
		if node.velData, err = readFloats(dec.r, n*VelSize); err != nil {
			return nil, truncated(err, "node payload")
		}
	}

	dec.stats.depth = max(dec.stats.depth, depth)
	if node.isLeaf {
		dec.stats.leaves++
		dec.stats.maxObserved = max(dec.stats.maxObserved, node.pointCount)
		node.totalCount = node.pointCount
		return node, nil
	}

	dec.stats.inner++
	if node.pointCount > 0 {
		node.lodLevel = depth
	}
	for octant := range node.children {
		child, err := dec.decodeNode(depth+1, &expectedBounds{
			center:    node.childCenter(octant),
			halfWidth: halfWidth / 2,
		})
		if err != nil {
			return nil, err
		}
		node.children[octant] = child
		node.totalCount += child.totalCount
	}
	return node, nil
}

// payloadChunk is the most floats read from a stream at once, so a count claimed by a corrupt
// header only costs memory for data that is actually there.
const payloadChunk = 1 << 16

func readFloats(r io.Reader, n int) ([]float32, error) {
	data := make([]float32, 0, min(n, payloadChunk))
	for len(data) < n {
		chunk := make([]float32, min(n-len(data), payloadChunk))
		if err := binary.Read(r, binary.LittleEndian, chunk); err != nil {
			return nil, err
		}
		data = append(data, chunk...)
	}
	return data, nil
}

func truncated(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return newCorruptStreamError("truncated %s", what)
	}
	return errors.Wrapf(err, "failed to read %s", what)
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
