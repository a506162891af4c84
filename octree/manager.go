package octree

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/octstream/config"
	"go.viam.com/octstream/culler"
	"go.viam.com/octstream/logging"
)

// Manager owns an octree of stars. It inserts stars, decides every frame which nodes live in
// the GPU slot pool, and saves and loads the tree and its branches.
//
// Insert and TraverseData are meant to be called from the render loop only. A mutex serializes
// misuse.
type Manager struct {
	mu sync.Mutex

	opts   Options
	culler culler.Culler
	clock  clock.Clock

	logger        logging.Logger
	persistLogger logging.Logger

	root  *Node
	slots *slotAllocator

	numLeafNodes  int
	numInnerNodes int
	totalDepth    int
	maxObserved   int
	maxStale      bool
	numPoints     int

	rejectedPoints    int
	capacityExhausted int
	fetches           int
	fetchFailures     int

	renderedPoints int
	reportedPoints int
	frame          frameState

	fetcher *Fetcher
	// inFlight holds the branches with an outstanding background fetch.
	inFlight map[int]struct{}
	// fetchErrs holds branches whose last fetch failed. They are not retried until cleared.
	fetchErrs map[int]error
	// generation changes whenever the tree is replaced so stale fetch results are dropped.
	generation uint64
}

// NewManager returns a Manager with an empty tree.
func NewManager(opts Options, c culler.Culler, logger logging.Logger, options ...Option) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid octree options")
	}
	if c == nil {
		return nil, errors.New("a culler is required")
	}
	m := &Manager{
		opts:          opts,
		culler:        c,
		clock:         clock.New(),
		logger:        logger,
		persistLogger: logger.Sublogger("persist"),
		slots:         newSlotAllocator(opts.MaxSlots),
		inFlight:      map[int]struct{}{},
		fetchErrs:     map[int]error{},
	}
	for _, option := range options {
		option(m)
	}
	m.resetTree()
	if opts.AsyncFetch {
		m.fetcher = newFetcher(opts.FetchWorkers, opts.MaxDepth, m.clock, logger.Sublogger("fetcher"))
	}
	return m, nil
}

// NewManagerFromConfig returns a Manager configured by cfg.
func NewManagerFromConfig(cfg *config.Config, c culler.Culler, logger logging.Logger, options ...Option) (*Manager, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewManager(opts, c, logger, options...)
}

// Close stops background fetching.
func (m *Manager) Close() error {
	if m.fetcher != nil {
		m.fetcher.Close()
	}
	return nil
}

func (m *Manager) newRoot() *Node {
	return newNode(mgl32.Vec3{}, m.opts.MaxDist, true)
}

// resetTree replaces the tree with an empty root.
func (m *Manager) resetTree() {
	m.root = m.newRoot()
	m.numLeafNodes = 1
	m.numInnerNodes = 0
	m.totalDepth = 0
	m.maxObserved = 0
	m.maxStale = false
	m.numPoints = 0
	m.renderedPoints = 0
	m.generation++
	clear(m.inFlight)
	clear(m.fetchErrs)
}

// Clear tears the tree down to an empty root and forgets every slot. The next traversal reports
// the stars drawn before as removed.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetTree()
	m.rejectedPoints = 0
	m.slots.reset()
}

// Root returns the root node. Nodes must not be modified by callers.
func (m *Manager) Root() *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// Insert adds a star laid out as position, color then velocity. Stars outside the tree and stars
// that would overflow a leaf at max depth are rejected and counted.
func (m *Manager) Insert(star []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(star)
}

// InsertAll inserts a flat array of stars. Rejected stars are counted and skipped. It returns
// the number of stars inserted.
func (m *Manager) InsertAll(stars []float32) (int, error) {
	if len(stars)%StarSize != 0 {
		return 0, errors.Errorf("star data length %d is not a multiple of %d", len(stars), StarSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var inserted int
	var errs error
	for offset := 0; offset < len(stars); offset += StarSize {
		err := m.insert(stars[offset : offset+StarSize])
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, ErrOutOfBoundsInsert), errors.Is(err, ErrCapacityExhausted):
		default:
			errs = multierr.Append(errs, err)
		}
	}
	if rejected := len(stars)/StarSize - inserted; rejected > 0 {
		m.logger.Debugw("skipped stars during bulk insert", "rejected", rejected)
	}
	return inserted, errs
}

func (m *Manager) insert(star []float32) error {
	if len(star) != StarSize {
		return errors.Errorf("a star has %d values, got %d", StarSize, len(star))
	}
	pos := mgl32.Vec3{star[0], star[1], star[2]}
	for _, v := range pos {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return m.reject(pos, "non finite position")
		}
	}
	if !m.root.Bounds().Contains(pos) {
		if !m.opts.ClampOutOfBounds {
			return m.reject(pos, "outside the root cube")
		}
		star = clampStar(star, m.root.Bounds())
	}

	if !m.root.isLeaf {
		branch := m.root.children[m.root.octantOf(pos)]
		if !branch.isLoaded.Load() {
			return errors.Errorf("cannot insert into unloaded branch %d", m.root.octantOf(pos))
		}
	}

	if !m.accepts(pos) {
		m.rejectedPoints++
		rejectedPointsCounter.Inc()
		return errors.Wrapf(ErrCapacityExhausted, "leaves at max depth %d around %v are full", m.opts.MaxDepth, pos)
	}

	m.insertInto(m.root, star, 0)
	m.numPoints++
	return nil
}

// accepts reports whether a star at pos reaches a leaf with room, following the splits its
// insertion would cause. A full leaf at MaxDepth cannot split.
func (m *Manager) accepts(pos mgl32.Vec3) bool {
	node, depth := m.root, 0
	for !node.isLeaf {
		node = node.children[node.octantOf(pos)]
		depth++
	}
	if node.pointCount < m.opts.MaxStarsPerNode {
		return true
	}

	// After a split the star shares a child with the stars in its octant only.
	cell := newNode(node.Center, node.HalfWidth, false)
	shared := make([]mgl32.Vec3, 0, node.pointCount)
	for i := 0; i < node.pointCount; i++ {
		shared = append(shared, node.Position(i))
	}
	for ; depth < m.opts.MaxDepth; depth++ {
		octant := cell.octantOf(pos)
		kept := shared[:0]
		for _, p := range shared {
			if cell.octantOf(p) == octant {
				kept = append(kept, p)
			}
		}
		shared = kept
		if len(shared) < m.opts.MaxStarsPerNode {
			return true
		}
		cell = newNode(cell.childCenter(octant), cell.HalfWidth/2, false)
	}
	return false
}

func (m *Manager) reject(pos mgl32.Vec3, reason string) error {
	m.rejectedPoints++
	rejectedPointsCounter.Inc()
	return errors.Wrapf(ErrOutOfBoundsInsert, "%s: %v", reason, pos)
}

func clampStar(star []float32, bounds culler.Bounds) []float32 {
	clamped := make([]float32, StarSize)
	copy(clamped, star)
	low, high := bounds.Min(), bounds.Max()
	for axis := 0; axis < 3; axis++ {
		clamped[axis] = mgl32.Clamp(clamped[axis], low[axis], high[axis])
	}
	return clamped
}

// insertInto routes a star from node down to a leaf. depth is the depth of node.
func (m *Manager) insertInto(node *Node, star []float32, depth int) {
	pos := mgl32.Vec3{star[0], star[1], star[2]}
	for {
		if node.isLeaf {
			// Inserts never overflow a leaf at MaxDepth. Splitting an oversized leaf read from a
			// file can, and those stars stay there.
			if node.pointCount < m.opts.MaxStarsPerNode || depth >= m.opts.MaxDepth {
				node.appendStar(star)
				node.totalCount++
				node.dirty = true
				m.maxObserved = max(m.maxObserved, node.pointCount)
				return
			}
			m.split(node, depth)
		}

		node.totalCount++
		if node.lodLevel != noLod {
			m.insertStarInLodCache(node, star)
		}
		node = node.children[node.octantOf(pos)]
		depth++
	}
}

// split turns a full leaf into an inner node and moves its stars into eight new children.
func (m *Manager) split(node *Node, depth int) {
	count := node.pointCount
	posData, colData, velData := node.posData, node.colData, node.velData

	node.clearPayload()
	node.isLeaf = false
	node.dirty = true
	// The split leaf may have been the fullest one.
	m.maxStale = true
	for octant := range node.children {
		node.children[octant] = newNode(node.childCenter(octant), node.HalfWidth/2, true)
	}
	m.numLeafNodes += 7
	m.numInnerNodes++
	m.totalDepth = max(m.totalDepth, depth+1)

	star := make([]float32, StarSize)
	for i := 0; i < count; i++ {
		copy(star[:PosSize], posData[i*PosSize:(i+1)*PosSize])
		copy(star[PosSize:PosSize+ColSize], colData[i*ColSize:(i+1)*ColSize])
		copy(star[PosSize+ColSize:], velData[i*VelSize:(i+1)*VelSize])
		child := node.children[node.octantOf(mgl32.Vec3{star[0], star[1], star[2]})]
		m.insertInto(child, star, depth+1)
	}

	if depth > m.opts.FirstLodDepth {
		m.constructLodCache(node, depth)
	}
}

// NumLeafNodes returns the number of leaves.
func (m *Manager) NumLeafNodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numLeafNodes
}

// NumInnerNodes returns the number of inner nodes.
func (m *Manager) NumInnerNodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numInnerNodes
}

// TotalNodes returns the number of nodes.
func (m *Manager) TotalNodes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numLeafNodes + m.numInnerNodes
}

// TotalDepth returns the depth of the deepest node. The root has depth 0.
func (m *Manager) TotalDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalDepth
}

// MaxStarsPerNode returns the most stars held by one current leaf.
func (m *Manager) MaxStarsPerNode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fullestLeaf()
}

func (m *Manager) fullestLeaf() int {
	if m.maxStale {
		m.maxObserved = m.root.stats(0).maxObserved
		m.maxStale = false
	}
	return m.maxObserved
}

// NumPoints returns the number of stars in the tree.
func (m *Manager) NumPoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numPoints
}

// BiggestChunkIndexInUse returns the highest slot ever handed out, or DefaultIndex.
func (m *Manager) BiggestChunkIndexInUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots.biggestInUse
}

// ResidentSlots returns the held slots in ascending order.
func (m *Manager) ResidentSlots() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots.heldSlots()
}

// RemovedLastFrame returns the slots released since the last traversal started. They become
// reusable at the next traversal.
func (m *Manager) RemovedLastFrame() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots.removedSlots()
}

// ChunkSize returns the number of floats one slot must hold.
func (m *Manager) ChunkSize() int {
	return m.opts.MaxStarsPerNode * m.opts.RenderOption.ValuesPerStar()
}

// RenderOption returns the payload layout of traversal updates.
func (m *Manager) RenderOption() RenderOption {
	return m.opts.RenderOption
}

// Stats is a snapshot of a Manager's counters.
type Stats struct {
	NumPoints              int
	NumLeafNodes           int
	NumInnerNodes          int
	TotalNodes             int
	TotalDepth             int
	MaxStarsPerNode        int
	BiggestChunkIndexInUse int
	ResidentSlots          int
	RemovedLastFrame       int
	RenderedPoints         int
	RejectedPoints         int
	CapacityExhausted      int
	Fetches                int
	FetchFailures          int
	LoadedBranches         int
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	if !m.root.isLeaf {
		for _, child := range m.root.children {
			if child.isLoaded.Load() {
				loaded++
			}
		}
	}
	return Stats{
		NumPoints:              m.numPoints,
		NumLeafNodes:           m.numLeafNodes,
		NumInnerNodes:          m.numInnerNodes,
		TotalNodes:             m.numLeafNodes + m.numInnerNodes,
		TotalDepth:             m.totalDepth,
		MaxStarsPerNode:        m.fullestLeaf(),
		BiggestChunkIndexInUse: m.slots.biggestInUse,
		ResidentSlots:          len(m.slots.held),
		RemovedLastFrame:       len(m.slots.removedLastFrame),
		RenderedPoints:         m.renderedPoints,
		RejectedPoints:         m.rejectedPoints,
		CapacityExhausted:      m.capacityExhausted,
		Fetches:                m.fetches,
		FetchFailures:          m.fetchFailures,
		LoadedBranches:         loaded,
	}
}

// LeafCounts returns the star count of every non empty leaf in preorder.
func (m *Manager) LeafCounts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts []int
	m.root.walk(0, func(node *Node, _ int) bool {
		if node.isLeaf && node.pointCount > 0 {
			counts = append(counts, node.pointCount)
		}
		return true
	})
	return counts
}

// PrintStarsPerNode writes a table of every non empty leaf and LOD holder.
func (m *Manager) PrintStarsPerNode(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Depth", "Kind", "Center", "Half Width", "Stars", "Subtree", "Loaded", "Slot"})
	m.root.walk(0, func(node *Node, depth int) bool {
		if node.pointCount == 0 {
			return true
		}
		kind := "leaf"
		if !node.isLeaf {
			kind = "lod"
		}
		t.AppendRow(table.Row{
			depth,
			kind,
			fmt.Sprintf("%.3f, %.3f, %.3f", node.Center[0], node.Center[1], node.Center[2]),
			fmt.Sprintf("%.3f", node.HalfWidth),
			node.pointCount,
			node.totalCount,
			node.isLoaded.Load(),
			node.bufferSlot,
		})
		return true
	})
	t.AppendFooter(table.Row{"", "", "", "Total", m.numPoints, "", "", ""})
	t.Render()
}

// GetAllData returns every loaded leaf's stars in the option's layout.
func (m *Manager) GetAllData(option RenderOption) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]float32, 0, m.numPoints*option.ValuesPerStar())
	m.root.walk(0, func(node *Node, _ int) bool {
		if !node.isLoaded.Load() {
			return false
		}
		if node.isLeaf {
			data = node.appendPayload(data, option)
		}
		return true
	})
	return data
}

// ApplyConfig applies the settings of cfg that can change on a live tree. Structural settings
// are ignored with a warning.
func (m *Manager) ApplyConfig(cfg *config.Config) error {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.MaxStarsPerNode != m.opts.MaxStarsPerNode || opts.MaxDist != m.opts.MaxDist ||
		opts.MaxDepth != m.opts.MaxDepth || opts.FirstLodDepth != m.opts.FirstLodDepth {
		m.logger.Warnw("ignoring tree shape changes on a live tree",
			"max_stars_per_node", opts.MaxStarsPerNode, "max_dist", opts.MaxDist)
	}
	m.opts.MinTotalPixelsLod = opts.MinTotalPixelsLod
	m.opts.ClampOutOfBounds = opts.ClampOutOfBounds
	m.opts.MaxFetchesPerFrame = opts.MaxFetchesPerFrame
	m.opts.FetchBudget = opts.FetchBudget
	if opts.MaxSlots > 0 && opts.MaxSlots != m.opts.MaxSlots && m.opts.MaxSlots > 0 {
		m.logger.Warnw("ignoring max_slots change on a live tree", "max_slots", opts.MaxSlots)
	}

	level := cfg.Log.LevelOrDefault()
	m.logger.SetLevel(level)
	m.persistLogger.SetLevel(level)
	if m.fetcher != nil {
		m.fetcher.logger.SetLevel(level)
	}
	m.logger.Infow("applied config", "min_total_pixels_lod", opts.MinTotalPixelsLod,
		"fetch_budget", opts.FetchBudget, "max_fetches_per_frame", opts.MaxFetchesPerFrame)
	return nil
}
