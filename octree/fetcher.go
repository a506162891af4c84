package octree

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/octstream/culler"
	"go.viam.com/octstream/logging"
	"go.viam.com/octstream/utils"
)

type fetchRequest struct {
	dir         string
	branchIndex int
	bounds      culler.Bounds
	generation  uint64
}

type fetchResult struct {
	fetchRequest
	subtree *Node
	stats   subtreeStats
	elapsed time.Duration
	err     error
}

// A Fetcher decodes branch files on background workers. Decoded branches are detached from the
// tree until the manager installs them at the start of a traversal.
type Fetcher struct {
	requests chan fetchRequest
	results  chan fetchResult
	workers  utils.StoppableWorkers
	maxDepth int
	clock    clock.Clock
	logger   logging.Logger
}

func newFetcher(numWorkers, maxDepth int, clk clock.Clock, logger logging.Logger) *Fetcher {
	f := &Fetcher{
		// At most one request per branch is in flight, so neither channel ever blocks.
		requests: make(chan fetchRequest, numBranches),
		results:  make(chan fetchResult, numBranches),
		maxDepth: maxDepth,
		clock:    clk,
		logger:   logger,
	}
	f.workers = utils.NewStoppableWorkers()
	for i := 0; i < numWorkers; i++ {
		f.workers.AddWorkers(f.work)
	}
	return f
}

func (f *Fetcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-f.requests:
			start := f.clock.Now()
			subtree, stats, err := decodeBranchFile(req.dir, req.branchIndex, req.bounds, f.maxDepth)
			res := fetchResult{
				fetchRequest: req,
				subtree:      subtree,
				stats:        stats,
				elapsed:      f.clock.Since(start),
				err:          err,
			}
			if err != nil {
				f.logger.Debugw("branch fetch failed", "branch", req.branchIndex, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case f.results <- res:
			}
		}
	}
}

// Close stops the workers. Fetches in progress are abandoned.
func (f *Fetcher) Close() {
	f.workers.Stop()
}

// requestFetch queues a background fetch of a branch unless one is already in flight.
func (m *Manager) requestFetch(branchIndex int) {
	if _, ok := m.inFlight[branchIndex]; ok {
		return
	}
	req := fetchRequest{
		dir:         m.opts.DataDir,
		branchIndex: branchIndex,
		bounds:      m.root.children[branchIndex].Bounds(),
		generation:  m.generation,
	}
	select {
	case m.fetcher.requests <- req:
		m.inFlight[branchIndex] = struct{}{}
		m.fetches++
	default:
		m.logger.Debugw("fetch queue full, retrying next frame", "branch", branchIndex)
	}
}

// applyFetchResults installs every completed background fetch. Results for a replaced tree or
// for branches loaded in the meantime are dropped.
func (m *Manager) applyFetchResults() {
	if m.fetcher == nil {
		return
	}
	for {
		select {
		case res := <-m.fetcher.results:
			m.applyFetchResult(res)
		default:
			return
		}
	}
}

func (m *Manager) applyFetchResult(res fetchResult) {
	if res.generation != m.generation {
		instrumentFetch(fetchModeAsync, fetchResultDropped, res.elapsed)
		return
	}
	delete(m.inFlight, res.branchIndex)
	if res.err != nil {
		m.fetchFailures++
		m.fetchErrs[res.branchIndex] = res.err
		instrumentFetch(fetchModeAsync, fetchResultError, res.elapsed)
		m.persistLogger.Warnw("failed to fetch branch, it will not be retried until cleared",
			"branch", res.branchIndex, "error", res.err)
		return
	}
	if m.root.isLeaf || m.root.children[res.branchIndex].isLoaded.Load() {
		instrumentFetch(fetchModeAsync, fetchResultDropped, res.elapsed)
		return
	}
	instrumentFetch(fetchModeAsync, fetchResultOK, res.elapsed)
	m.installBranch(res.branchIndex, res.subtree, res.stats, res.elapsed)
}

// PrefetchBranches loads branches ahead of need, or every branch for -1. Without background
// fetching the branches are loaded before it returns.
func (m *Manager) PrefetchBranches(branchIndex int) error {
	indices, err := branchIndices(branchIndex)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root.isLeaf {
		return errors.Wrap(ErrBranchNotFound, "the tree has no branches")
	}
	if m.opts.DataDir == "" {
		return errors.New("no data directory to fetch branches from")
	}
	for _, index := range indices {
		if m.root.children[index].isLoaded.Load() {
			continue
		}
		if m.fetcher != nil {
			m.requestFetch(index)
			continue
		}
		if err := m.fetchBranch(m.opts.DataDir, index); err != nil {
			return err
		}
	}
	return nil
}

// AwaitFetches blocks until every background fetch has been installed or ctx is done.
func (m *Manager) AwaitFetches(ctx context.Context) error {
	for {
		m.mu.Lock()
		m.applyFetchResults()
		pending := len(m.inFlight)
		m.mu.Unlock()

		if pending == 0 {
			return nil
		}
		if !goutils.SelectContextOrWait(ctx, time.Millisecond) {
			return ctx.Err()
		}
	}
}
