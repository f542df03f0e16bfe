package ingest

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/keymutex"
)

// Engine runs contributions through Request.Run on a bounded worker
// pool. golang.org/x/sync/semaphore bounds the pool; a bare semaphore
// fits better than errgroup here since one contribution's failure must
// never cancel its siblings.
type Engine struct {
	cat    ContributionCatalog
	txns   TransactionLookup
	dbs    DatabaseLookup
	loader Loader
	locks  keymutex.Registry
	cfg    Config

	sem *semaphore.Weighted
}

// NewEngine returns an Engine that runs at most maxConcurrency
// contributions at once.
func NewEngine(maxConcurrency int64, cat ContributionCatalog, txns TransactionLookup, dbs DatabaseLookup, loader Loader, locks keymutex.Registry, cfg Config) *Engine {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Engine{
		cat:    cat,
		txns:   txns,
		dbs:    dbs,
		loader: loader,
		locks:  locks,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(maxConcurrency),
	}
}

// NewRequest builds a Request for c using the Engine's shared
// dependencies, without submitting it for execution.
func (e *Engine) NewRequest(c chunk.IngestContribution) *Request {
	return NewRequest(c, e.cat, e.txns, e.dbs, e.loader, e.locks, e.cfg)
}

// Submit runs every contribution's Request to completion, at most
// maxConcurrency at a time, and returns one error per input (nil for a
// contribution that reached FINISHED), in the same order as contributions.
func (e *Engine) Submit(ctx context.Context, contributions []chunk.IngestContribution) []error {
	errs := make([]error, len(contributions))
	var wg sync.WaitGroup

	for i, c := range contributions {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, c chunk.IngestContribution) {
			defer wg.Done()
			defer e.sem.Release(1)
			req := e.NewRequest(c)
			errs[i] = req.Run(ctx)
		}(i, c)
	}

	wg.Wait()
	return errs
}
