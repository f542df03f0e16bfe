package ingest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/keymutex"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/resourceurl"
	"github.com/lsst/qserv-sub021/libraries/retry"
)

// Config bounds one Request's behavior: retry backoff shape (the retry
// count itself comes from the contribution's MaxRetries), working
// directory for tmp files, and the HTTP source's TLS policy.
type Config struct {
	Retry   retry.RetryParams
	WorkDir string
	HTTP    HTTPSourceConfig
}

// Request runs one contribution through VALIDATE → READ → LOAD →
// FINISH. Its descriptor is copy-on-write: Snapshot always observes a
// consistent value, and no catalog I/O ever happens while the descriptor
// mutex is held.
type Request struct {
	cfg      Config
	cat      ContributionCatalog
	txns     TransactionLookup
	dbs      DatabaseLookup
	loader   Loader
	locks    keymutex.Registry

	mu         sync.Mutex
	descriptor chunk.IngestContribution

	cancelled atomic.Bool
}

// NewRequest returns a Request for c, which must already exist in cat
// (Run re-reads and re-persists it as it progresses).
func NewRequest(c chunk.IngestContribution, cat ContributionCatalog, txns TransactionLookup, dbs DatabaseLookup, loader Loader, locks keymutex.Registry, cfg Config) *Request {
	return &Request{
		cfg:        cfg,
		cat:        cat,
		txns:       txns,
		dbs:        dbs,
		loader:     loader,
		locks:      locks,
		descriptor: c,
	}
}

// Cancel requests cooperative cancellation; the reader and loader observe
// it at the next chunk/statement boundary.
func (r *Request) Cancel() { r.cancelled.Store(true) }

func (r *Request) isCancelled() bool { return r.cancelled.Load() }

// Snapshot returns the contribution's current descriptor. Safe to call
// concurrently with Run.
func (r *Request) Snapshot() chunk.IngestContribution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descriptor
}

// mutate applies fn to a copy of the descriptor, installs it as the
// current descriptor under the mutex, then persists it to the catalog
// without holding the mutex. Writers never hold the mutex across catalog
// I/O.
func (r *Request) mutate(fn func(*chunk.IngestContribution)) error {
	r.mu.Lock()
	c := r.descriptor
	fn(&c)
	r.descriptor = c
	r.mu.Unlock()

	return r.cat.Put(c)
}

// Run drives the full state machine to a terminal state and returns the
// terminal error, if any. It never panics. A VALIDATE refusal returns its
// error without touching the descriptor; every later failure path ends in
// FINISH persisting a terminal ContributionState.
func (r *Request) Run(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}

	tmpPath, tmpFile, err := r.openTmpFile()
	if err != nil {
		return r.finish(chunk.ContribReadFailed, err)
	}
	defer os.Remove(tmpPath)
	defer tmpFile.Close()

	c := r.Snapshot()
	u, err := resourceurl.Parse(c.URL)
	if err != nil {
		return r.finish(chunk.ContribReadFailed, err)
	}
	src, err := NewSource(u, c.HTTPMethod, c.HTTPData, c.Dialect, r.cfg.HTTP)
	if err != nil {
		return r.finish(chunk.ContribReadFailed, err)
	}

	// The backoff shape comes from the engine config; the retry budget
	// itself belongs to the contribution.
	rp := r.cfg.Retry
	rp.NumRetries = c.MaxRetries

	var readRes readResult
	var readErr error
	retries, state := retry.CallWithRetriesContext(ctx, rp, func(ctx context.Context) retry.RetriableCallState {
		if r.isCancelled() {
			readErr = qerrors.IngestInterrupted.New("ingest: contribution cancelled before read")
			return retry.NonRetriableFailure
		}
		if _, err := tmpFile.Seek(0, 0); err != nil {
			readErr = qerrors.RemoteError.New(fmt.Sprintf("ingest: rewind tmp file: %v", err))
			return retry.NonRetriableFailure
		}
		if err := tmpFile.Truncate(0); err != nil {
			readErr = qerrors.RemoteError.New(fmt.Sprintf("ingest: truncate tmp file: %v", err))
			return retry.NonRetriableFailure
		}

		res, err := readContribution(ctx, src, c.Dialect, c.MaxNumWarnings, tmpFile, r.isCancelled)
		if err == nil {
			readRes = res
			return retry.Success
		}
		readErr = err
		if qerrors.IngestInterrupted.Is(err) {
			return retry.NonRetriableFailure
		}
		return retry.RetriableFailure
	})

	if state != retry.Success {
		if qerrors.IngestInterrupted.Is(readErr) {
			return r.finish(chunk.ContribCancelled, readErr)
		}
		return r.finishWithCounters(chunk.ContribReadFailed, readErr, readRes, retries)
	}

	lockName := fmt.Sprintf("%s.%s.%d", c.Chunk.Family, c.Table, c.Chunk.Number)
	if err := r.locks.Lock(ctx, lockName); err != nil {
		return r.finishWithCounters(chunk.ContribCancelled, err, readRes, retries)
	}
	defer r.locks.Unlock(lockName)

	if r.isCancelled() {
		return r.finishWithCounters(chunk.ContribCancelled, qerrors.IngestInterrupted.New("ingest: cancelled before load"), readRes, retries)
	}

	table := loadTableName(c.Chunk.Family, c.Table, c.Chunk, c.IsOverlap)
	warnings, err := r.loader.Load(ctx, table, c.TransactionID, tmpPath, c.Charset, c.Dialect)
	if err != nil {
		return r.finishWithCounters(chunk.ContribLoadFailed, err, readRes, retries)
	}

	return r.mutate(func(c *chunk.IngestContribution) {
		c.State = chunk.ContribFinished
		c.NumRows = readRes.NumRows
		c.NumBytes = readRes.NumBytes
		c.NumWarnings = readRes.NumWarnings + warnings
		c.NumRetries = retries
		c.Error = ""
	})
}

// validate refuses a contribution whose transaction isn't STARTED, whose
// database is in an invalid state, or which has already advanced past
// IN_PROGRESS. None of these mutate the descriptor; rejection happens
// before the state machine ever starts.
func (r *Request) validate() error {
	c := r.Snapshot()
	if c.State != chunk.ContribInProgress {
		return qerrors.InvalidArgument.New(fmt.Sprintf("ingest: contribution %d already advanced past IN_PROGRESS (state=%s)", c.ID, c.State))
	}

	txn, err := r.txns.Transaction(c.TransactionID)
	if err != nil {
		return err
	}
	if txn.State != chunk.TxnStarted {
		return qerrors.InvalidArgument.New(fmt.Sprintf("ingest: transaction %d is not STARTED (state=%s)", txn.ID, txn.State))
	}

	db, err := r.dbs.Database(txn.Database)
	if err != nil {
		return err
	}
	if db.Status != chunk.DatabaseReady {
		return qerrors.InvalidArgument.New(fmt.Sprintf("ingest: database '%s' is not READY (status=%s)", db.Name, db.Status))
	}
	return nil
}

func (r *Request) finish(state chunk.ContributionState, cause error) error {
	return r.finishWithCounters(state, cause, readResult{}, 0)
}

func (r *Request) finishWithCounters(state chunk.ContributionState, cause error, res readResult, retries int) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := r.mutate(func(c *chunk.IngestContribution) {
		c.State = state
		c.NumRows = res.NumRows
		c.NumBytes = res.NumBytes
		c.NumWarnings += res.NumWarnings
		c.NumRetries = retries
		c.Error = errMsg
	}); err != nil {
		return err
	}
	return cause
}

func (r *Request) openTmpFile() (string, *os.File, error) {
	dir := r.cfg.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, fmt.Sprintf("ingest-%d-*.tmp", r.Snapshot().ID))
	if err != nil {
		return "", nil, qerrors.RemoteError.New(fmt.Sprintf("ingest: create tmp file: %v", err))
	}
	return f.Name(), f, nil
}

// loadTableName names the MySQL table a contribution's LOAD DATA INFILE
// targets: one physical table per (database family, logical table,
// chunk[, overlap]). Transaction scoping happens in the statement's
// PARTITION (p<transactionId>) clause, not in the table name.
func loadTableName(family, table string, c chunk.Chunk, isOverlap bool) string {
	suffix := ""
	if isOverlap {
		suffix = "FullOverlap"
	}
	return fmt.Sprintf("`%s`.`%s%s_%d`", family, table, suffix, c.Number)
}
