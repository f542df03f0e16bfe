// Package jobs implements the placement job state machines: FindAll,
// FixUp, Replicate, Purge, Rebalance, Verify, DeleteWorker, and
// DirectorIndex. Every job shares one skeleton —
// read the current replica catalog, compute a plan, fan out worker
// requests through the shared Controller, track completions, and report
// a finished state exactly once — implemented here in baseJob and reused
// by every concrete job.
package jobs

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/controller"
)

// ReplicaCatalog is the placement layer's view of "read current replica
// catalog for the target family/workers". Concrete jobs never
// touch a catalog.Store directly; they go through this narrow interface so
// they can be tested against an in-memory fake.
type ReplicaCatalog interface {
	// Workers returns every worker node cataloged for family's databases,
	// active or not.
	Workers(family string) ([]chunk.WorkerNode, error)
	// Databases returns the names of every database belonging to family.
	Databases(family string) ([]string, error)
	// Replicas returns every cataloged replica belonging to family.
	Replicas(family string) ([]chunk.Replica, error)
	// PutReplica records (or updates) one replica.
	PutReplica(r chunk.Replica) error
	// RemoveReplica drops one cataloged replica.
	RemoveReplica(c chunk.Chunk, worker string) error
	// SetWorkerState updates a worker node's lifecycle state, used by
	// DeleteWorkerJob to disable a retired worker that is not being
	// permanently removed.
	SetWorkerState(name string, state chunk.WorkerState) error
	// RemoveWorker drops a worker node from the catalog entirely, used by
	// DeleteWorkerJob when asked to permanently retire a worker.
	RemoveWorker(name string) error
}

// replicaKey identifies one database's placement of one chunk.
// Collocation and replication levels are tracked per (chunk, database):
// two databases of the same family may diverge in where a chunk number
// lives, and the planners must see that divergence rather than union the
// holder sets across databases.
type replicaKey struct {
	chunk    chunk.Chunk
	database string
}

// ChunkFailure records one chunk/worker-scoped error a job encountered
// without aborting the whole job.
type ChunkFailure struct {
	Chunk  chunk.Chunk
	Worker string
	Error  string
}

// baseJob is the common bookkeeping every placement job embeds: id,
// options, cancellation flag, the shared locker/controller, an outstanding
// request counter, and exactly-once completion delivery.
type baseJob struct {
	id      string
	options chunk.JobOptions
	ctrl    *controller.Controller
	locker  *chunklock.ChunkLocker
	log     *logrus.Entry

	mu        sync.Mutex
	cancelled bool
	outstanding int
	allIssued bool
	issued    []string
	onDone    func(chunk.JobState)
	fatal     error
	failures  []ChunkFailure
}

func newBaseJob(id string, opts chunk.JobOptions, ctrl *controller.Controller, locker *chunklock.ChunkLocker, kind string) baseJob {
	return baseJob{
		id:      id,
		options: opts,
		ctrl:    ctrl,
		locker:  locker,
		log:     logrus.WithFields(logrus.Fields{"job": id, "kind": kind}),
	}
}

// ID satisfies jobcontroller.Job.
func (b *baseJob) ID() string { return b.id }

// Options satisfies jobcontroller.Job.
func (b *baseJob) Options() chunk.JobOptions { return b.options }

// Cancel satisfies jobcontroller.Job: it marks the job cancelled so no
// further requests are issued, asks the Controller to stop whatever is
// still in flight, and releases every chunk this job holds. Stops are
// fire-and-forget; Cancel never blocks on a worker's acknowledgement.
func (b *baseJob) Cancel() {
	b.mu.Lock()
	b.cancelled = true
	issued := append([]string(nil), b.issued...)
	b.mu.Unlock()
	for _, id := range issued {
		b.ctrl.StopByID(context.Background(), id)
	}
	if b.locker != nil {
		b.locker.ReleaseOwner(b.id)
	}
}

// noteRequest remembers an issued request's id so Cancel can stop it if
// it is still in flight when the job unwinds.
func (b *baseJob) noteRequest(id string) {
	b.mu.Lock()
	b.issued = append(b.issued, id)
	b.mu.Unlock()
}

// isCancelled reports whether Cancel has been called.
func (b *baseJob) isCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// begin records that one more request has been issued and will report
// through complete exactly once.
func (b *baseJob) begin() {
	b.mu.Lock()
	b.outstanding++
	b.mu.Unlock()
}

// recordFailure appends a per-chunk failure; the job continues with
// other chunks.
func (b *baseJob) recordFailure(f ChunkFailure) {
	b.mu.Lock()
	b.failures = append(b.failures, f)
	b.mu.Unlock()
}

// failFatal marks the job as having hit a catalog/consistency
// precondition violation, which fails the whole job rather than one
// chunk. The first fatal error wins.
func (b *baseJob) failFatal(err error) {
	b.mu.Lock()
	if b.fatal == nil {
		b.fatal = err
	}
	b.mu.Unlock()
}

// allRequestsIssued marks that the plan has been fully submitted; complete
// checks this flag (plus outstanding==0) to decide whether the job is
// truly finished, so a 0-request plan still needs this call to finish.
func (b *baseJob) allRequestsIssued() {
	b.mu.Lock()
	b.allIssued = true
	done := b.allIssued && b.outstanding == 0
	b.mu.Unlock()
	if done {
		b.finish()
	}
}

// complete is invoked by a request's callback exactly once; when every
// issued request has reported and the plan has finished being issued, the
// job reports its terminal state.
func (b *baseJob) complete() {
	b.mu.Lock()
	b.outstanding--
	done := b.allIssued && b.outstanding == 0
	b.mu.Unlock()
	if done {
		b.finish()
	}
}

// finish releases this job's chunk locks and invokes onDone exactly once,
// outside of b.mu (onDone is set at Start time and never touched again).
func (b *baseJob) finish() {
	if b.locker != nil {
		b.locker.ReleaseOwner(b.id)
	}

	b.mu.Lock()
	onDone := b.onDone
	b.onDone = nil
	cancelled := b.cancelled
	fatal := b.fatal
	b.mu.Unlock()

	if onDone == nil {
		return
	}

	switch {
	case cancelled:
		onDone(chunk.JobFinishedCancelled)
	case fatal != nil:
		onDone(chunk.JobFinishedFailed)
	default:
		onDone(chunk.JobFinishedOK)
	}
}

// Failures returns the per-chunk failures accumulated so far. Safe to call
// after the job has finished.
func (b *baseJob) Failures() []ChunkFailure {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ChunkFailure(nil), b.failures...)
}

// lockChunks attempts to lock every chunk in cs for this job, releasing
// any it managed to acquire if one is already held by someone else.
// Returns the chunks that could not be locked.
func lockChunks(locker *chunklock.ChunkLocker, owner string, cs []chunk.Chunk) (conflicts []chunk.Chunk, err error) {
	locked := make([]chunk.Chunk, 0, len(cs))
	for _, c := range cs {
		ok, lockErr := locker.Lock(c, owner)
		if lockErr != nil {
			return nil, lockErr
		}
		if !ok {
			conflicts = append(conflicts, c)
			continue
		}
		locked = append(locked, c)
	}
	if len(conflicts) > 0 {
		for _, c := range locked {
			locker.Release(c)
		}
	}
	return conflicts, nil
}
