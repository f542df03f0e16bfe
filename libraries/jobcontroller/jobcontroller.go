// Package jobcontroller implements the top-level scheduler: a
// single cooperative loop over three queues (newJobs, inProgressJobs,
// finishedJobs) that enforces each job's priority/exclusive/preemptable
// options, periodically wakes to start scheduled jobs, and drains on
// shutdown.
package jobcontroller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// Job is the interface every placement job state machine and the
// director-index job implement so the scheduler can run them without
// knowing their concrete type.
type Job interface {
	ID() string
	Options() chunk.JobOptions
	// Start begins the job's work asynchronously; it must return quickly.
	// onDone must be invoked exactly once, outside of any lock the job
	// holds, when the job reaches a finished sub-state.
	Start(ctx context.Context, onDone func(chunk.JobState))
	// Cancel asks the job to stop issuing new work and unwind
	// outstanding requests. It must not block.
	Cancel()
}

// jobEntry is the scheduler's private bookkeeping for one submitted job.
type jobEntry struct {
	id      string
	job     Job
	options chunk.JobOptions
	state   chunk.JobState
	onFinish func(chunk.JobState)
	finishedAt time.Time
}

// Controller is the single-threaded cooperative scheduler. One goroutine
// (started by Start) owns all three queues; every other method only
// touches them under mu, and notifications (onFinish) always fire outside
// the lock.
type Controller struct {
	log *logrus.Entry

	tickInterval   time.Duration
	finishedTTL    time.Duration

	mu            sync.Mutex
	newJobs       jobHeap
	submitSeq     uint64
	inProgress    map[string]*jobEntry
	finished      map[string]*jobEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}

	wakeCh chan struct{}
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithTickInterval overrides how often the scheduler wakes on its own to
// run runScheduled/runQueued.
func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) { c.tickInterval = d }
}

// WithFinishedRetention bounds how long a finished job's entry is kept
// queryable before being dropped.
func WithFinishedRetention(d time.Duration) Option {
	return func(c *Controller) { c.finishedTTL = d }
}

// WithLogger overrides the package logger.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) { c.log = log }
}

// New returns an unstarted Controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		log:          logrus.WithField("component", "jobcontroller"),
		tickInterval: time.Second,
		finishedTTL:  time.Hour,
		inProgress:   make(map[string]*jobEntry),
		finished:     make(map[string]*jobEntry),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit enqueues job to run under the scheduling attributes job.Options()
// reports; onFinish is invoked exactly once when the job reaches a
// finished sub-state, outside any Controller lock.
func (c *Controller) Submit(job Job, onFinish func(chunk.JobState)) (string, error) {
	if job.ID() == "" {
		return "", qerrors.InvalidArgument.New("jobcontroller: job id must not be empty")
	}

	entry := &jobEntry{
		id:       job.ID(),
		job:      job,
		options:  job.Options(),
		state:    chunk.JobNew,
		onFinish: onFinish,
	}

	c.mu.Lock()
	c.submitSeq++
	order := c.submitSeq
	c.newJobs.pushJob(pendingJob{job: entry, order: order})
	c.mu.Unlock()

	c.wake()
	return entry.id, nil
}

// Cancel asks the job named id to stop, whether pending or running. It is
// a no-op if the job is unknown or already finished.
func (c *Controller) Cancel(id string) {
	c.mu.Lock()
	if c.newJobs.removeByID(id) {
		c.mu.Unlock()
		return
	}
	entry, running := c.inProgress[id]
	c.mu.Unlock()

	if running {
		entry.job.Cancel()
	}
}

// StateOf reports the last known state of a submitted job, or ok=false if
// it has never been submitted or has aged out of the finished set.
func (c *Controller) StateOf(id string) (chunk.JobState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.inProgress[id]; ok {
		return e.state, true
	}
	if e, ok := c.finished[id]; ok {
		return e.state, true
	}
	for _, p := range c.newJobs {
		if p.job.id == id {
			return chunk.JobNew, true
		}
	}
	return "", false
}

// Start runs the scheduler's cooperative loop until ctx is cancelled or
// Stop is called, then asks every in-progress job to cancel and returns
// without waiting for them to report finished. Start blocks; run it in
// its own goroutine or as a svcs.Service.
func (c *Controller) Start(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	c.runQueued()

	for {
		select {
		case <-ctx.Done():
			c.cancelAll()
			return
		case <-c.stopCh:
			c.cancelAll()
			return
		case <-ticker.C:
			c.runScheduled()
			c.runQueued()
			c.reapFinished()
		case <-c.wakeCh:
			c.runQueued()
		}
	}
}

// Stop requests the scheduler loop to cancel every in-progress job and
// return. Safe to call multiple times or before Start.
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	return nil
}

// Init satisfies libraries/svcs.Service; the Job Controller has nothing
// to initialize beyond construction.
func (c *Controller) Init(ctx context.Context) error { return nil }

// Run satisfies libraries/svcs.Service.
func (c *Controller) Run(ctx context.Context) { c.Start(ctx) }

func (c *Controller) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// runScheduled is the injection point for periodic jobs (e.g. a
// recurring FindAllJob). This implementation exposes no built-in
// periodic jobs of its own — callers register them externally via Submit
// from their own timers — so runScheduled is currently a no-op hook.
func (c *Controller) runScheduled() {}

// runQueued implements the dispatch policy: walk newJobs from highest
// priority, starting jobs until the first one whose exclusivity is not
// compatible with what's currently running; that job and every job
// behind it stay queued.
func (c *Controller) runQueued() {
	for {
		c.mu.Lock()
		candidate, ok := c.newJobs.popHighest()
		if !ok {
			c.mu.Unlock()
			return
		}

		if !c.compatibleLocked(candidate.job) {
			c.newJobs.pushJob(candidate)
			c.mu.Unlock()
			return
		}

		candidate.job.state = chunk.JobInProgress
		c.inProgress[candidate.job.id] = candidate.job
		entry := candidate.job
		c.mu.Unlock()

		c.log.WithFields(logrus.Fields{"job": entry.id}).Info("starting job")
		entry.job.Start(context.Background(), func(state chunk.JobState) {
			c.onJobDone(entry.id, state)
		})
	}
}

// compatibleLocked reports whether candidate may start given the
// current inProgress set. Caller must hold c.mu. Preemption is
// explicitly not implemented: a
// non-preemptable candidate waiting behind running preemptable jobs of
// lower priority is not evicted, it simply waits its turn like any other
// candidate.
func (c *Controller) compatibleLocked(candidate *jobEntry) bool {
	if len(c.inProgress) == 0 {
		return true
	}
	if candidate.options.Exclusive {
		return false
	}
	for _, running := range c.inProgress {
		if running.options.Exclusive {
			return false
		}
	}
	return true
}

// onJobDone is the Controller-wide completion handler every job's Start
// call invokes. It moves the job from inProgress to finished under the
// lock, releases the lock, re-runs the dispatch policy, and only then
// invokes the caller's own onFinish — matching the Controller's
// notify-outside-lock discipline.
func (c *Controller) onJobDone(id string, state chunk.JobState) {
	c.mu.Lock()
	entry, ok := c.inProgress[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.inProgress, id)
	entry.state = state
	entry.finishedAt = time.Now()
	c.finished[id] = entry
	c.mu.Unlock()

	c.runQueued()

	if entry.onFinish != nil {
		entry.onFinish(state)
	}
}

// cancelAll walks inProgress and asks each job to cancel without blocking
// on any remote acknowledgement.
func (c *Controller) cancelAll() {
	c.mu.Lock()
	jobs := make([]*jobEntry, 0, len(c.inProgress))
	for _, e := range c.inProgress {
		jobs = append(jobs, e)
	}
	c.mu.Unlock()

	for _, e := range jobs {
		e.job.Cancel()
	}
}

// reapFinished drops finished entries older than finishedTTL.
func (c *Controller) reapFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.finishedTTL)
	for id, e := range c.finished {
		if e.finishedAt.Before(cutoff) {
			delete(c.finished, id)
		}
	}
}

// NewJobID returns a fresh random job id, for callers that don't mint
// their own (e.g. CLI frontends).
func NewJobID() string { return uuid.NewString() }
