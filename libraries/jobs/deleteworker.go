package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// DeleteWorkerJob retires a worker: every chunk it holds whose
// replication level would fall below minReplicas gets re-replicated to
// another worker first, then every chunk is deleted from worker. If
// permanent, the worker is dropped from the catalog once every chunk is
// clear; otherwise it is left cataloged but disabled.
type DeleteWorkerJob struct {
	baseJob
	family      string
	worker      string
	permanent   bool
	minReplicas int
	catalog     ReplicaCatalog

	cleared []chunk.Chunk
}

// NewDeleteWorkerJob constructs a DeleteWorkerJob.
func NewDeleteWorkerJob(id, family, worker string, permanent bool, minReplicas int, opts chunk.JobOptions, ctrl *controller.Controller, locker *chunklock.ChunkLocker, catalog ReplicaCatalog) *DeleteWorkerJob {
	return &DeleteWorkerJob{
		baseJob:     newBaseJob(id, opts, ctrl, locker, "DeleteWorker"),
		family:      family,
		worker:      worker,
		permanent:   permanent,
		minReplicas: minReplicas,
		catalog:     catalog,
	}
}

type deleteWorkerStep struct {
	chunk        chunk.Chunk
	database     string
	replicateTo  string // empty if no re-replication is needed first
}

// Start satisfies jobcontroller.Job.
func (j *DeleteWorkerJob) Start(ctx context.Context, onDone func(chunk.JobState)) {
	j.mu.Lock()
	j.onDone = j.wrapOnDone(onDone)
	j.mu.Unlock()

	plan, err := j.plan()
	if err != nil {
		j.failFatal(err)
		j.allRequestsIssued()
		return
	}

	for _, step := range plan {
		step := step
		ok, lockErr := j.locker.Lock(step.chunk, j.id)
		if lockErr != nil {
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Error: lockErr.Error()})
			continue
		}
		if !ok {
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Error: "chunk locked by another job"})
			continue
		}

		if step.replicateTo == "" {
			j.issueDelete(ctx, step)
			continue
		}

		j.begin()
		creq, err := j.ctrl.Replicate(ctx, step.replicateTo, step.database, int32(step.chunk.Number), j.worker, func(req controller.Request) {
			if req.Err != nil {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.replicateTo, Error: req.Err.Error()})
				j.locker.Release(step.chunk)
				j.complete()
				return
			}
			if req.Response.Status != wireproto.StatusSuccess {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.replicateTo, Error: fmt.Sprintf("deleteWorker replicate: %s", req.Response.Status)})
				j.locker.Release(step.chunk)
				j.complete()
				return
			}
			if err := j.catalog.PutReplica(chunk.Replica{Chunk: step.chunk, Worker: step.replicateTo, Database: step.database, Status: chunk.ReplicaComplete}); err != nil {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.replicateTo, Error: err.Error()})
				j.locker.Release(step.chunk)
				j.complete()
				return
			}
			j.issueDeleteLocked(ctx, step)
		})
		if err != nil {
			j.locker.Release(step.chunk)
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.replicateTo, Error: err.Error()})
			j.complete()
		} else {
			j.noteRequest(creq.ID)
		}
	}

	j.allRequestsIssued()
}

// issueDelete issues the delete request on its own (begin/complete pair),
// for chunks that did not need re-replication first.
func (j *DeleteWorkerJob) issueDelete(ctx context.Context, step deleteWorkerStep) {
	j.begin()
	j.issueDeleteLocked(ctx, step)
}

// issueDeleteLocked issues the delete request that completes an
// already-begun outstanding count (either the one issueDelete started, or
// the one the preceding replicate's begin() started).
func (j *DeleteWorkerJob) issueDeleteLocked(ctx context.Context, step deleteWorkerStep) {
	creq, err := j.ctrl.DeleteReplica(ctx, j.worker, step.database, int32(step.chunk.Number), func(req controller.Request) {
		defer j.complete()
		defer j.locker.Release(step.chunk)
		if req.Err != nil {
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: j.worker, Error: req.Err.Error()})
			return
		}
		if req.Response.Status != wireproto.StatusSuccess {
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: j.worker, Error: fmt.Sprintf("deleteWorker delete: %s", req.Response.Status)})
			return
		}
		if err := j.catalog.RemoveReplica(step.chunk, j.worker); err != nil {
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: j.worker, Error: err.Error()})
			return
		}
		j.mu.Lock()
		j.cleared = append(j.cleared, step.chunk)
		j.mu.Unlock()
	})
	if err != nil {
		j.locker.Release(step.chunk)
		j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: j.worker, Error: err.Error()})
		j.complete()
	} else {
		j.noteRequest(creq.ID)
	}
}

// Cleared returns the chunks successfully dropped from the retired worker.
func (j *DeleteWorkerJob) Cleared() []chunk.Chunk {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]chunk.Chunk(nil), j.cleared...)
}

// wrapOnDone applies the worker-state transition right before baseJob
// reports its terminal state: a permanent retirement with every chunk
// cleared drops the worker node outright; otherwise the worker is just
// marked inactive. baseJob.finish invokes onDone exactly once, so this
// only ever fires once too.
func (j *DeleteWorkerJob) wrapOnDone(onDone func(chunk.JobState)) func(chunk.JobState) {
	return func(state chunk.JobState) {
		if state == chunk.JobFinishedOK {
			var err error
			if j.permanent && len(j.Failures()) == 0 {
				err = j.catalog.RemoveWorker(j.worker)
			} else {
				err = j.catalog.SetWorkerState(j.worker, chunk.WorkerInactive)
			}
			if err != nil {
				j.recordFailure(ChunkFailure{Worker: j.worker, Error: err.Error()})
			}
		}
		onDone(state)
	}
}

func (j *DeleteWorkerJob) plan() ([]deleteWorkerStep, error) {
	replicas, err := j.catalog.Replicas(j.family)
	if err != nil {
		return nil, err
	}
	workers, err := j.catalog.Workers(j.family)
	if err != nil {
		return nil, err
	}

	holders := make(map[replicaKey]map[string]bool)
	for _, r := range replicas {
		k := replicaKey{chunk: r.Chunk, database: r.Database}
		if holders[k] == nil {
			holders[k] = make(map[string]bool)
		}
		holders[k][r.Worker] = true
	}

	activeOthers := make([]string, 0, len(workers))
	for _, w := range workers {
		if w.Name != j.worker && w.IsActive() {
			activeOthers = append(activeOthers, w.Name)
		}
	}
	sort.Strings(activeOthers)

	var steps []deleteWorkerStep
	for k, held := range holders {
		if !held[j.worker] {
			continue
		}
		remaining := len(held) - 1
		dest := ""
		if remaining < j.minReplicas {
			for _, w := range activeOthers {
				if !held[w] {
					dest = w
					break
				}
			}
			if dest == "" {
				return nil, fmt.Errorf("deleteWorker: chunk %s of database %s would drop below minimum replication with no destination available", k.chunk, k.database)
			}
		}
		steps = append(steps, deleteWorkerStep{chunk: k.chunk, database: k.database, replicateTo: dest})
	}
	sort.Slice(steps, func(i, k int) bool {
		if steps[i].chunk != steps[k].chunk {
			return steps[i].chunk.Less(steps[k].chunk)
		}
		return steps[i].database < steps[k].database
	})
	return steps, nil
}
