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

// FixUpJob repairs broken collocation within a family: every chunk of a
// family is supposed to live on the same set of workers, and FixUpJob
// finds chunks missing from any worker that holds some other chunk of the
// family and schedules a replicate to fill the gap.
type FixUpJob struct {
	baseJob
	family  string
	catalog ReplicaCatalog

	created []chunk.Chunk
}

// NewFixUpJob constructs a FixUpJob.
func NewFixUpJob(id, family string, opts chunk.JobOptions, ctrl *controller.Controller, locker *chunklock.ChunkLocker, catalog ReplicaCatalog) *FixUpJob {
	return &FixUpJob{
		baseJob: newBaseJob(id, opts, ctrl, locker, "FixUp"),
		family:  family,
		catalog: catalog,
	}
}

type fixUpStep struct {
	chunk    chunk.Chunk
	database string
	source   string
	dest     string
}

// Start satisfies jobcontroller.Job.
func (j *FixUpJob) Start(ctx context.Context, onDone func(chunk.JobState)) {
	j.mu.Lock()
	j.onDone = onDone
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

		j.begin()
		creq, err := j.ctrl.Replicate(ctx, step.dest, step.database, int32(step.chunk.Number), step.source, func(req controller.Request) {
			defer j.complete()
			defer j.locker.Release(step.chunk)
			if req.Err != nil {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.dest, Error: req.Err.Error()})
				return
			}
			if req.Response.Status != wireproto.StatusSuccess {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.dest, Error: fmt.Sprintf("fixUp: %s", req.Response.Status)})
				return
			}
			if err := j.catalog.PutReplica(chunk.Replica{Chunk: step.chunk, Worker: step.dest, Database: step.database, Status: chunk.ReplicaComplete}); err != nil {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.dest, Error: err.Error()})
				return
			}
			j.mu.Lock()
			j.created = append(j.created, step.chunk)
			j.mu.Unlock()
		})
		if err != nil {
			j.locker.Release(step.chunk)
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.dest, Error: err.Error()})
			j.complete()
		} else {
			j.noteRequest(creq.ID)
		}
	}

	j.allRequestsIssued()
}

// Created returns the chunks this job successfully filled in.
func (j *FixUpJob) Created() []chunk.Chunk {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]chunk.Chunk(nil), j.created...)
}

// plan derives the family's collocation set as the union of every worker
// currently holding any chunk of family, then schedules a replicate for
// every (chunk, worker) pair in that set the chunk is missing from.
func (j *FixUpJob) plan() ([]fixUpStep, error) {
	replicas, err := j.catalog.Replicas(j.family)
	if err != nil {
		return nil, err
	}

	holders := make(map[replicaKey]map[string]bool)
	collocationSet := make(map[string]bool)
	for _, r := range replicas {
		k := replicaKey{chunk: r.Chunk, database: r.Database}
		if holders[k] == nil {
			holders[k] = make(map[string]bool)
		}
		holders[k][r.Worker] = true
		collocationSet[r.Worker] = true
	}

	var steps []fixUpStep
	for k, held := range holders {
		sources := sortedKeys(held)
		if len(sources) == 0 {
			continue
		}
		for _, worker := range sortedKeys(collocationSet) {
			if held[worker] {
				continue
			}
			steps = append(steps, fixUpStep{chunk: k.chunk, database: k.database, source: sources[0], dest: worker})
		}
	}
	sort.Slice(steps, func(i, k int) bool {
		if steps[i].chunk != steps[k].chunk {
			return steps[i].chunk.Less(steps[k].chunk)
		}
		if steps[i].database != steps[k].database {
			return steps[i].database < steps[k].database
		}
		return steps[i].dest < steps[k].dest
	})
	return steps, nil
}
