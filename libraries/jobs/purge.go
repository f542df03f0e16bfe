package jobs

import (
	"fmt"
	"sort"

	"context"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// PurgeJob deletes surplus replicas of over-replicated chunks, preferring
// to delete from whichever holder currently has the most chunks overall.
type PurgeJob struct {
	baseJob
	family      string
	numReplicas int
	catalog     ReplicaCatalog

	deleted []chunk.Chunk
}

// NewPurgeJob constructs a PurgeJob.
func NewPurgeJob(id, family string, numReplicas int, opts chunk.JobOptions, ctrl *controller.Controller, locker *chunklock.ChunkLocker, catalog ReplicaCatalog) *PurgeJob {
	return &PurgeJob{
		baseJob:     newBaseJob(id, opts, ctrl, locker, "Purge"),
		family:      family,
		numReplicas: numReplicas,
		catalog:     catalog,
	}
}

type purgeStep struct {
	chunk    chunk.Chunk
	database string
	worker   string
}

// Start satisfies jobcontroller.Job.
func (j *PurgeJob) Start(ctx context.Context, onDone func(chunk.JobState)) {
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
		creq, err := j.ctrl.DeleteReplica(ctx, step.worker, step.database, int32(step.chunk.Number), func(req controller.Request) {
			defer j.complete()
			defer j.locker.Release(step.chunk)
			if req.Err != nil {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.worker, Error: req.Err.Error()})
				return
			}
			if req.Response.Status != wireproto.StatusSuccess {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.worker, Error: fmt.Sprintf("delete: %s", req.Response.Status)})
				return
			}
			if err := j.catalog.RemoveReplica(step.chunk, step.worker); err != nil {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.worker, Error: err.Error()})
				return
			}
			j.mu.Lock()
			j.deleted = append(j.deleted, step.chunk)
			j.mu.Unlock()
		})
		if err != nil {
			j.locker.Release(step.chunk)
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.worker, Error: err.Error()})
			j.complete()
		} else {
			j.noteRequest(creq.ID)
		}
	}

	j.allRequestsIssued()
}

// Deleted returns the chunk replicas this job successfully removed.
func (j *PurgeJob) Deleted() []chunk.Chunk {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]chunk.Chunk(nil), j.deleted...)
}

func (j *PurgeJob) plan() ([]purgeStep, error) {
	replicas, err := j.catalog.Replicas(j.family)
	if err != nil {
		return nil, err
	}

	holdersByKey := make(map[replicaKey][]string)
	chunkCount := make(map[string]int)
	for _, r := range replicas {
		k := replicaKey{chunk: r.Chunk, database: r.Database}
		holdersByKey[k] = append(holdersByKey[k], r.Worker)
		chunkCount[r.Worker]++
	}

	var steps []purgeStep
	for k, held := range holdersByKey {
		surplus := len(held) - j.numReplicas
		if surplus <= 0 {
			continue
		}
		holders := append([]string(nil), held...)
		sort.Slice(holders, func(i, k int) bool {
			ci1, ci2 := chunkCount[holders[i]], chunkCount[holders[k]]
			if ci1 != ci2 {
				return ci1 > ci2
			}
			return holders[i] < holders[k]
		})
		for i := 0; i < surplus; i++ {
			steps = append(steps, purgeStep{chunk: k.chunk, database: k.database, worker: holders[i]})
			chunkCount[holders[i]]--
		}
	}
	return steps, nil
}
