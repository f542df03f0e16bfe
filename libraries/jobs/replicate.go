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

// ReplicateJob brings every chunk of a family up to numReplicas replicas,
// picking destination workers to balance total chunk counts across the
// fleet.
type ReplicateJob struct {
	baseJob
	family      string
	numReplicas int
	catalog     ReplicaCatalog

	created []chunk.Chunk
}

// NewReplicateJob constructs a ReplicateJob.
func NewReplicateJob(id, family string, numReplicas int, opts chunk.JobOptions, ctrl *controller.Controller, locker *chunklock.ChunkLocker, catalog ReplicaCatalog) *ReplicateJob {
	return &ReplicateJob{
		baseJob:     newBaseJob(id, opts, ctrl, locker, "Replicate"),
		family:      family,
		numReplicas: numReplicas,
		catalog:     catalog,
	}
}

// Start satisfies jobcontroller.Job. Start is only ever called once, by
// the Job Controller, so no internal synchronization is needed around the
// planning phase itself; only state shared with request callbacks (via
// baseJob) is mutex-guarded.
func (j *ReplicateJob) Start(ctx context.Context, onDone func(chunk.JobState)) {
	j.mu.Lock()
	j.onDone = onDone
	j.mu.Unlock()

	plan, err := j.plan(j.family, j.numReplicas, j.catalog)
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
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.dest, Error: fmt.Sprintf("replicate: %s", req.Response.Status)})
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

// Created returns the chunks this job successfully replicated.
func (j *ReplicateJob) Created() []chunk.Chunk {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]chunk.Chunk(nil), j.created...)
}

type replicateStep struct {
	chunk    chunk.Chunk
	database string
	source   string
	dest     string
}

// plan computes, for every under-replicated chunk of family, which worker
// should receive a new copy and from which existing holder it should be
// pulled. Destinations are chosen to balance total chunk counts: the
// worker (lacking the chunk) with the fewest chunks overall goes first,
// ties broken by worker name ascending (documented tie-break).
func (j *ReplicateJob) plan(family string, numReplicas int, catalog ReplicaCatalog) ([]replicateStep, error) {
	workers, err := catalog.Workers(family)
	if err != nil {
		return nil, err
	}
	replicas, err := catalog.Replicas(family)
	if err != nil {
		return nil, err
	}

	activeWorkers := make([]string, 0, len(workers))
	active := make(map[string]bool, len(workers))
	for _, w := range workers {
		if w.IsActive() {
			activeWorkers = append(activeWorkers, w.Name)
			active[w.Name] = true
		}
	}

	holders := make(map[replicaKey]map[string]bool)
	chunkCount := make(map[string]int)
	for _, r := range replicas {
		k := replicaKey{chunk: r.Chunk, database: r.Database}
		if holders[k] == nil {
			holders[k] = make(map[string]bool)
		}
		holders[k][r.Worker] = true
		chunkCount[r.Worker]++
	}

	var steps []replicateStep
	for k, held := range holders {
		need := numReplicas - len(held)
		if need <= 0 {
			continue
		}
		var sources []string
		for _, w := range sortedKeys(held) {
			if active[w] {
				sources = append(sources, w)
			}
		}
		if len(sources) == 0 {
			return nil, fmt.Errorf("replicate: chunk %s of database %s has no source worker left", k.chunk, k.database)
		}

		candidates := make([]string, 0, len(activeWorkers))
		for _, w := range activeWorkers {
			if !held[w] {
				candidates = append(candidates, w)
			}
		}
		sort.Slice(candidates, func(i, k int) bool {
			ci1, ci2 := chunkCount[candidates[i]], chunkCount[candidates[k]]
			if ci1 != ci2 {
				return ci1 < ci2
			}
			return candidates[i] < candidates[k]
		})

		for i := 0; i < need && i < len(candidates); i++ {
			dest := candidates[i]
			steps = append(steps, replicateStep{chunk: k.chunk, database: k.database, source: sources[0], dest: dest})
			chunkCount[dest]++
		}
	}
	return steps, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
