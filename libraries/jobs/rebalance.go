package jobs

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// RebalanceJob moves chunks from over-average workers to under-average
// ones without changing a chunk's replication level or breaking
// collocation: every move is a replicate to the destination followed by a
// delete from the source.
type RebalanceJob struct {
	baseJob
	family       string
	estimateOnly bool
	catalog      ReplicaCatalog

	result          chunkPlanStats
}

type chunkPlanStats struct {
	totalWorkers    int
	totalGoodChunks int
	avgChunks       float64
	plan            []rebalanceStep
	moved           []chunk.Chunk
}

// NewRebalanceJob constructs a RebalanceJob.
func NewRebalanceJob(id, family string, estimateOnly bool, opts chunk.JobOptions, ctrl *controller.Controller, locker *chunklock.ChunkLocker, catalog ReplicaCatalog) *RebalanceJob {
	return &RebalanceJob{
		baseJob:      newBaseJob(id, opts, ctrl, locker, "Rebalance"),
		family:       family,
		estimateOnly: estimateOnly,
		catalog:      catalog,
	}
}

type rebalanceStep struct {
	chunk    chunk.Chunk
	database string
	source   string
	dest     string
}

// workerLoad is a btree.Item ordering workers by how many distinct chunks
// of the family they currently hold, breaking ties by name.
type workerLoad struct {
	worker string
	chunks int
}

func (w *workerLoad) Less(than btree.Item) bool {
	o := than.(*workerLoad)
	if w.chunks != o.chunks {
		return w.chunks < o.chunks
	}
	return w.worker < o.worker
}

// Start satisfies jobcontroller.Job.
func (j *RebalanceJob) Start(ctx context.Context, onDone func(chunk.JobState)) {
	j.mu.Lock()
	j.onDone = onDone
	j.mu.Unlock()

	stats, err := j.plan()
	if err != nil {
		j.failFatal(err)
		j.allRequestsIssued()
		return
	}
	j.mu.Lock()
	j.result = stats
	j.mu.Unlock()

	if j.estimateOnly {
		j.allRequestsIssued()
		return
	}

	for _, step := range stats.plan {
		step := step
		conflicts, err := lockChunks(j.locker, j.id, []chunk.Chunk{step.chunk})
		if err != nil {
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Error: err.Error()})
			continue
		}
		if len(conflicts) > 0 {
			j.recordFailure(ChunkFailure{Chunk: step.chunk, Error: "chunk locked by another job"})
			continue
		}

		j.begin()
		creq, err := j.ctrl.Replicate(ctx, step.dest, step.database, int32(step.chunk.Number), step.source, func(req controller.Request) {
			if req.Err != nil {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.dest, Error: req.Err.Error()})
				j.locker.Release(step.chunk)
				j.complete()
				return
			}
			if req.Response.Status != wireproto.StatusSuccess {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.dest, Error: fmt.Sprintf("rebalance replicate: %s", req.Response.Status)})
				j.locker.Release(step.chunk)
				j.complete()
				return
			}
			if err := j.catalog.PutReplica(chunk.Replica{Chunk: step.chunk, Worker: step.dest, Database: step.database, Status: chunk.ReplicaComplete}); err != nil {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.dest, Error: err.Error()})
				j.locker.Release(step.chunk)
				j.complete()
				return
			}

			dreq, derr := j.ctrl.DeleteReplica(ctx, step.source, step.database, int32(step.chunk.Number), func(delReq controller.Request) {
				defer j.complete()
				defer j.locker.Release(step.chunk)
				if delReq.Err != nil {
					j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.source, Error: delReq.Err.Error()})
					return
				}
				if delReq.Response.Status != wireproto.StatusSuccess {
					j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.source, Error: fmt.Sprintf("rebalance delete: %s", delReq.Response.Status)})
					return
				}
				if err := j.catalog.RemoveReplica(step.chunk, step.source); err != nil {
					j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.source, Error: err.Error()})
					return
				}
				j.mu.Lock()
				j.result.moved = append(j.result.moved, step.chunk)
				j.mu.Unlock()
			})
			if derr != nil {
				j.recordFailure(ChunkFailure{Chunk: step.chunk, Worker: step.source, Error: derr.Error()})
				j.locker.Release(step.chunk)
				j.complete()
			} else {
				j.noteRequest(dreq.ID)
			}
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

// Plan returns the computed rebalance plan (populated once Start has run,
// even in estimate-only mode).
func (j *RebalanceJob) Plan() (totalWorkers, totalGoodChunks int, avgChunks float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result.totalWorkers, j.result.totalGoodChunks, j.result.avgChunks
}

// Moved returns the chunks actually relocated so far.
func (j *RebalanceJob) Moved() []chunk.Chunk {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]chunk.Chunk(nil), j.result.moved...)
}

// plan computes avgChunks = totalGoodChunks / totalWorkers and repeatedly
// pairs the busiest worker with the least-loaded one, moving one chunk
// they don't already share, until no pair remains on opposite sides of
// the average.
func (j *RebalanceJob) plan() (chunkPlanStats, error) {
	replicas, err := j.catalog.Replicas(j.family)
	if err != nil {
		return chunkPlanStats{}, err
	}

	holders := make(map[replicaKey]map[string]bool)
	holdsByWorker := make(map[string]map[replicaKey]bool)
	for _, r := range replicas {
		if r.Status != chunk.ReplicaComplete {
			continue
		}
		k := replicaKey{chunk: r.Chunk, database: r.Database}
		if holders[k] == nil {
			holders[k] = make(map[string]bool)
		}
		holders[k][r.Worker] = true
		if holdsByWorker[r.Worker] == nil {
			holdsByWorker[r.Worker] = make(map[replicaKey]bool)
		}
		holdsByWorker[r.Worker][k] = true
	}

	tree := btree.New(32)
	for w, held := range holdsByWorker {
		tree.ReplaceOrInsert(&workerLoad{worker: w, chunks: len(held)})
	}

	stats := chunkPlanStats{
		totalWorkers:    len(holdsByWorker),
		totalGoodChunks: len(holders),
	}
	if stats.totalWorkers > 0 {
		stats.avgChunks = float64(stats.totalGoodChunks) / float64(stats.totalWorkers)
	}

	exhausted := make(map[string]bool)
	maxIterations := stats.totalGoodChunks*stats.totalWorkers + 1
	for iter := 0; iter < maxIterations; iter++ {
		busiest, least := pickPair(tree, exhausted)
		if busiest == nil || least == nil {
			break
		}
		if float64(busiest.chunks) <= stats.avgChunks || float64(least.chunks) >= stats.avgChunks {
			break
		}

		k, ok := pickMovableChunk(holdsByWorker[busiest.worker], holdsByWorker[least.worker])
		if !ok {
			exhausted[busiest.worker] = true
			continue
		}

		stats.plan = append(stats.plan, rebalanceStep{chunk: k.chunk, database: k.database, source: busiest.worker, dest: least.worker})

		delete(holdsByWorker[busiest.worker], k)
		holdsByWorker[least.worker][k] = true
		delete(holders[k], busiest.worker)
		holders[k][least.worker] = true

		tree.Delete(busiest)
		busiest.chunks--
		tree.ReplaceOrInsert(busiest)

		tree.Delete(least)
		least.chunks++
		tree.ReplaceOrInsert(least)
	}

	sort.Slice(stats.plan, func(i, k int) bool {
		if stats.plan[i].chunk != stats.plan[k].chunk {
			return stats.plan[i].chunk.Less(stats.plan[k].chunk)
		}
		if stats.plan[i].database != stats.plan[k].database {
			return stats.plan[i].database < stats.plan[k].database
		}
		return stats.plan[i].dest < stats.plan[k].dest
	})
	return stats, nil
}

func pickPair(tree *btree.BTree, exhausted map[string]bool) (*workerLoad, *workerLoad) {
	var busiest, least *workerLoad
	tree.Descend(func(i btree.Item) bool {
		wl := i.(*workerLoad)
		if exhausted[wl.worker] {
			return true
		}
		busiest = wl
		return false
	})
	tree.Ascend(func(i btree.Item) bool {
		wl := i.(*workerLoad)
		least = wl
		return false
	})
	if busiest != nil && least != nil && busiest.worker == least.worker {
		return nil, nil
	}
	return busiest, least
}

func pickMovableChunk(sourceHeld, destHeld map[replicaKey]bool) (replicaKey, bool) {
	candidates := make([]replicaKey, 0, len(sourceHeld))
	for k := range sourceHeld {
		if !destHeld[k] {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return replicaKey{}, false
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].chunk != candidates[k].chunk {
			return candidates[i].chunk.Less(candidates[k].chunk)
		}
		return candidates[i].database < candidates[k].database
	})
	return candidates[0], true
}
