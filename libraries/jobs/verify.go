package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// ReplicaDifference records that two replicas of the same chunk of the
// same database disagreed on checksum when compared by VerifyJob.
type ReplicaDifference struct {
	Chunk     chunk.Chunk
	Database  string
	WorkerA   string
	CheckSumA string
	WorkerB   string
	CheckSumB string
}

// VerifyJob round-robin samples up to maxReplicas cataloged replicas of a
// family, issues a find (optionally with a checksum) against each, and
// reports every pair of replicas of the same chunk that disagree.
type VerifyJob struct {
	baseJob
	family          string
	maxReplicas     int
	computeCheckSum bool
	catalog         ReplicaCatalog

	state struct {
		sync.Mutex
		byReplica   map[replicaKey][]sampleResult
		differences []ReplicaDifference
	}
}

type sampleResult struct {
	worker   string
	checkSum string
}

// NewVerifyJob constructs a VerifyJob.
func NewVerifyJob(id, family string, maxReplicas int, computeCheckSum bool, opts chunk.JobOptions, ctrl *controller.Controller, catalog ReplicaCatalog) *VerifyJob {
	j := &VerifyJob{
		baseJob:         newBaseJob(id, opts, ctrl, nil, "Verify"),
		family:          family,
		maxReplicas:     maxReplicas,
		computeCheckSum: computeCheckSum,
		catalog:         catalog,
	}
	j.state.byReplica = make(map[replicaKey][]sampleResult)
	return j
}

// Start satisfies jobcontroller.Job.
func (j *VerifyJob) Start(ctx context.Context, onDone func(chunk.JobState)) {
	j.mu.Lock()
	j.onDone = onDone
	j.mu.Unlock()

	sample, err := j.sample()
	if err != nil {
		j.failFatal(err)
		j.allRequestsIssued()
		return
	}

	for _, r := range sample {
		r := r
		j.begin()
		creq, err := j.ctrl.FindReplica(ctx, r.Worker, r.Database, int32(r.Chunk.Number), j.computeCheckSum, func(req controller.Request) {
			defer j.complete()
			if req.Err != nil {
				j.recordFailure(ChunkFailure{Chunk: r.Chunk, Worker: r.Worker, Error: req.Err.Error()})
				return
			}
			if req.Response.Status != wireproto.StatusSuccess {
				j.recordFailure(ChunkFailure{Chunk: r.Chunk, Worker: r.Worker, Error: fmt.Sprintf("find: %s", req.Response.Status)})
				return
			}
			j.recordSample(r.Chunk, r.Database, r.Worker, req.Response.CheckSum)
		})
		if err != nil {
			j.recordFailure(ChunkFailure{Chunk: r.Chunk, Worker: r.Worker, Error: err.Error()})
			j.complete()
		} else {
			j.noteRequest(creq.ID)
		}
	}

	j.allRequestsIssued()
}

func (j *VerifyJob) recordSample(c chunk.Chunk, database, worker, checkSum string) {
	k := replicaKey{chunk: c, database: database}
	j.state.Lock()
	defer j.state.Unlock()
	for _, existing := range j.state.byReplica[k] {
		if existing.checkSum != checkSum {
			j.state.differences = append(j.state.differences, ReplicaDifference{
				Chunk: c, Database: database, WorkerA: existing.worker, CheckSumA: existing.checkSum,
				WorkerB: worker, CheckSumB: checkSum,
			})
		}
	}
	j.state.byReplica[k] = append(j.state.byReplica[k], sampleResult{worker: worker, checkSum: checkSum})
}

// Differences returns every disagreeing replica pair found so far.
func (j *VerifyJob) Differences() []ReplicaDifference {
	j.state.Lock()
	defer j.state.Unlock()
	return append([]ReplicaDifference(nil), j.state.differences...)
}

// sample builds a round-robin ordering of cataloged replicas (one per
// worker per pass, cycling through workers) and truncates it to
// maxReplicas, so one busy worker never crowds out the sample.
func (j *VerifyJob) sample() ([]chunk.Replica, error) {
	replicas, err := j.catalog.Replicas(j.family)
	if err != nil {
		return nil, err
	}

	byWorker := make(map[string][]chunk.Replica)
	var workers []string
	for _, r := range replicas {
		if _, ok := byWorker[r.Worker]; !ok {
			workers = append(workers, r.Worker)
		}
		byWorker[r.Worker] = append(byWorker[r.Worker], r)
	}
	sort.Strings(workers)
	for _, w := range workers {
		rs := byWorker[w]
		sort.Slice(rs, func(i, k int) bool { return rs[i].Chunk.Less(rs[k].Chunk) })
		byWorker[w] = rs
	}

	var out []chunk.Replica
	for len(out) < j.maxReplicas || j.maxReplicas <= 0 {
		progressed := false
		for _, w := range workers {
			if len(byWorker[w]) == 0 {
				continue
			}
			out = append(out, byWorker[w][0])
			byWorker[w] = byWorker[w][1:]
			progressed = true
			if j.maxReplicas > 0 && len(out) >= j.maxReplicas {
				break
			}
		}
		if !progressed {
			break
		}
		if j.maxReplicas > 0 && len(out) >= j.maxReplicas {
			break
		}
	}
	return out, nil
}
