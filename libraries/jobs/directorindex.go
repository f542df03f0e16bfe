package jobs

import (
	"context"
	"fmt"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/objectindex"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// DirectorIndexJob asks, for every chunk of a director table, one worker
// holding that chunk for an (id, chunkId, subChunkId) extract, optionally
// scoped to a super-transaction, and loads the triples into the master's
// director-index file. Per-chunk errors are collected rather than fatal.
type DirectorIndexJob struct {
	baseJob
	family        string
	database      string
	directorTable string
	transactionID string
	catalog       ReplicaCatalog
	index         *objectindex.Index

	loaded int
}

// NewDirectorIndexJob constructs a DirectorIndexJob. index must already be
// open for writing (objectindex.Index.Create); the job only appends to it.
func NewDirectorIndexJob(id, family, database, directorTable, transactionID string, opts chunk.JobOptions, ctrl *controller.Controller, catalog ReplicaCatalog, index *objectindex.Index) *DirectorIndexJob {
	return &DirectorIndexJob{
		baseJob:       newBaseJob(id, opts, ctrl, nil, "DirectorIndex"),
		family:        family,
		database:      database,
		directorTable: directorTable,
		transactionID: transactionID,
		catalog:       catalog,
		index:         index,
	}
}

// Start satisfies jobcontroller.Job.
func (j *DirectorIndexJob) Start(ctx context.Context, onDone func(chunk.JobState)) {
	j.mu.Lock()
	j.onDone = onDone
	j.mu.Unlock()

	targets, err := j.plan()
	if err != nil {
		j.failFatal(err)
		j.allRequestsIssued()
		return
	}

	for c, worker := range targets {
		c, worker := c, worker
		j.begin()
		creq, err := j.ctrl.Index(ctx, worker, j.database, j.directorTable, int32(c.Number), j.transactionID, func(req controller.Request) {
			defer j.complete()
			if req.Err != nil {
				j.recordFailure(ChunkFailure{Chunk: c, Worker: worker, Error: req.Err.Error()})
				return
			}
			if req.Response.Status != wireproto.StatusSuccess {
				j.recordFailure(ChunkFailure{Chunk: c, Worker: worker, Error: fmt.Sprintf("index: %s", req.Response.Status)})
				return
			}
			if err := j.loadTriples(c, req.Response); err != nil {
				j.recordFailure(ChunkFailure{Chunk: c, Worker: worker, Error: err.Error()})
			}
		})
		if err != nil {
			j.recordFailure(ChunkFailure{Chunk: c, Worker: worker, Error: err.Error()})
			j.complete()
		} else {
			j.noteRequest(creq.ID)
		}
	}

	j.allRequestsIssued()
}

func (j *DirectorIndexJob) loadTriples(c chunk.Chunk, resp wireproto.Response) error {
	n := len(resp.IndexIDs)
	for i := 0; i < n; i++ {
		loc := objectindex.Location{ChunkID: resp.IndexChunkIDs[i], SubChunkID: resp.IndexSubChunkIDs[i]}
		if err := j.index.Write(resp.IndexIDs[i], loc); err != nil {
			return err
		}
	}
	j.mu.Lock()
	j.loaded += n
	j.mu.Unlock()
	return nil
}

// Loaded returns the number of (id, chunkId, subChunkId) triples written
// to the index so far.
func (j *DirectorIndexJob) Loaded() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loaded
}

// plan picks, for each cataloged chunk of the family, the
// alphabetically-first worker holding it to serve the index extract.
func (j *DirectorIndexJob) plan() (map[chunk.Chunk]string, error) {
	replicas, err := j.catalog.Replicas(j.family)
	if err != nil {
		return nil, err
	}

	holders := make(map[chunk.Chunk][]string)
	for _, r := range replicas {
		holders[r.Chunk] = append(holders[r.Chunk], r.Worker)
	}

	targets := make(map[chunk.Chunk]string, len(holders))
	for c, workers := range holders {
		targets[c] = sortedKeys(toSet(workers))[0]
	}
	return targets, nil
}

func toSet(ss []string) map[string]bool {
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}
