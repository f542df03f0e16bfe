package jobs

import (
	"context"
	"fmt"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// FindAllJob sends findAllReplicas to every active worker for every
// database of a family and aggregates the results into the replica
// catalog. It is the precursor every other placement job depends on.
type FindAllJob struct {
	baseJob
	family          string
	saveReplicaInfo bool
	catalog         ReplicaCatalog
}

// NewFindAllJob constructs a FindAllJob.
func NewFindAllJob(id, family string, saveReplicaInfo bool, opts chunk.JobOptions, ctrl *controller.Controller, catalog ReplicaCatalog) *FindAllJob {
	j := &FindAllJob{
		baseJob:         newBaseJob(id, opts, ctrl, nil, "FindAll"),
		family:          family,
		saveReplicaInfo: saveReplicaInfo,
		catalog:         catalog,
	}
	return j
}

// Start satisfies jobcontroller.Job.
func (j *FindAllJob) Start(ctx context.Context, onDone func(chunk.JobState)) {
	j.mu.Lock()
	j.onDone = onDone
	j.mu.Unlock()

	workers, err := j.catalog.Workers(j.family)
	if err != nil {
		j.failFatal(err)
		j.allRequestsIssued()
		return
	}
	databases, err := j.catalog.Databases(j.family)
	if err != nil {
		j.failFatal(err)
		j.allRequestsIssued()
		return
	}

	for _, w := range workers {
		if !w.IsActive() {
			continue
		}
		for _, db := range databases {
			w, db := w, db
			j.begin()
			creq, err := j.ctrl.FindAllReplicas(ctx, w.Name, db, j.saveReplicaInfo, func(req controller.Request) {
				defer j.complete()
				j.handleResponse(w.Name, db, req)
			})
			if err != nil {
				j.recordFailure(ChunkFailure{Worker: w.Name, Error: err.Error()})
				j.complete()
			} else {
				j.noteRequest(creq.ID)
			}
		}
	}

	j.allRequestsIssued()
}

func (j *FindAllJob) handleResponse(worker, database string, req controller.Request) {
	if req.Err != nil {
		j.recordFailure(ChunkFailure{Worker: worker, Error: req.Err.Error()})
		return
	}
	if req.Response.Status != wireproto.StatusSuccess {
		j.recordFailure(ChunkFailure{Worker: worker, Error: fmt.Sprintf("findAllReplicas on %s/%s: %s", worker, database, req.Response.Status)})
		return
	}
	for _, r := range req.Response.Replicas {
		rep := chunk.Replica{
			Chunk:    chunk.Chunk{Family: j.family, Number: uint32(r.Chunk)},
			Worker:   worker,
			Database: database,
			Status:   chunk.ReplicaComplete,
		}
		if err := j.catalog.PutReplica(rep); err != nil {
			j.recordFailure(ChunkFailure{Chunk: rep.Chunk, Worker: worker, Error: err.Error()})
		}
	}
}
