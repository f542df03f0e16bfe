package jobs

import (
	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/jobcontroller"
	"github.com/lsst/qserv-sub021/libraries/objectindex"
)

// Submitter bundles the collaborators every placement job is constructed
// with and exposes one submission method per job type. Each method builds
// the job with a fresh id, hands it to the scheduler, and returns the job
// itself (its ID method reports that id); onFinish fires exactly once with
// the job's terminal state.
type Submitter struct {
	Scheduler *jobcontroller.Controller
	Ctrl      *controller.Controller
	Locker    *chunklock.ChunkLocker
	Catalog   ReplicaCatalog
}

// FindAll submits a FindAllJob for family.
func (s *Submitter) FindAll(family string, saveReplicaInfo bool, onFinish func(chunk.JobState), opts chunk.JobOptions) (*FindAllJob, error) {
	job := NewFindAllJob(jobcontroller.NewJobID(), family, saveReplicaInfo, opts, s.Ctrl, s.Catalog)
	if _, err := s.Scheduler.Submit(job, onFinish); err != nil {
		return nil, err
	}
	return job, nil
}

// FixUp submits a FixUpJob for family.
func (s *Submitter) FixUp(family string, onFinish func(chunk.JobState), opts chunk.JobOptions) (*FixUpJob, error) {
	job := NewFixUpJob(jobcontroller.NewJobID(), family, opts, s.Ctrl, s.Locker, s.Catalog)
	if _, err := s.Scheduler.Submit(job, onFinish); err != nil {
		return nil, err
	}
	return job, nil
}

// Replicate submits a ReplicateJob driving family toward numReplicas.
func (s *Submitter) Replicate(family string, numReplicas int, onFinish func(chunk.JobState), opts chunk.JobOptions) (*ReplicateJob, error) {
	job := NewReplicateJob(jobcontroller.NewJobID(), family, numReplicas, opts, s.Ctrl, s.Locker, s.Catalog)
	if _, err := s.Scheduler.Submit(job, onFinish); err != nil {
		return nil, err
	}
	return job, nil
}

// Purge submits a PurgeJob trimming family down to numReplicas.
func (s *Submitter) Purge(family string, numReplicas int, onFinish func(chunk.JobState), opts chunk.JobOptions) (*PurgeJob, error) {
	job := NewPurgeJob(jobcontroller.NewJobID(), family, numReplicas, opts, s.Ctrl, s.Locker, s.Catalog)
	if _, err := s.Scheduler.Submit(job, onFinish); err != nil {
		return nil, err
	}
	return job, nil
}

// Rebalance submits a RebalanceJob for family.
func (s *Submitter) Rebalance(family string, estimateOnly bool, onFinish func(chunk.JobState), opts chunk.JobOptions) (*RebalanceJob, error) {
	job := NewRebalanceJob(jobcontroller.NewJobID(), family, estimateOnly, opts, s.Ctrl, s.Locker, s.Catalog)
	if _, err := s.Scheduler.Submit(job, onFinish); err != nil {
		return nil, err
	}
	return job, nil
}

// Verify submits a VerifyJob sampling up to maxReplicas replicas per chunk.
func (s *Submitter) Verify(family string, maxReplicas int, computeCheckSum bool, onFinish func(chunk.JobState), opts chunk.JobOptions) (*VerifyJob, error) {
	job := NewVerifyJob(jobcontroller.NewJobID(), family, maxReplicas, computeCheckSum, opts, s.Ctrl, s.Catalog)
	if _, err := s.Scheduler.Submit(job, onFinish); err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteWorker submits a DeleteWorkerJob retiring worker from family.
func (s *Submitter) DeleteWorker(family, worker string, permanent bool, minReplicas int, onFinish func(chunk.JobState), opts chunk.JobOptions) (*DeleteWorkerJob, error) {
	job := NewDeleteWorkerJob(jobcontroller.NewJobID(), family, worker, permanent, minReplicas, opts, s.Ctrl, s.Locker, s.Catalog)
	if _, err := s.Scheduler.Submit(job, onFinish); err != nil {
		return nil, err
	}
	return job, nil
}

// DirectorIndex submits a DirectorIndexJob extracting database's
// directorTable index into index, optionally scoped to transactionID.
func (s *Submitter) DirectorIndex(family, database, directorTable, transactionID string, index *objectindex.Index, onFinish func(chunk.JobState), opts chunk.JobOptions) (*DirectorIndexJob, error) {
	job := NewDirectorIndexJob(jobcontroller.NewJobID(), family, database, directorTable, transactionID, opts, s.Ctrl, s.Catalog, index)
	if _, err := s.Scheduler.Submit(job, onFinish); err != nil {
		return nil, err
	}
	return job, nil
}
