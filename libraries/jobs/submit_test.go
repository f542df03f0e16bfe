package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/jobcontroller"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

func newTestSubmitter(t *testing.T, cat *fakeCatalog, handle func(wireproto.MessageType, []byte) (wireproto.Response, error), workers ...string) *Submitter {
	t.Helper()
	jc := jobcontroller.New(jobcontroller.WithTickInterval(10 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	go jc.Start(ctx)
	t.Cleanup(func() {
		jc.Stop()
		cancel()
	})
	return &Submitter{
		Scheduler: jc,
		Ctrl:      newTestController(workers, handle),
		Locker:    chunklock.New(),
		Catalog:   cat,
	}
}

func TestSubmitterFindAllRunsToCompletion(t *testing.T) {
	cat := newFakeCatalog()
	cat.workers["fam1"] = []chunk.WorkerNode{{Name: "worker-a", State: chunk.WorkerActive}}
	cat.databases["fam1"] = []string{"db1"}

	s := newTestSubmitter(t, cat, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		req, err := wireproto.UnmarshalFindAllRequest(body)
		require.NoError(t, err)
		resp := successResponse(req.RequestID)
		resp.Replicas = []wireproto.ReplicaInfo{{Chunk: 7}}
		return resp, nil
	}, "worker-a")

	done := make(chan chunk.JobState, 1)
	job, err := s.FindAll("fam1", true, func(st chunk.JobState) { done <- st }, chunk.JobOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID())

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	replicas, err := cat.Replicas("fam1")
	require.NoError(t, err)
	assert.Len(t, replicas, 1)
}

func TestSubmitterPurgeLeavesNoLocksBehind(t *testing.T) {
	cat := newFakeCatalog()
	cat.workers["fam1"] = []chunk.WorkerNode{
		{Name: "worker-a", State: chunk.WorkerActive},
		{Name: "worker-b", State: chunk.WorkerActive},
	}
	cat.databases["fam1"] = []string{"db1"}
	c1 := chunk.Chunk{Family: "fam1", Number: 1}
	cat.replicas = []chunk.Replica{
		{Chunk: c1, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: c1, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
	}

	s := newTestSubmitter(t, cat, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		req, err := wireproto.UnmarshalDeleteRequest(body)
		require.NoError(t, err)
		return successResponse(req.RequestID), nil
	}, "worker-a", "worker-b")

	done := make(chan chunk.JobState, 1)
	_, err := s.Purge("fam1", 1, func(st chunk.JobState) { done <- st }, chunk.JobOptions{})
	require.NoError(t, err)

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	assert.Empty(t, s.Locker.Locked(""))
}
