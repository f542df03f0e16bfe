package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

func TestDeleteWorkerJobReplicatesBeforeDroppingBelowMinimum(t *testing.T) {
	cat := newFakeCatalog()
	cat.workers["fam1"] = []chunk.WorkerNode{
		{Name: "retiring", State: chunk.WorkerActive},
		{Name: "worker-b", State: chunk.WorkerActive},
	}
	// chunk 1 only lives on "retiring", so deleting it needs a
	// re-replication to worker-b first to keep minReplicas=1 satisfied.
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "retiring", Database: "db1", Status: chunk.ReplicaComplete},
	}

	var sawReplicate, sawDelete bool
	ctrl := newTestController([]string{"retiring", "worker-b"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		switch msgType {
		case wireproto.MsgReplicate:
			sawReplicate = true
			req, err := wireproto.UnmarshalReplicateRequest(body)
			require.NoError(t, err)
			assert.Equal(t, "retiring", req.SourceWorker)
			return successResponse(req.RequestID), nil
		case wireproto.MsgDelete:
			sawDelete = true
			req, err := wireproto.UnmarshalDeleteRequest(body)
			require.NoError(t, err)
			return successResponse(req.RequestID), nil
		default:
			t.Fatalf("unexpected message type %v", msgType)
			return wireproto.Response{}, nil
		}
	})

	locker := chunklock.New()
	job := NewDeleteWorkerJob("dw1", "fam1", "retiring", false, 1, chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	assert.True(t, sawReplicate)
	assert.True(t, sawDelete)
	assert.Len(t, job.Cleared(), 1)

	w, found := func() (chunk.WorkerNode, bool) {
		ws, _ := cat.Workers("fam1")
		for _, w := range ws {
			if w.Name == "retiring" {
				return w, true
			}
		}
		return chunk.WorkerNode{}, false
	}()
	require.True(t, found)
	assert.Equal(t, chunk.WorkerInactive, w.State)
}

func TestDeleteWorkerJobPermanentRemovesWorkerNode(t *testing.T) {
	cat := newFakeCatalog()
	cat.workers["fam1"] = []chunk.WorkerNode{
		{Name: "retiring", State: chunk.WorkerActive},
		{Name: "worker-b", State: chunk.WorkerActive},
	}
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "retiring", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
	}

	ctrl := newTestController([]string{"retiring", "worker-b"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		require.Equal(t, wireproto.MsgDelete, msgType)
		req, err := wireproto.UnmarshalDeleteRequest(body)
		require.NoError(t, err)
		return successResponse(req.RequestID), nil
	})

	locker := chunklock.New()
	job := NewDeleteWorkerJob("dw2", "fam1", "retiring", true, 1, chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))

	workers, _ := cat.Workers("fam1")
	for _, w := range workers {
		assert.NotEqual(t, "retiring", w.Name)
	}
}

func TestDeleteWorkerJobFailsFatallyWithNoDestination(t *testing.T) {
	cat := newFakeCatalog()
	cat.workers["fam1"] = []chunk.WorkerNode{{Name: "retiring", State: chunk.WorkerActive}}
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "retiring", Database: "db1", Status: chunk.ReplicaComplete},
	}

	ctrl := newTestController(nil, func(wireproto.MessageType, []byte) (wireproto.Response, error) {
		t.Fatal("no destination exists, no request expected")
		return wireproto.Response{}, nil
	})

	locker := chunklock.New()
	job := NewDeleteWorkerJob("dw3", "fam1", "retiring", false, 1, chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedFailed, waitForState(t, done))
}
