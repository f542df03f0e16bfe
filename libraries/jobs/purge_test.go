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

func TestPurgeJobDeletesFromBusiestWorkerFirst(t *testing.T) {
	cat := newFakeCatalog()
	// worker-b holds 2 chunks overall, worker-a and worker-c hold 1 each;
	// chunk 1 is over-replicated (3 holders, target 2), so the surplus
	// copy should be deleted from worker-b.
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-c", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 2}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
	}

	ctrl := newTestController([]string{"worker-a", "worker-b", "worker-c"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		require.Equal(t, wireproto.MsgDelete, msgType)
		req, err := wireproto.UnmarshalDeleteRequest(body)
		require.NoError(t, err)
		require.Equal(t, "db1", req.Database)
		return successResponse(req.RequestID), nil
	})

	locker := chunklock.New()
	job := NewPurgeJob("purge1", "fam1", 2, chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	state := waitForState(t, done)
	assert.Equal(t, chunk.JobFinishedOK, state)

	deleted := job.Deleted()
	require.Len(t, deleted, 1)
	assert.Equal(t, uint32(1), deleted[0].Number)

	replicas, err := cat.Replicas("fam1")
	require.NoError(t, err)
	assert.Len(t, replicas, 3)
	for _, r := range replicas {
		if r.Chunk.Number == 1 {
			assert.NotEqual(t, "worker-b", r.Worker)
		}
	}
}

func TestPurgeJobSkipsChunksAtOrUnderTarget(t *testing.T) {
	cat := newFakeCatalog()
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
	}

	ctrl := newTestController(nil, func(wireproto.MessageType, []byte) (wireproto.Response, error) {
		t.Fatal("chunk is not over-replicated, no request expected")
		return wireproto.Response{}, nil
	})

	locker := chunklock.New()
	job := NewPurgeJob("purge2", "fam1", 2, chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	assert.Empty(t, job.Deleted())
}
