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

func buildSkewedCatalog() *fakeCatalog {
	cat := newFakeCatalog()
	// worker-a holds 3 chunks, worker-b holds 1: avg is 2, so one chunk
	// should move from worker-a to worker-b.
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 2}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 3}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 4}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
	}
	return cat
}

func TestRebalanceJobEstimateOnlyProducesNoRequests(t *testing.T) {
	cat := buildSkewedCatalog()
	ctrl := newTestController(nil, func(wireproto.MessageType, []byte) (wireproto.Response, error) {
		t.Fatal("estimate-only must not send requests")
		return wireproto.Response{}, nil
	})

	locker := chunklock.New()
	job := NewRebalanceJob("reb1", "fam1", true, chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	totalWorkers, totalGoodChunks, avg := job.Plan()
	assert.Equal(t, 2, totalWorkers)
	assert.Equal(t, 4, totalGoodChunks)
	assert.Equal(t, 2.0, avg)
	assert.Empty(t, job.Moved())
}

func TestRebalanceJobMovesChunkFromBusiestToLeast(t *testing.T) {
	cat := buildSkewedCatalog()
	ctrl := newTestController([]string{"worker-a", "worker-b"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		switch msgType {
		case wireproto.MsgReplicate:
			req, err := wireproto.UnmarshalReplicateRequest(body)
			require.NoError(t, err)
			return successResponse(req.RequestID), nil
		case wireproto.MsgDelete:
			req, err := wireproto.UnmarshalDeleteRequest(body)
			require.NoError(t, err)
			return successResponse(req.RequestID), nil
		default:
			t.Fatalf("unexpected message type %v", msgType)
			return wireproto.Response{}, nil
		}
	})

	locker := chunklock.New()
	job := NewRebalanceJob("reb2", "fam1", false, chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))

	moved := job.Moved()
	require.Len(t, moved, 1)

	replicas, err := cat.Replicas("fam1")
	require.NoError(t, err)
	countByWorker := map[string]int{}
	for _, r := range replicas {
		countByWorker[r.Worker]++
	}
	assert.Equal(t, 2, countByWorker["worker-a"])
	assert.Equal(t, 2, countByWorker["worker-b"])
}
