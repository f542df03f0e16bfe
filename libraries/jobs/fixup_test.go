package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

func TestFixUpJobFillsMissingCollocatedPlacement(t *testing.T) {
	cat := newFakeCatalog()
	// chunk 1 lives on worker-a and worker-b; chunk 2 lives on all three,
	// establishing worker-c as part of the family's collocation set, so
	// chunk 1 should get a replicate to worker-c.
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 2}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 2}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 2}, Worker: "worker-c", Database: "db1", Status: chunk.ReplicaComplete},
	}

	ctrl := newTestController([]string{"worker-a", "worker-b", "worker-c"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		require.Equal(t, wireproto.MsgReplicate, msgType)
		req, err := wireproto.UnmarshalReplicateRequest(body)
		require.NoError(t, err)
		return successResponse(req.RequestID), nil
	})

	locker := chunklock.New()
	job := NewFixUpJob("fixup1", "fam1", chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))

	created := job.Created()
	require.Len(t, created, 1)
	assert.Equal(t, uint32(1), created[0].Number)

	replicas, err := cat.Replicas("fam1")
	require.NoError(t, err)
	assert.Len(t, replicas, 6)
}

func TestFixUpJobNoOpWhenAlreadyCollocated(t *testing.T) {
	cat := newFakeCatalog()
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 2}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
	}

	ctrl := newTestController(nil, func(wireproto.MessageType, []byte) (wireproto.Response, error) {
		t.Fatal("already collocated, no request expected")
		return wireproto.Response{}, nil
	})

	locker := chunklock.New()
	job := NewFixUpJob("fixup2", "fam1", chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	assert.Empty(t, job.Created())
}

func TestFixUpJobRepairsPerDatabaseDivergence(t *testing.T) {
	cat := newFakeCatalog()
	// The same chunk number diverges between the family's two databases:
	// db1's copy lives only on worker-a, db2's only on worker-b. Each
	// database needs its own replicate to the worker it is missing from.
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-b", Database: "db2", Status: chunk.ReplicaComplete},
	}

	type issued struct {
		database string
		source   string
	}
	var mu sync.Mutex
	var sent []issued
	ctrl := newTestController([]string{"worker-a", "worker-b"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		require.Equal(t, wireproto.MsgReplicate, msgType)
		req, err := wireproto.UnmarshalReplicateRequest(body)
		require.NoError(t, err)
		mu.Lock()
		sent = append(sent, issued{database: req.Database, source: req.SourceWorker})
		mu.Unlock()
		return successResponse(req.RequestID), nil
	})

	locker := chunklock.New()
	job := NewFixUpJob("fixup3", "fam1", chunk.JobOptions{}, ctrl, locker, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	assert.Len(t, job.Created(), 2)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 2)
	databases := map[string]string{}
	for _, s := range sent {
		databases[s.database] = s.source
	}
	// db1's gap is filled from worker-a, db2's from worker-b.
	assert.Equal(t, "worker-a", databases["db1"])
	assert.Equal(t, "worker-b", databases["db2"])
}
