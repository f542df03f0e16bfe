package jobs

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/objectindex"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

func TestDirectorIndexJobLoadsTriplesFromOneHolderPerChunk(t *testing.T) {
	cat := newFakeCatalog()
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 2}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
	}

	ctrl := newTestController([]string{"worker-a", "worker-b"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		require.Equal(t, wireproto.MsgIndex, msgType)
		req, err := wireproto.UnmarshalIndexRequest(body)
		require.NoError(t, err)
		resp := successResponse(req.RequestID)
		resp.IndexIDs = []string{fmt.Sprintf("obj-%d-1", req.Chunk)}
		resp.IndexChunkIDs = []int32{req.Chunk}
		resp.IndexSubChunkIDs = []int32{0}
		return resp, nil
	})

	idx := objectindex.New()
	path := filepath.Join(t.TempDir(), "director.csv")
	require.NoError(t, idx.Create(path, chunk.DefaultCSVDialect()))
	defer idx.Close()

	job := NewDirectorIndexJob("dix1", "fam1", "db1", "Object", "", chunk.JobOptions{}, ctrl, cat, idx)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	assert.Equal(t, 2, job.Loaded())
	assert.Empty(t, job.Failures())
}

func TestDirectorIndexJobRecordsPerChunkFailure(t *testing.T) {
	cat := newFakeCatalog()
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
	}

	ctrl := newTestController([]string{"worker-a"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		req, err := wireproto.UnmarshalIndexRequest(body)
		require.NoError(t, err)
		resp := successResponse(req.RequestID)
		resp.Status = wireproto.StatusFailed
		return resp, nil
	})

	idx := objectindex.New()
	path := filepath.Join(t.TempDir(), "director.csv")
	require.NoError(t, idx.Create(path, chunk.DefaultCSVDialect()))
	defer idx.Close()

	job := NewDirectorIndexJob("dix2", "fam1", "db1", "Object", "", chunk.JobOptions{}, ctrl, cat, idx)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	assert.Len(t, job.Failures(), 1)
	assert.Equal(t, 0, job.Loaded())
}
