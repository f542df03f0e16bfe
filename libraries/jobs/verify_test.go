package jobs

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

func TestVerifyJobReportsDisagreeingChecksums(t *testing.T) {
	cat := newFakeCatalog()
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
	}

	// Each of the two find requests gets a distinct checksum, simulating
	// a real disagreement between worker-a's and worker-b's copies.
	var calls int32
	ctrl := newTestController([]string{"worker-a", "worker-b"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		require.Equal(t, wireproto.MsgFind, msgType)
		req, err := wireproto.UnmarshalFindRequest(body)
		require.NoError(t, err)
		resp := successResponse(req.RequestID)
		if atomic.AddInt32(&calls, 1) == 1 {
			resp.CheckSum = "aaaa"
		} else {
			resp.CheckSum = "bbbb"
		}
		return resp, nil
	})

	job := NewVerifyJob("verify1", "fam1", 0, true, chunk.JobOptions{}, ctrl, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	diffs := job.Differences()
	require.Len(t, diffs, 1)
	assert.Equal(t, uint32(1), diffs[0].Chunk.Number)
}

func TestVerifyJobSampleCapRespectsMaxReplicas(t *testing.T) {
	cat := newFakeCatalog()
	cat.replicas = []chunk.Replica{
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 2}, Worker: "worker-a", Database: "db1", Status: chunk.ReplicaComplete},
		{Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker-b", Database: "db1", Status: chunk.ReplicaComplete},
	}

	var requestCount int32
	ctrl := newTestController([]string{"worker-a", "worker-b"}, func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		atomic.AddInt32(&requestCount, 1)
		req, err := wireproto.UnmarshalFindRequest(body)
		require.NoError(t, err)
		return successResponse(req.RequestID), nil
	})

	job := NewVerifyJob("verify2", "fam1", 1, false, chunk.JobOptions{}, ctrl, cat)
	done := make(chan chunk.JobState, 1)
	job.Start(context.Background(), func(s chunk.JobState) { done <- s })

	assert.Equal(t, chunk.JobFinishedOK, waitForState(t, done))
	assert.EqualValues(t, 1, atomic.LoadInt32(&requestCount))
}
