package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub021/libraries/chunk"
)

func TestPutAndListReplicas(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.PutReplica(chunk.Replica{
		Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker1", Database: "db1", Status: chunk.ReplicaComplete,
	}))
	require.NoError(t, s.PutReplica(chunk.Replica{
		Chunk: chunk.Chunk{Family: "fam1", Number: 1}, Worker: "worker1", Database: "db2", Status: chunk.ReplicaComplete,
	}))
	require.NoError(t, s.PutReplica(chunk.Replica{
		Chunk: chunk.Chunk{Family: "fam1", Number: 2}, Worker: "worker2", Database: "db1", Status: chunk.ReplicaIncomplete,
	}))

	reps, err := s.Replicas("fam1")
	require.NoError(t, err)
	assert.Len(t, reps, 3)

	require.NoError(t, s.RemoveReplica(chunk.Chunk{Family: "fam1", Number: 1}, "worker1"))
	reps, err = s.Replicas("fam1")
	require.NoError(t, err)
	assert.Len(t, reps, 1)
	assert.Equal(t, "worker2", reps[0].Worker)
}

func TestPutAndGetDatabase(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.PutDatabase(chunk.Database{Name: "db1", Family: "fam1", Status: chunk.DatabaseReady}))
	require.NoError(t, s.PutDatabase(chunk.Database{Name: "db2", Family: "fam2", Status: chunk.DatabaseReady}))

	d, err := s.GetDatabase("db1")
	require.NoError(t, err)
	assert.Equal(t, "fam1", d.Family)

	names, err := s.Databases("fam1")
	require.NoError(t, err)
	assert.Equal(t, []string{"db1"}, names)
}

func TestWorkersReturnsAllRegardlessOfFamily(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.PutWorker(chunk.WorkerNode{Name: "worker1", Host: "h1", Port: 5012, State: chunk.WorkerActive}))
	require.NoError(t, s.PutWorker(chunk.WorkerNode{Name: "worker2", Host: "h2", Port: 5012, State: chunk.WorkerActive}))

	workers, err := s.Workers("any-family")
	require.NoError(t, err)
	assert.Len(t, workers, 2)
}

func TestSetWorkerStateAndRemoveWorker(t *testing.T) {
	s := openTest(t)

	require.NoError(t, s.PutWorker(chunk.WorkerNode{Name: "worker1", Host: "h1", Port: 5012, State: chunk.WorkerActive}))
	require.NoError(t, s.SetWorkerState("worker1", chunk.WorkerInactive))

	w, err := s.GetWorker("worker1")
	require.NoError(t, err)
	assert.Equal(t, chunk.WorkerInactive, w.State)

	require.NoError(t, s.RemoveWorker("worker1"))
	_, err = s.GetWorker("worker1")
	require.Error(t, err)
}
