package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// replicaChunkPrefix is the subtree one (family, worker, chunk) triple's
// per-database replica rows live under; RemoveReplica drops this whole
// subtree regardless of which databases were recorded, matching how
// replication/purge/rebalance jobs operate on (family, chunk, worker) as a
// single unit covering every database in the family.
func replicaChunkPrefix(family, worker string, number uint32) string {
	return fmt.Sprintf("/REPLICAS/%s/%s/%d", family, worker, number)
}

func replicaKey(family, worker string, number uint32, database string) string {
	return replicaChunkPrefix(family, worker, number) + "/" + database
}

// PutReplica records (or updates) one (chunk, worker, database) replica.
func (s *Store) PutReplica(r chunk.Replica) error {
	if r.Chunk.Family == "" || r.Worker == "" || r.Database == "" {
		return qerrors.InvalidArgument.New("catalog: replica must have family, worker, and database set")
	}
	return s.Set(replicaKey(r.Chunk.Family, r.Worker, r.Chunk.Number, r.Database), string(r.Status))
}

// RemoveReplica drops every database's replica row for (c, worker).
func (s *Store) RemoveReplica(c chunk.Chunk, worker string) error {
	return s.DeleteKey(replicaChunkPrefix(c.Family, worker, c.Number))
}

// Replicas returns every cataloged replica belonging to family.
func (s *Store) Replicas(family string) ([]chunk.Replica, error) {
	workers, err := s.GetChildren("/REPLICAS/" + family)
	if err != nil {
		return nil, err
	}

	var out []chunk.Replica
	for _, worker := range workers {
		chunkNums, err := s.GetChildren("/REPLICAS/" + family + "/" + worker)
		if err != nil {
			return nil, err
		}
		for _, numStr := range chunkNums {
			n, err := strconv.ParseUint(numStr, 10, 32)
			if err != nil {
				continue
			}
			databases, err := s.GetChildren(replicaChunkPrefix(family, worker, uint32(n)))
			if err != nil {
				return nil, err
			}
			for _, db := range databases {
				status, err := s.getRaw(replicaKey(family, worker, uint32(n), db))
				if err != nil {
					continue
				}
				out = append(out, chunk.Replica{
					Chunk:    chunk.Chunk{Family: family, Number: uint32(n)},
					Worker:   worker,
					Database: db,
					Status:   chunk.ReplicaStatus(status),
				})
			}
		}
	}
	return out, nil
}

// databaseInfoKey is where a cataloged database's full descriptor is
// stored as a JSON blob, one level under its /DBS/<name> subtree so it
// doesn't collide with libraries/ingest's own .ingest_meta.json key there.
func databaseInfoKey(name string) string { return "/DBS/" + name + "/.info.json" }

// PutDatabase catalogs (or updates) one database descriptor.
func (s *Store) PutDatabase(d chunk.Database) error {
	if d.Name == "" {
		return qerrors.InvalidArgument.New("catalog: database name must not be empty")
	}
	buf, err := json.Marshal(d)
	if err != nil {
		return qerrors.Bug.New(fmt.Sprintf("catalog: marshal database %s: %v", d.Name, err))
	}
	return s.Set(databaseInfoKey(d.Name), string(buf))
}

// GetDatabase reads back one cataloged database descriptor.
func (s *Store) GetDatabase(name string) (chunk.Database, error) {
	var d chunk.Database
	raw, err := s.getRaw(databaseInfoKey(name))
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, qerrors.Bug.New(fmt.Sprintf("catalog: unmarshal database %s: %v", name, err))
	}
	return d, nil
}

// Databases returns the names of every cataloged database belonging to
// family.
func (s *Store) Databases(family string) ([]string, error) {
	names, err := s.GetChildren("/DBS")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, ".") {
			continue
		}
		d, err := s.GetDatabase(n)
		if err != nil {
			continue
		}
		if d.Family == family {
			out = append(out, n)
		}
	}
	return out, nil
}

// Workers returns every cataloged worker node. The worker fleet is shared
// across every family (a worker can host chunks from any family it's
// assigned replicas for), so family is accepted only to satisfy
// jobs.ReplicaCatalog and is otherwise unused.
func (s *Store) Workers(family string) ([]chunk.WorkerNode, error) {
	return s.ListWorkers()
}

// SetWorkerState updates a cataloged worker's lifecycle state.
func (s *Store) SetWorkerState(name string, state chunk.WorkerState) error {
	w, err := s.GetWorker(name)
	if err != nil {
		return err
	}
	w.State = state
	return s.PutWorker(w)
}

// RemoveWorker drops a worker node from the catalog entirely.
func (s *Store) RemoveWorker(name string) error {
	return s.DeleteKey(nodesKey + "/" + name)
}
