package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/controller"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// fakeCatalog is an in-memory ReplicaCatalog used across placement job
// tests; it never touches libraries/catalog.
type fakeCatalog struct {
	mu        sync.Mutex
	workers   map[string][]chunk.WorkerNode
	databases map[string][]string
	replicas  []chunk.Replica
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		workers:   make(map[string][]chunk.WorkerNode),
		databases: make(map[string][]string),
	}
}

func (c *fakeCatalog) Workers(family string) ([]chunk.WorkerNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chunk.WorkerNode(nil), c.workers[family]...), nil
}

func (c *fakeCatalog) Databases(family string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.databases[family]...), nil
}

func (c *fakeCatalog) Replicas(family string) ([]chunk.Replica, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chunk.Replica
	for _, r := range c.replicas {
		if r.Chunk.Family == family {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *fakeCatalog) PutReplica(r chunk.Replica) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.replicas {
		if existing.Chunk == r.Chunk && existing.Worker == r.Worker && existing.Database == r.Database {
			c.replicas[i] = r
			return nil
		}
	}
	c.replicas = append(c.replicas, r)
	return nil
}

func (c *fakeCatalog) SetWorkerState(name string, state chunk.WorkerState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for family, workers := range c.workers {
		for i, w := range workers {
			if w.Name == name {
				workers[i].State = state
				c.workers[family] = workers
			}
		}
	}
	return nil
}

func (c *fakeCatalog) RemoveWorker(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for family, workers := range c.workers {
		out := workers[:0]
		for _, w := range workers {
			if w.Name != name {
				out = append(out, w)
			}
		}
		c.workers[family] = out
	}
	return nil
}

func (c *fakeCatalog) RemoveReplica(ch chunk.Chunk, worker string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.replicas[:0]
	for _, r := range c.replicas {
		if r.Chunk == ch && r.Worker == worker {
			continue
		}
		out = append(out, r)
	}
	c.replicas = out
	return nil
}

// fakeResolver/fakeSender mirror libraries/controller's own test doubles so
// jobs can be driven against a real *controller.Controller without any
// network I/O.
type fakeResolver struct {
	known map[string]controller.WorkerAddr
}

func (r fakeResolver) ResolveWorker(name string) (controller.WorkerAddr, bool) {
	addr, ok := r.known[name]
	return addr, ok
}

type fakeSender struct {
	handle func(wireproto.MessageType, []byte) (wireproto.Response, error)
}

func (s *fakeSender) Send(ctx context.Context, msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
	return s.handle(msgType, body)
}

func (s *fakeSender) Close() error { return nil }

func newTestController(workerNames []string, handle func(wireproto.MessageType, []byte) (wireproto.Response, error)) *controller.Controller {
	known := make(map[string]controller.WorkerAddr, len(workerNames))
	for i, name := range workerNames {
		known[name] = controller.WorkerAddr{Host: "127.0.0.1", Port: i + 1}
	}
	return controller.New(controller.NewIdentity("jobs-test"), fakeResolver{known: known},
		controller.WithSenderFactory(func(controller.WorkerAddr) controller.Sender {
			return &fakeSender{handle: handle}
		}))
}

func waitForState(t *testing.T, done <-chan chunk.JobState) chunk.JobState {
	t.Helper()
	select {
	case s := <-done:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("job never finished")
		return chunk.JobState("")
	}
}

func successResponse(requestID string) wireproto.Response {
	return wireproto.Response{ResponseHeader: wireproto.ResponseHeader{RequestID: requestID, Status: wireproto.StatusSuccess}}
}
