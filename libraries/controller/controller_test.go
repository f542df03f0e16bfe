package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

type fakeResolver struct {
	known map[string]WorkerAddr
}

func (r fakeResolver) ResolveWorker(name string) (WorkerAddr, bool) {
	addr, ok := r.known[name]
	return addr, ok
}

type fakeSender struct {
	mu       sync.Mutex
	handle   func(wireproto.MessageType, []byte) (wireproto.Response, error)
	closed   bool
}

func (s *fakeSender) Send(ctx context.Context, msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
	type result struct {
		resp wireproto.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.handle(msgType, body)
		done <- result{resp, err}
	}()
	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return wireproto.Response{}, ctx.Err()
	}
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func newTestController(handle func(wireproto.MessageType, []byte) (wireproto.Response, error), opts ...Option) *Controller {
	resolver := fakeResolver{known: map[string]WorkerAddr{"worker-a": {Host: "127.0.0.1", Port: 1}}}
	allOpts := append([]Option{WithSenderFactory(func(WorkerAddr) Sender {
		return &fakeSender{handle: handle}
	})}, opts...)
	return New(NewIdentity("id-1"), resolver, allOpts...)
}

func waitForCallback(t *testing.T, ch <-chan Request) Request {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return Request{}
	}
}

func TestReplicateSuccessInvokesCallbackExactlyOnce(t *testing.T) {
	c := newTestController(func(msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
		assert.Equal(t, wireproto.MsgReplicate, msgType)
		req, err := wireproto.UnmarshalReplicateRequest(body)
		require.NoError(t, err)
		return wireproto.Response{ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess}}, nil
	})

	ch := make(chan Request, 2)
	_, err := c.Replicate(context.Background(), "worker-a", "db1", 1, "worker-b", func(r Request) { ch <- r })
	require.NoError(t, err)

	got := waitForCallback(t, ch)
	assert.Equal(t, chunk.RequestSuccess, got.State)
	assert.Equal(t, wireproto.StatusSuccess, got.Status)

	select {
	case <-ch:
		t.Fatal("callback fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnknownWorkerRejected(t *testing.T) {
	c := newTestController(func(wireproto.MessageType, []byte) (wireproto.Response, error) {
		t.Fatal("sender should not be invoked")
		return wireproto.Response{}, nil
	})
	_, err := c.Replicate(context.Background(), "nope", "db1", 1, "worker-b", nil)
	assert.Error(t, err)
}

func TestTransportErrorMarksFailed(t *testing.T) {
	c := newTestController(func(wireproto.MessageType, []byte) (wireproto.Response, error) {
		return wireproto.Response{}, assertError{}
	})
	ch := make(chan Request, 1)
	_, err := c.DeleteReplica(context.Background(), "worker-a", "db1", 1, func(r Request) { ch <- r })
	require.NoError(t, err)

	got := waitForCallback(t, ch)
	assert.Equal(t, chunk.RequestFailed, got.State)
	assert.Equal(t, wireproto.StatusFailed, got.Status)
	assert.Error(t, got.Err)
}

type assertError struct{}

func (assertError) Error() string { return "simulated transport failure" }

func TestStopAndDisposeOfUnknownRequestIsNotFound(t *testing.T) {
	c := newTestController(nil)
	got := c.StopByID(context.Background(), "does-not-exist")
	assert.Equal(t, wireproto.StatusNotFound, got.Status)

	got = c.Dispose("also-missing")
	assert.Equal(t, wireproto.StatusNotFound, got.Status)
}

func TestRequestExpiration(t *testing.T) {
	block := make(chan struct{})
	c := newTestController(func(wireproto.MessageType, []byte) (wireproto.Response, error) {
		<-block
		return wireproto.Response{}, assertError{}
	}, WithRequestExpiration(20*time.Millisecond))

	ch := make(chan Request, 1)
	_, err := c.Echo(context.Background(), "worker-a", "hi", 0, func(r Request) { ch <- r })
	require.NoError(t, err)

	got := waitForCallback(t, ch)
	assert.Equal(t, chunk.RequestExpired, got.State)
	close(block)
}

func TestMissingDatabaseRejected(t *testing.T) {
	c := newTestController(nil)
	_, err := c.SQLQuery(context.Background(), "worker-a", "", "SELECT 1", nil)
	assert.Error(t, err)
}
