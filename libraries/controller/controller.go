// Package controller implements the outbound side of the worker request
// protocol: one process-wide object that stamps, sends,
// tracks, and times out requests against many workers, invoking each
// request's callback exactly once when it reaches a terminal state.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// defaultSenderCacheSize bounds how many per-worker senders the Controller
// keeps open at once; least-recently-used workers are evicted first.
const defaultSenderCacheSize = 256

// WorkerResolver answers whether name is a known worker and, if so, where
// its request endpoint listens. Kept as an interface (rather than a
// concrete dependency on libraries/catalog) so the Controller's factory
// methods can validate "worker known" without an import
// cycle back to the catalog package, which itself imports this package to
// implement WorkerResolver.
type WorkerResolver interface {
	ResolveWorker(name string) (WorkerAddr, bool)
}

// Controller is the single process-wide outbound request dispatcher.
// Safe for concurrent use.
type Controller struct {
	identity           Identity
	resolver           WorkerResolver
	requestExpiration  time.Duration

	mu       sync.Mutex
	requests map[string]*requestWrapper
	senders  *lru.Cache[string, Sender]

	newSender func(WorkerAddr) Sender
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithRequestExpiration bounds how long a request may remain unanswered
// before it is marked EXPIRED. Zero (the default) means no expiration.
func WithRequestExpiration(d time.Duration) Option {
	return func(c *Controller) { c.requestExpiration = d }
}

// WithSenderFactory overrides how per-worker Senders are constructed;
// tests use this to inject a fake transport.
func WithSenderFactory(f func(WorkerAddr) Sender) Option {
	return func(c *Controller) { c.newSender = f }
}

// New returns a Controller identified by identity, resolving worker
// addresses through resolver.
func New(identity Identity, resolver WorkerResolver, opts ...Option) *Controller {
	cache, _ := lru.New[string, Sender](defaultSenderCacheSize)
	c := &Controller{
		identity:  identity,
		resolver:  resolver,
		requests:  make(map[string]*requestWrapper),
		senders:   cache,
		newSender: NewTCPSender,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity returns the Controller's self-description.
func (c *Controller) Identity() Identity { return c.identity }

func (c *Controller) senderFor(worker string) (Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.senders.Get(worker); ok {
		return s, nil
	}
	addr, ok := c.resolver.ResolveWorker(worker)
	if !ok {
		return nil, qerrors.InvalidArgument.New(fmt.Sprintf("controller: unknown worker '%s'", worker))
	}
	s := c.newSender(addr)
	c.senders.Add(worker, s)
	return s, nil
}

// submit validates worker, registers a new request under id (generated by
// the caller so it can be embedded in the wire body buildBody returns),
// and sends it asynchronously. The returned Request is the CREATED
// snapshot; cb fires exactly once, outside any lock, once the request
// reaches a terminal state.
func (c *Controller) submit(ctx context.Context, worker string, msgType wireproto.MessageType, buildBody func(id string) []byte, cb Callback) (Request, error) {
	if worker == "" {
		return Request{}, qerrors.InvalidArgument.New("controller: worker name must not be empty")
	}
	sender, err := c.senderFor(worker)
	if err != nil {
		return Request{}, err
	}

	id := uuid.NewString()
	body := buildBody(id)
	now := time.Now()
	var expiresAt time.Time
	if c.requestExpiration > 0 {
		expiresAt = now.Add(c.requestExpiration)
	}

	req := Request{
		ID:        id,
		Worker:    worker,
		MsgType:   msgType,
		State:     chunk.RequestCreated,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	wrapper := &requestWrapper{req: req, cb: cb}

	c.mu.Lock()
	c.requests[id] = wrapper
	c.mu.Unlock()

	go c.run(ctx, wrapper, sender, msgType, body)

	return req, nil
}

func (c *Controller) run(ctx context.Context, wrapper *requestWrapper, sender Sender, msgType wireproto.MessageType, body []byte) {
	c.mu.Lock()
	if _, still := c.requests[wrapper.req.ID]; !still {
		c.mu.Unlock()
		return
	}
	wrapper.req.State = chunk.RequestInProgress
	c.mu.Unlock()

	sendCtx := ctx
	var cancel context.CancelFunc
	if !wrapper.req.ExpiresAt.IsZero() {
		sendCtx, cancel = context.WithDeadline(ctx, wrapper.req.ExpiresAt)
		defer cancel()
	}

	resp, err := sender.Send(sendCtx, msgType, body)

	c.finish(wrapper.req.ID, resp, err)
}

// finish transitions a request to its terminal state and fires its
// callback exactly once, outside the Controller's lock.
func (c *Controller) finish(id string, resp wireproto.Response, sendErr error) {
	c.mu.Lock()
	wrapper, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.requests, id)

	switch {
	case sendErr != nil:
		if !wrapper.req.ExpiresAt.IsZero() && time.Now().After(wrapper.req.ExpiresAt) {
			wrapper.req.State = chunk.RequestExpired
			wrapper.req.Status = wireproto.StatusExpired
		} else {
			wrapper.req.State = chunk.RequestFailed
			wrapper.req.Status = wireproto.StatusFailed
		}
		wrapper.req.Err = sendErr
	default:
		wrapper.req.Response = resp
		wrapper.req.Status = resp.Status
		if resp.Status == wireproto.StatusSuccess {
			wrapper.req.State = chunk.RequestSuccess
		} else {
			wrapper.req.State = chunk.RequestFailed
		}
	}

	cb := wrapper.cb
	wrapper.cb = nil // cleared before firing: fires at most once
	finished := wrapper.req
	c.mu.Unlock()

	if cb != nil {
		cb(finished)
	}
}

// lookup returns a copy of the live request state for id, or ok=false if
// it is unknown (already finished and reaped, or never existed).
func (c *Controller) lookup(id string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wrapper, ok := c.requests[id]
	if !ok {
		return Request{}, false
	}
	return wrapper.req, true
}

// Dispose drops id from the registry; if a send is still in flight for it,
// that send's eventual result is discarded and its callback never fires.
// Disposing a non-existent id succeeds with a not-found status.
func (c *Controller) Dispose(id string) Request {
	c.mu.Lock()
	wrapper, ok := c.requests[id]
	if ok {
		delete(c.requests, id)
	}
	c.mu.Unlock()

	if !ok {
		return Request{ID: id, State: chunk.RequestFailed, Status: wireproto.StatusNotFound}
	}
	return wrapper.req
}

// StatusByID returns the current snapshot of a tracked request, or a
// NOT_FOUND status if it's unknown.
func (c *Controller) StatusByID(id string) Request {
	if req, ok := c.lookup(id); ok {
		return req
	}
	return Request{ID: id, State: chunk.RequestFailed, Status: wireproto.StatusNotFound}
}

// StopByID stops tracking id locally and, if the request was still in
// flight, issues a best-effort Stop RPC telling its worker to abandon
// the work. Stopping a non-existent request succeeds with a not-found
// status.
func (c *Controller) StopByID(ctx context.Context, id string) Request {
	stopped := c.Dispose(id)
	if stopped.Status != wireproto.StatusNotFound && stopped.Worker != "" {
		// Fire-and-forget: the Stop request is issued without a callback,
		// so the worker's acknowledgement is not observed here.
		c.StopRequest(ctx, stopped.Worker, id, nil)
	}
	return stopped
}
