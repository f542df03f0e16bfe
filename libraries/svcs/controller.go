// Package svcs implements the service lifecycle controller this module
// uses to run a worker process's request server, file server, and the Job
// Controller loop as a set of cooperatively started/stopped services.
// Init is called in registration order, first error wins and short-
// circuits remaining Inits; Run is invoked for every service whose Init
// succeeded; Stop is called in reverse registration order and the first
// non-nil error is what Start/WaitForStop report.
package svcs

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyStarted is returned by Start if it is called more than once.
var ErrAlreadyStarted = errors.New("svcs: controller already started")

// ErrRegisterAfterStart is returned by Register if called after Start.
var ErrRegisterAfterStart = errors.New("svcs: cannot register a service after Start")

// errStoppedBeforeStart is Start's return value when Stop was called
// before Start ever ran; no services are initialized or run in this case.
var errStoppedBeforeStart = errors.New("svcs: Stop was called before Start")

// Service is one independently stoppable unit of the process.
type Service interface {
	// Init prepares the service. Called in registration order; if any
	// Init returns an error, no further Inits run and Run is never
	// called for this or later services.
	Init(ctx context.Context) error
	// Run executes the service until Stop is called. Called for every
	// service whose Init succeeded, regardless of whether a later
	// service's Init failed.
	Run(ctx context.Context)
	// Stop asks the service to shut down. Called for every service whose
	// Init succeeded, in reverse registration order.
	Stop() error
}

// AnonService adapts three closures to the Service interface for small
// or inline services.
type AnonService struct {
	InitF func(context.Context) error
	RunF  func(context.Context)
	StopF func() error
}

func (s *AnonService) Init(ctx context.Context) error { return s.InitF(ctx) }
func (s *AnonService) Run(ctx context.Context)        { s.RunF(ctx) }
func (s *AnonService) Stop() error                    { return s.StopF() }

// Controller owns a set of registered services and runs them through a
// single Init-then-Run-until-Stop lifecycle.
type Controller struct {
	mu       sync.Mutex
	services []Service
	started  bool

	stopOnce sync.Once
	stopCh   chan struct{}

	startOnce sync.Once
	startDone chan struct{}
	stopDone  chan struct{}

	startErr error
	stopErr  error
}

// NewController returns an empty, unstarted Controller.
func NewController() *Controller {
	return &Controller{
		stopCh:    make(chan struct{}),
		startDone: make(chan struct{}),
		stopDone:  make(chan struct{}),
	}
}

// Register adds svc to the set Start will initialize and run. Register
// must not be called after Start.
func (c *Controller) Register(svc Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrRegisterAfterStart
	}
	c.services = append(c.services, svc)
	return nil
}

// Start initializes every registered service in order, stopping at the
// first Init error, and runs each service whose Init succeeded
// concurrently until Stop is called (or, after an Init error, stops them
// right away). It blocks until
// every Run call has returned and every Stop call has been made, and
// returns the first error encountered (an Init error, or else the first
// Stop error).
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	services := append([]Service(nil), c.services...)
	c.mu.Unlock()

	select {
	case <-c.stopCh:
		close(c.startDone)
		close(c.stopDone)
		return errStoppedBeforeStart
	default:
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var initErr error
	var inited []Service
	for _, svc := range services {
		if err := svc.Init(runCtx); err != nil {
			initErr = err
			break
		}
		inited = append(inited, svc)
	}

	c.mu.Lock()
	c.startErr = initErr
	c.mu.Unlock()
	close(c.startDone)

	var wg sync.WaitGroup
	wg.Add(len(inited))
	for _, svc := range inited {
		svc := svc
		go func() {
			defer wg.Done()
			svc.Run(runCtx)
		}()
	}

	if initErr == nil {
		<-c.stopCh
	}

	stopErr := c.stopAllReverse(inited)
	cancel()
	wg.Wait()

	if initErr != nil {
		stopErr = initErr
	}

	c.mu.Lock()
	c.stopErr = stopErr
	c.mu.Unlock()
	close(c.stopDone)

	return stopErr
}

func (c *Controller) stopAllReverse(inited []Service) error {
	var first error
	for i := len(inited) - 1; i >= 0; i-- {
		if err := inited[i].Stop(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stop requests shutdown. Safe to call before Start, concurrently with
// Start, or multiple times; only the first call has effect.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// WaitForStart blocks until Start has finished initializing every service
// (or failed to, or was never called because Stop preempted it),
// returning the Init error if any.
func (c *Controller) WaitForStart() error {
	<-c.startDone
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startErr
}

// WaitForStop blocks until Start has returned, returning the same error
// Start returned (except when Stop preempted Start entirely, in which
// case this reports nil: Start itself reports errStoppedBeforeStart to its
// own caller only).
func (c *Controller) WaitForStop() error {
	<-c.stopDone
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopErr
}
