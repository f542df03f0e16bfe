// Package workersvc implements the per-worker request server:
// the typed request/response half of the worker protocol (as
// distinct from libraries/fileserver, which serves the separate raw file
// stream). One Server accepts the Controller's Replicate, Delete, Find,
// FindAll, Echo, Index, SQL-family, service-management, and Stop/Status/
// Dispose requests over the same length-prefixed wireproto framing the
// Controller speaks, and serializes conflicting chunk mutations through
// a ChunkLocker — a second instance of the same primitive libraries/jobs
// uses cluster-wide, here scoped to one worker process guarding its own
// local replicas.
package workersvc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/chunklock"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// defaultFinishedCacheSize bounds how many finished request outcomes
// Status/Dispose can still answer for, mirroring the Controller's own
// bounded per-worker sender cache (libraries/controller uses the same
// github.com/hashicorp/golang-lru/v2 for the symmetric reason).
const defaultFinishedCacheSize = 4096

// Config configures a Server.
type Config struct {
	ListenAddr string
	InstanceID string
}

// DatabaseRegistrar is optionally implemented by a Store to let a
// successful SQLCreateDatabase/SQLEnableDB request widen the set of
// databases the worker will now answer Replicate/Find/FindAll/Index
// requests for. FileStore implements this via AddDatabase.
type DatabaseRegistrar interface {
	AddDatabase(name string)
}

// Server is the worker's typed request endpoint. It satisfies svcs.Service
// so a worker process can run it alongside the file server and (if
// colocated) the Job Controller loop.
type Server struct {
	cfg   Config
	store Store
	sql   SQLExecutor
	index IndexSource
	log   *logrus.Entry

	locker *chunklock.ChunkLocker

	mu        sync.Mutex
	listener  net.Listener
	wg        sync.WaitGroup
	suspended bool
	active    map[string]context.CancelFunc
	finished  *lru.Cache[string, wireproto.Status]
}

// New returns a Server. sql and index may be nil if this worker does not
// serve SQL-family or Index requests (every other request type still
// works).
func New(cfg Config, store Store, sqlExec SQLExecutor, index IndexSource) *Server {
	finished, _ := lru.New[string, wireproto.Status](defaultFinishedCacheSize)
	return &Server{
		cfg:      cfg,
		store:    store,
		sql:      sqlExec,
		index:    index,
		log:      logrus.WithField("component", "workersvc"),
		locker:   chunklock.New(),
		active:   make(map[string]context.CancelFunc),
		finished: finished,
	}
}

// Init binds the listening socket. Satisfies svcs.Service.
func (s *Server) Init(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return qerrors.ConfigurationError.New(fmt.Sprintf("workersvc: listen %s: %v", s.cfg.ListenAddr, err))
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Addr returns the bound listen address; only meaningful after Init.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run accepts connections until Stop closes the listener. Satisfies
// svcs.Service.
func (s *Server) Run(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight requests to finish.
// Satisfies svcs.Service.
func (s *Server) Stop() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	err := l.Close()
	s.wg.Wait()
	return err
}

// handleConn serves every request the Controller's one logical connection
// sends, sequentially, until the peer disconnects.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		msgType, body, err := wireproto.ReadMessage(conn, wireproto.DefaultMaxFrameSize)
		if err != nil {
			return
		}
		resp := s.dispatch(ctx, msgType, body)
		if err := wireproto.WriteMessage(conn, wireproto.MsgResponse, resp.Marshal()); err != nil {
			return
		}
	}
}

func (s *Server) isSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// dispatch decodes body per msgType, executes it, and returns the response
// envelope to send back. It never panics on a malformed body; decode
// errors surface as StatusBad.
func (s *Server) dispatch(ctx context.Context, msgType wireproto.MessageType, body []byte) wireproto.Response {
	switch msgType {
	case wireproto.MsgReplicate:
		return s.handleReplicate(ctx, body)
	case wireproto.MsgDelete:
		return s.handleDelete(ctx, body)
	case wireproto.MsgFind:
		return s.handleFind(body)
	case wireproto.MsgFindAll:
		return s.handleFindAll(body)
	case wireproto.MsgEcho:
		return s.handleEcho(ctx, body)
	case wireproto.MsgIndex:
		return s.handleIndex(body)
	case wireproto.MsgSQL:
		return s.handleSQL(ctx, body)
	case wireproto.MsgServiceSuspend:
		return s.handleServiceSuspend(body)
	case wireproto.MsgServiceResume:
		return s.handleServiceResume(body)
	case wireproto.MsgServiceStatus:
		return s.handleServiceStatus(body)
	case wireproto.MsgStop:
		return s.handleStop(body)
	case wireproto.MsgStatus:
		return s.handleStatus(body)
	case wireproto.MsgDispose:
		return s.handleDispose(body)
	default:
		return errorResponse("", wireproto.StatusBad, fmt.Sprintf("workersvc: unknown message type %d", msgType))
	}
}

func errorResponse(requestID string, status wireproto.Status, msg string) wireproto.Response {
	return wireproto.Response{
		ResponseHeader: wireproto.ResponseHeader{RequestID: requestID, Status: status, ErrorMessage: msg},
	}
}

// trackActive registers a cancellable context for requestID so a later
// Stop RPC can interrupt it, and records its terminal status once done so
// a later Status/Dispose can still answer.
func (s *Server) trackActive(requestID string, parent context.Context) (context.Context, func(wireproto.Status)) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.active[requestID] = cancel
	s.mu.Unlock()

	return ctx, func(status wireproto.Status) {
		s.mu.Lock()
		delete(s.active, requestID)
		s.finished.Add(requestID, status)
		s.mu.Unlock()
		cancel()
	}
}

func (s *Server) handleReplicate(ctx context.Context, body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalReplicateRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	if s.isSuspended() {
		return errorResponse(req.RequestID, wireproto.StatusBad, "workersvc: service suspended")
	}
	if !s.store.DatabaseKnown(req.Database) {
		return errorResponse(req.RequestID, wireproto.StatusBad, fmt.Sprintf("workersvc: unknown database '%s'", req.Database))
	}

	c := chunk.Chunk{Family: req.Database, Number: uint32(req.Chunk)}
	ok, err := s.locker.Lock(c, req.RequestID)
	if err != nil {
		return errorResponse(req.RequestID, wireproto.StatusBad, err.Error())
	}
	if !ok {
		return errorResponse(req.RequestID, wireproto.StatusInProgress, fmt.Sprintf("workersvc: chunk %s is busy", c))
	}
	defer s.locker.Release(c)

	runCtx, finish := s.trackActive(req.RequestID, ctx)
	status := wireproto.StatusSuccess
	defer func() { finish(status) }()

	sourceAddr := req.SourceWorker
	if err := s.store.Replicate(runCtx, req.Database, req.Chunk, sourceAddr, s.cfg.InstanceID); err != nil {
		status = wireproto.StatusFailed
		return errorResponse(req.RequestID, wireproto.StatusFailed, err.Error())
	}
	return wireproto.Response{
		ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess},
		Chunk:          req.Chunk,
	}
}

func (s *Server) handleDelete(ctx context.Context, body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalDeleteRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	if s.isSuspended() {
		return errorResponse(req.RequestID, wireproto.StatusBad, "workersvc: service suspended")
	}
	if !s.store.DatabaseKnown(req.Database) {
		return errorResponse(req.RequestID, wireproto.StatusBad, fmt.Sprintf("workersvc: unknown database '%s'", req.Database))
	}

	c := chunk.Chunk{Family: req.Database, Number: uint32(req.Chunk)}
	ok, err := s.locker.Lock(c, req.RequestID)
	if err != nil {
		return errorResponse(req.RequestID, wireproto.StatusBad, err.Error())
	}
	if !ok {
		return errorResponse(req.RequestID, wireproto.StatusInProgress, fmt.Sprintf("workersvc: chunk %s is busy", c))
	}
	defer s.locker.Release(c)

	if err := s.store.Delete(req.Database, req.Chunk); err != nil {
		return errorResponse(req.RequestID, wireproto.StatusFailed, err.Error())
	}
	return wireproto.Response{
		ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess},
		Chunk:          req.Chunk,
	}
}

func (s *Server) handleFind(body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalFindRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	if s.isSuspended() {
		return errorResponse(req.RequestID, wireproto.StatusBad, "workersvc: service suspended")
	}
	if !s.store.DatabaseKnown(req.Database) {
		return errorResponse(req.RequestID, wireproto.StatusBad, fmt.Sprintf("workersvc: unknown database '%s'", req.Database))
	}

	exists, checkSum, err := s.store.HasChunk(req.Database, req.Chunk, req.ComputeCheckSum)
	if err != nil {
		return errorResponse(req.RequestID, wireproto.StatusFailed, err.Error())
	}
	if !exists {
		return errorResponse(req.RequestID, wireproto.StatusNotFound, fmt.Sprintf("workersvc: no replica of %s/%d", req.Database, req.Chunk))
	}
	return wireproto.Response{
		ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess},
		Chunk:          req.Chunk,
		CheckSum:       checkSum,
	}
}

func (s *Server) handleFindAll(body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalFindAllRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	if s.isSuspended() {
		return errorResponse(req.RequestID, wireproto.StatusBad, "workersvc: service suspended")
	}
	if !s.store.DatabaseKnown(req.Database) {
		return errorResponse(req.RequestID, wireproto.StatusBad, fmt.Sprintf("workersvc: unknown database '%s'", req.Database))
	}

	replicas, err := s.store.ListChunks(req.Database)
	if err != nil {
		return errorResponse(req.RequestID, wireproto.StatusFailed, err.Error())
	}
	return wireproto.Response{
		ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess},
		Replicas:       replicas,
	}
}

func (s *Server) handleEcho(ctx context.Context, body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalEchoRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}

	if req.DelayMillis > 0 {
		runCtx, finish := s.trackActive(req.RequestID, ctx)
		status := wireproto.StatusSuccess
		defer func() { finish(status) }()

		timer := time.NewTimer(time.Duration(req.DelayMillis) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-runCtx.Done():
			status = wireproto.StatusExpired
			return errorResponse(req.RequestID, wireproto.StatusExpired, "workersvc: echo cancelled")
		}
	}

	return wireproto.Response{
		ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess},
		Data:           req.Data,
	}
}

func (s *Server) handleIndex(body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalIndexRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	if s.isSuspended() {
		return errorResponse(req.RequestID, wireproto.StatusBad, "workersvc: service suspended")
	}
	if s.index == nil {
		return errorResponse(req.RequestID, wireproto.StatusBad, "workersvc: this worker does not serve index extracts")
	}
	if !s.store.DatabaseKnown(req.Database) {
		return errorResponse(req.RequestID, wireproto.StatusBad, fmt.Sprintf("workersvc: unknown database '%s'", req.Database))
	}

	rows, err := s.index.Extract(req.Database, req.DirectorTable, req.Chunk, req.TransactionID)
	if err != nil {
		if qerrors.NotFound.Is(err) {
			return errorResponse(req.RequestID, wireproto.StatusNotFound, err.Error())
		}
		return errorResponse(req.RequestID, wireproto.StatusFailed, err.Error())
	}

	resp := wireproto.Response{
		ResponseHeader:   wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess},
		IndexIDs:         make([]string, len(rows)),
		IndexChunkIDs:    make([]int32, len(rows)),
		IndexSubChunkIDs: make([]int32, len(rows)),
	}
	for i, r := range rows {
		resp.IndexIDs[i] = r.ID
		resp.IndexChunkIDs[i] = r.ChunkID
		resp.IndexSubChunkIDs[i] = r.SubChunkID
	}
	return resp
}

func (s *Server) handleSQL(ctx context.Context, body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalSQLRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	if s.isSuspended() {
		return errorResponse(req.RequestID, wireproto.StatusBad, "workersvc: service suspended")
	}
	if s.sql == nil {
		return errorResponse(req.RequestID, wireproto.StatusBad, "workersvc: this worker does not serve SQL requests")
	}
	// SQLCreateDatabase is the one kind that is expected to run against a
	// not-yet-known database.
	if req.Kind != wireproto.SQLCreateDatabase && !s.store.DatabaseKnown(req.Database) {
		return errorResponse(req.RequestID, wireproto.StatusBad, fmt.Sprintf("workersvc: unknown database '%s'", req.Database))
	}

	runCtx, finish := s.trackActive(req.RequestID, ctx)
	status := wireproto.StatusSuccess
	defer func() { finish(status) }()

	columns, rows, err := s.sql.Exec(runCtx, req)
	if err != nil {
		status = wireproto.StatusFailed
		return errorResponse(req.RequestID, wireproto.StatusFailed, err.Error())
	}
	if req.Kind == wireproto.SQLCreateDatabase || req.Kind == wireproto.SQLEnableDB {
		if reg, ok := s.store.(DatabaseRegistrar); ok {
			reg.AddDatabase(req.Database)
		}
	}
	return wireproto.Response{
		ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess},
		Columns:        columns,
		Rows:           rows,
	}
}

func (s *Server) handleServiceSuspend(body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalManagementRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()
	return wireproto.Response{ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess}, Data: "SUSPENDED"}
}

func (s *Server) handleServiceResume(body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalManagementRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
	return wireproto.Response{ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess}, Data: "ACTIVE"}
}

func (s *Server) handleServiceStatus(body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalManagementRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	state := "ACTIVE"
	if s.isSuspended() {
		state = "SUSPENDED"
	}
	return wireproto.Response{ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess}, Data: state}
}

// handleStop cancels a tracked in-flight request. Stopping a request this
// worker never saw (already finished and reaped, or never existed)
// succeeds with a NOT_FOUND status rather than an error, symmetric with
// controller.Controller.StopByID's own documented choice.
func (s *Server) handleStop(body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalManagementRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	s.mu.Lock()
	cancel, ok := s.active[req.TargetRequestID]
	s.mu.Unlock()
	if !ok {
		return errorResponse(req.RequestID, wireproto.StatusNotFound, fmt.Sprintf("workersvc: no active request '%s'", req.TargetRequestID))
	}
	cancel()
	return wireproto.Response{ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess}}
}

func (s *Server) handleStatus(body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalManagementRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	s.mu.Lock()
	_, active := s.active[req.TargetRequestID]
	finishedStatus, known := s.finished.Get(req.TargetRequestID)
	s.mu.Unlock()

	switch {
	case active:
		return wireproto.Response{ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusInProgress}}
	case known:
		return wireproto.Response{ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: finishedStatus}}
	default:
		return errorResponse(req.RequestID, wireproto.StatusNotFound, fmt.Sprintf("workersvc: no such request '%s'", req.TargetRequestID))
	}
}

func (s *Server) handleDispose(body []byte) wireproto.Response {
	req, err := wireproto.UnmarshalManagementRequest(body)
	if err != nil {
		return errorResponse("", wireproto.StatusBad, err.Error())
	}
	s.mu.Lock()
	_, active := s.active[req.TargetRequestID]
	_, known := s.finished.Get(req.TargetRequestID)
	s.finished.Remove(req.TargetRequestID)
	s.mu.Unlock()

	if !active && !known {
		return errorResponse(req.RequestID, wireproto.StatusNotFound, fmt.Sprintf("workersvc: no such request '%s'", req.TargetRequestID))
	}
	return wireproto.Response{ResponseHeader: wireproto.ResponseHeader{RequestID: req.RequestID, Status: wireproto.StatusSuccess}}
}
