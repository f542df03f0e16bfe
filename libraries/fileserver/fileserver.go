// Package fileserver implements the worker's file streaming endpoint, a
// separate framed protocol from the typed request protocol in
// libraries/wireproto, used to pull the raw bytes of a chunk file from one
// worker to another (or to a client). One connection serves exactly one
// file to one client; a fixed send buffer is allocated once per
// connection, and the read path sizes its buffer from the incoming
// frame's length prefix.
package fileserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// DefaultSendBufferSize is the per-connection send buffer size, bounded
// by wireproto.DefaultMaxFrameSize.
const DefaultSendBufferSize = 1 << 20

// Store resolves a (database, file) pair to its local content. File
// names are opaque to this package; callers decide what a chunk file is
// called.
type Store interface {
	// Stat reports whether file exists under database and, if so, its
	// size and modification time.
	Stat(database, file string) (size int64, modTime time.Time, exists bool, err error)
	// Open returns a reader positioned at the start of file. The caller
	// closes it.
	Open(database, file string) (io.ReadCloser, error)
}

// DirStore is a Store rooted at one directory on the local filesystem, one
// subdirectory per database.
type DirStore struct {
	root string
}

// NewDirStore returns a DirStore rooted at root. root must already exist.
func NewDirStore(root string) *DirStore {
	return &DirStore{root: root}
}

func (s *DirStore) path(database, file string) (string, error) {
	if strings.ContainsAny(database, "/\\") || strings.ContainsAny(file, "\x00") {
		return "", qerrors.InvalidArgument.New("fileserver: invalid database or file name")
	}
	clean := filepath.Join(s.root, database, filepath.Clean("/"+file))
	if !strings.HasPrefix(clean, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", qerrors.InvalidArgument.New("fileserver: file escapes data directory")
	}
	return clean, nil
}

func (s *DirStore) Stat(database, file string) (int64, time.Time, bool, error) {
	p, err := s.path(database, file)
	if err != nil {
		return 0, time.Time{}, false, err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, err
	}
	return info.Size(), info.ModTime(), true, nil
}

func (s *DirStore) Open(database, file string) (io.ReadCloser, error) {
	p, err := s.path(database, file)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Config configures a Server.
type Config struct {
	ListenAddr     string
	InstanceID     string
	SendBufferSize int
}

// Server is the worker's file streaming endpoint. It satisfies
// svcs.Service so a worker process can run it alongside its request
// server and Job Controller loop.
type Server struct {
	cfg   Config
	store Store
	log   *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New returns a Server that will listen on cfg.ListenAddr once Init runs.
func New(cfg Config, store Store) *Server {
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultSendBufferSize
	}
	if cfg.SendBufferSize > wireproto.DefaultMaxFrameSize {
		cfg.SendBufferSize = wireproto.DefaultMaxFrameSize
	}
	return &Server{
		cfg:   cfg,
		store: store,
		log:   logrus.WithField("component", "fileserver"),
	}
}

// Init binds the listening socket. Satisfies svcs.Service.
func (s *Server) Init(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return qerrors.ConfigurationError.New(fmt.Sprintf("fileserver: listen %s: %v", s.cfg.ListenAddr, err))
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

// Stop closes the listener and waits for in-flight transfers to finish.
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

// handleConn serves exactly one FileRequest: one connection, one file,
// one client.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	body, err := wireproto.ReadFrame(conn, wireproto.DefaultMaxFrameSize)
	if err != nil {
		s.log.WithError(err).Debug("fileserver: read request frame")
		return
	}
	req, err := wireproto.UnmarshalFileRequest(body)
	if err != nil {
		s.log.WithError(err).Debug("fileserver: malformed request")
		return
	}

	if s.cfg.InstanceID != "" && req.InstanceID != "" && req.InstanceID != s.cfg.InstanceID {
		s.respond(conn, wireproto.FileResponse{ForeignInstance: true})
		return
	}

	size, modTime, exists, err := s.store.Stat(req.Database, req.File)
	if err != nil {
		s.log.WithError(err).WithField("file", req.File).Warn("fileserver: stat failed")
		s.respond(conn, wireproto.FileResponse{})
		return
	}
	if !exists {
		s.respond(conn, wireproto.FileResponse{})
		return
	}

	resp := wireproto.FileResponse{Available: true, Size: size, ModTimeUnixSecs: modTime.Unix()}
	if !s.respond(conn, resp) {
		return
	}
	if !req.SendContent {
		return
	}

	r, err := s.store.Open(req.Database, req.File)
	if err != nil {
		s.log.WithError(err).WithField("file", req.File).Warn("fileserver: open failed after stat succeeded")
		return
	}
	defer r.Close()

	buf := make([]byte, s.cfg.SendBufferSize)
	if _, err := io.CopyBuffer(conn, r, buf); err != nil {
		s.log.WithError(err).WithField("file", req.File).Warn("fileserver: streaming content")
	}
}

func (s *Server) respond(conn net.Conn, resp wireproto.FileResponse) bool {
	if err := wireproto.WriteFrame(conn, resp.Marshal()); err != nil {
		s.log.WithError(err).Debug("fileserver: write response frame")
		return false
	}
	return true
}

// Client fetches files from a Server over the same framed protocol.
type Client struct {
	dialTimeout time.Duration
}

// NewClient returns a Client with the given dial timeout (zero means no
// explicit timeout beyond ctx's deadline, if any).
func NewClient(dialTimeout time.Duration) *Client {
	return &Client{dialTimeout: dialTimeout}
}

// Fetch asks addr for (database, file), streaming its content into w when
// available and sendContent. It returns the server's FileResponse whether
// or not content was streamed.
func (c *Client) Fetch(ctx context.Context, addr, database, file, instanceID string, sendContent bool, w io.Writer) (wireproto.FileResponse, error) {
	var d net.Dialer
	if c.dialTimeout > 0 {
		d.Timeout = c.dialTimeout
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wireproto.FileResponse{}, qerrors.TransportError.New(fmt.Sprintf("fileserver: dial %s: %v", addr, err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := wireproto.FileRequest{Database: database, File: file, SendContent: sendContent, InstanceID: instanceID}
	if err := wireproto.WriteFrame(conn, req.Marshal()); err != nil {
		return wireproto.FileResponse{}, err
	}

	body, err := wireproto.ReadFrame(conn, wireproto.DefaultMaxFrameSize)
	if err != nil {
		return wireproto.FileResponse{}, err
	}
	resp, err := wireproto.UnmarshalFileResponse(body)
	if err != nil {
		return wireproto.FileResponse{}, err
	}

	if resp.Available && sendContent && resp.Size > 0 {
		if _, err := io.CopyN(w, conn, resp.Size); err != nil {
			return resp, qerrors.TransportError.New(fmt.Sprintf("fileserver: stream content: %v", err))
		}
	}
	return resp, nil
}
