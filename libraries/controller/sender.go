package controller

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// Sender is the outbound transport for one worker, one logical
// connection per worker. Send must serialize concurrent callers onto
// that one logical connection.
type Sender interface {
	Send(ctx context.Context, msgType wireproto.MessageType, body []byte) (wireproto.Response, error)
	Close() error
}

// WorkerAddr is where a worker's request-protocol endpoint listens.
type WorkerAddr struct {
	Host string
	Port int
}

// tcpSender is the real Sender: a single TCP connection to one worker,
// redialed with exponential backoff on failure, with all sends serialized
// through a mutex so the "one logical connection" contract holds even
// under concurrent Controller callers.
type tcpSender struct {
	addr WorkerAddr

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPSender returns a Sender that dials addr lazily, on first use.
func NewTCPSender(addr WorkerAddr) Sender {
	return &tcpSender{addr: addr}
}

func (s *tcpSender) dialLocked(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", s.addr.Host, s.addr.Port))
		if err != nil {
			return err
		}
		s.conn = conn
		return nil
	}, b)
}

func (s *tcpSender) Send(ctx context.Context, msgType wireproto.MessageType, body []byte) (wireproto.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dialLocked(ctx); err != nil {
		return wireproto.Response{}, qerrors.TransportError.New(fmt.Sprintf("controller: dial %s:%d: %v", s.addr.Host, s.addr.Port, err))
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(deadline)
	} else {
		_ = s.conn.SetDeadline(time.Time{})
	}

	if err := wireproto.WriteMessage(s.conn, msgType, body); err != nil {
		s.closeLocked()
		return wireproto.Response{}, err
	}

	_, respBody, err := wireproto.ReadMessage(s.conn, wireproto.DefaultMaxFrameSize)
	if err != nil {
		s.closeLocked()
		return wireproto.Response{}, err
	}

	resp, err := wireproto.UnmarshalResponse(respBody)
	if err != nil {
		s.closeLocked()
		return wireproto.Response{}, err
	}
	return resp, nil
}

func (s *tcpSender) closeLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *tcpSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}
