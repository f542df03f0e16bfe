package controller

import (
	"time"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// Callback is invoked exactly once, outside any Controller lock, when a
// request reaches a terminal state (SUCCESS, FAILED, or EXPIRED).
type Callback func(Request)

// Request is a read-only snapshot of one outbound worker request, handed
// back to the caller at submission time and passed to Callback at
// completion.
type Request struct {
	ID         string
	Worker     string
	MsgType    wireproto.MessageType
	State      chunk.RequestState
	Status     wireproto.Status
	Response   wireproto.Response
	Err        error
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means no expiration
}

// requestWrapper is the Controller's private bookkeeping for one request;
// Request is the public, immutable view handed to callers.
type requestWrapper struct {
	req Request
	cb  Callback
}
