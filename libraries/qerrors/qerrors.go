// Package qerrors defines the closed set of error kinds the replication and
// ingest planes raise, as distinguished sentinel kinds rather than ad-hoc
// string matching.
package qerrors

import (
	goerrors "gopkg.in/src-d/go-errors.v1"
)

var (
	// InvalidArgument marks a violated precondition at an API entry point
	// (empty name, unknown worker, empty id). Never retried.
	InvalidArgument = goerrors.NewKind("invalid argument: %s")

	// NotFound marks a missing named entity (database, table, worker,
	// request id, job id).
	NotFound = goerrors.NewKind("not found: %s")

	// VersionMismatch marks a catalog schema version disagreement. Fatal
	// to the process that detects it.
	VersionMismatch = goerrors.NewKind("version mismatch: %s")

	// ConfigurationError marks unparseable configuration, a missing
	// required key, or a malformed URL. Fatal to the process.
	ConfigurationError = goerrors.NewKind("configuration error: %s")

	// TransportError marks a socket-level failure talking to a worker.
	TransportError = goerrors.NewKind("transport error: %s")

	// RemoteError marks a worker-reported failure carried in a response.
	RemoteError = goerrors.NewKind("remote error: %s")

	// Expired marks a request that exceeded its deadline.
	Expired = goerrors.NewKind("expired: %s")

	// ReadOnly marks a mutation attempted against a read-only catalog
	// backend.
	ReadOnly = goerrors.NewKind("read-only: %s")

	// IngestInterrupted is raised internally by the ingest engine to
	// unwind READ/LOAD on cancellation; callers convert it to the
	// CANCELLED terminal state rather than propagating it further.
	IngestInterrupted = goerrors.NewKind("ingest interrupted: %s")

	// Bug marks an invariant violation. Surfaced rather than silently
	// swallowed; callers at the top of a goroutine should log and abort
	// the enclosing job/request, not the process.
	Bug = goerrors.NewKind("logic error: %s")
)
