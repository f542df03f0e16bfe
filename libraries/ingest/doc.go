// Package ingest implements the per-contribution ingest request engine:
// a VALIDATE → READ → LOAD → FINISH state machine with bounded READ-stage
// retry, cooperative cancellation, and a copy-on-write contribution
// descriptor that lets the status API always observe a consistent
// snapshot.
package ingest
