package controller

import (
	"context"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// Replicate asks worker to pull chunk's files from sourceWorker.
func (c *Controller) Replicate(ctx context.Context, worker, database string, chunkID int32, sourceWorker string, cb Callback) (Request, error) {
	if database == "" {
		return Request{}, qerrors.InvalidArgument.New("controller: database must not be empty")
	}
	if chunkID < 0 {
		return Request{}, qerrors.InvalidArgument.New("controller: invalid chunk id")
	}
	return c.submit(ctx, worker, wireproto.MsgReplicate, func(id string) []byte {
		return wireproto.ReplicateRequest{
			RequestHeader: wireproto.RequestHeader{RequestID: id},
			Database:      database,
			Chunk:         chunkID,
			SourceWorker:  sourceWorker,
		}.Marshal()
	}, cb)
}

// DeleteReplica asks worker to remove its local replica of a chunk.
func (c *Controller) DeleteReplica(ctx context.Context, worker, database string, chunkID int32, cb Callback) (Request, error) {
	if database == "" {
		return Request{}, qerrors.InvalidArgument.New("controller: database must not be empty")
	}
	return c.submit(ctx, worker, wireproto.MsgDelete, func(id string) []byte {
		return wireproto.DeleteRequest{
			RequestHeader: wireproto.RequestHeader{RequestID: id},
			Database:      database,
			Chunk:         chunkID,
		}.Marshal()
	}, cb)
}

// FindReplica asks worker whether it holds chunk.
func (c *Controller) FindReplica(ctx context.Context, worker, database string, chunkID int32, computeCheckSum bool, cb Callback) (Request, error) {
	if database == "" {
		return Request{}, qerrors.InvalidArgument.New("controller: database must not be empty")
	}
	return c.submit(ctx, worker, wireproto.MsgFind, func(id string) []byte {
		return wireproto.FindRequest{
			RequestHeader:   wireproto.RequestHeader{RequestID: id},
			Database:        database,
			Chunk:           chunkID,
			ComputeCheckSum: computeCheckSum,
		}.Marshal()
	}, cb)
}

// FindAllReplicas asks worker to enumerate every chunk it holds for database.
func (c *Controller) FindAllReplicas(ctx context.Context, worker, database string, saveReplicaInfo bool, cb Callback) (Request, error) {
	if database == "" {
		return Request{}, qerrors.InvalidArgument.New("controller: database must not be empty")
	}
	return c.submit(ctx, worker, wireproto.MsgFindAll, func(id string) []byte {
		return wireproto.FindAllRequest{
			RequestHeader:   wireproto.RequestHeader{RequestID: id},
			Database:        database,
			SaveReplicaInfo: saveReplicaInfo,
		}.Marshal()
	}, cb)
}

// Echo round-trips data off worker after an optional delay.
func (c *Controller) Echo(ctx context.Context, worker, data string, delayMillis int64, cb Callback) (Request, error) {
	return c.submit(ctx, worker, wireproto.MsgEcho, func(id string) []byte {
		return wireproto.EchoRequest{
			RequestHeader: wireproto.RequestHeader{RequestID: id},
			Data:          data,
			DelayMillis:   delayMillis,
		}.Marshal()
	}, cb)
}

// Index asks worker for a director-index extract of one chunk, optionally
// scoped to a super-transaction.
func (c *Controller) Index(ctx context.Context, worker, database, directorTable string, chunkID int32, transactionID string, cb Callback) (Request, error) {
	if database == "" || directorTable == "" {
		return Request{}, qerrors.InvalidArgument.New("controller: database and director table must not be empty")
	}
	return c.submit(ctx, worker, wireproto.MsgIndex, func(id string) []byte {
		return wireproto.IndexRequest{
			RequestHeader: wireproto.RequestHeader{RequestID: id},
			Database:      database,
			DirectorTable: directorTable,
			Chunk:         chunkID,
			TransactionID: transactionID,
		}.Marshal()
	}, cb)
}

func (c *Controller) sql(ctx context.Context, worker string, kind wireproto.SQLRequestKind, database, table, query string, columns []string, cb Callback) (Request, error) {
	if database == "" {
		return Request{}, qerrors.InvalidArgument.New("controller: database must not be empty")
	}
	return c.submit(ctx, worker, wireproto.MsgSQL, func(id string) []byte {
		return wireproto.SQLRequest{
			RequestHeader: wireproto.RequestHeader{RequestID: id},
			Kind:          kind,
			Database:      database,
			Table:         table,
			Query:         query,
			Columns:       columns,
		}.Marshal()
	}, cb)
}

func (c *Controller) SQLCreateDb(ctx context.Context, worker, database string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLCreateDatabase, database, "", "", nil, cb)
}

func (c *Controller) SQLDropDb(ctx context.Context, worker, database string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLDropDatabase, database, "", "", nil, cb)
}

func (c *Controller) SQLEnableDb(ctx context.Context, worker, database string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLEnableDB, database, "", "", nil, cb)
}

func (c *Controller) SQLDisableDb(ctx context.Context, worker, database string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLDisableDB, database, "", "", nil, cb)
}

func (c *Controller) SQLGrantAccess(ctx context.Context, worker, database, userTable string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLGrantAccess, database, userTable, "", nil, cb)
}

func (c *Controller) SQLCreateTable(ctx context.Context, worker, database, table, ddl string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLCreateTable, database, table, ddl, nil, cb)
}

func (c *Controller) SQLDropTable(ctx context.Context, worker, database, table string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLDropTable, database, table, "", nil, cb)
}

// SQLAlterTables runs ddl against table on worker.
func (c *Controller) SQLAlterTables(ctx context.Context, worker, database, table, ddl string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLAlterTable, database, table, ddl, nil, cb)
}

// SQLQuery runs an arbitrary read query on worker.
func (c *Controller) SQLQuery(ctx context.Context, worker, database, query string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLQuery, database, "", query, nil, cb)
}

func (c *Controller) SQLCreateIndexes(ctx context.Context, worker, database, table string, columns []string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLCreateIndexes, database, table, "", columns, cb)
}

func (c *Controller) SQLDropIndexes(ctx context.Context, worker, database, table string, columns []string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLDropIndexes, database, table, "", columns, cb)
}

func (c *Controller) SQLGetIndexes(ctx context.Context, worker, database, table string, cb Callback) (Request, error) {
	return c.sql(ctx, worker, wireproto.SQLGetIndexes, database, table, "", nil, cb)
}

func (c *Controller) management(ctx context.Context, worker string, msgType wireproto.MessageType, targetID string, cb Callback) (Request, error) {
	if targetID == "" {
		return Request{}, qerrors.InvalidArgument.New("controller: target request id must not be empty")
	}
	return c.submit(ctx, worker, msgType, func(id string) []byte {
		return wireproto.ManagementRequest{
			RequestHeader:   wireproto.RequestHeader{RequestID: id},
			TargetRequestID: targetID,
		}.Marshal()
	}, cb)
}

// StopRequest asks worker to stop the in-flight request named targetID.
// The worker answers NOT_FOUND for a request it no longer tracks; that is
// reported through cb as a response, not an error.
func (c *Controller) StopRequest(ctx context.Context, worker, targetID string, cb Callback) (Request, error) {
	return c.management(ctx, worker, wireproto.MsgStop, targetID, cb)
}

// StatusRequest asks worker for the current state of targetID.
func (c *Controller) StatusRequest(ctx context.Context, worker, targetID string, cb Callback) (Request, error) {
	return c.management(ctx, worker, wireproto.MsgStatus, targetID, cb)
}

// DisposeRequest asks worker to drop whatever it still remembers about
// targetID.
func (c *Controller) DisposeRequest(ctx context.Context, worker, targetID string, cb Callback) (Request, error) {
	return c.management(ctx, worker, wireproto.MsgDispose, targetID, cb)
}

func (c *Controller) service(ctx context.Context, worker string, msgType wireproto.MessageType, cb Callback) (Request, error) {
	return c.submit(ctx, worker, msgType, func(id string) []byte {
		return wireproto.ManagementRequest{RequestHeader: wireproto.RequestHeader{RequestID: id}}.Marshal()
	}, cb)
}

// ServiceSuspend asks worker to stop accepting new requests.
func (c *Controller) ServiceSuspend(ctx context.Context, worker string, cb Callback) (Request, error) {
	return c.service(ctx, worker, wireproto.MsgServiceSuspend, cb)
}

// ServiceResume asks worker to resume accepting requests.
func (c *Controller) ServiceResume(ctx context.Context, worker string, cb Callback) (Request, error) {
	return c.service(ctx, worker, wireproto.MsgServiceResume, cb)
}

// ServiceStatus asks worker to report its current service state.
func (c *Controller) ServiceStatus(ctx context.Context, worker string, cb Callback) (Request, error) {
	return c.service(ctx, worker, wireproto.MsgServiceStatus, cb)
}
