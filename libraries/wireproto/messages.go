package wireproto

import "fmt"

// MessageType dispatches a framed body to the struct it encodes;
// WriteMessage carries it as a 2-byte tag at the front of the frame's
// payload, ahead of the body.
type MessageType uint16

const (
	MsgReplicate MessageType = iota + 1
	MsgDelete
	MsgFind
	MsgFindAll
	MsgEcho
	MsgIndex
	MsgSQL
	MsgStop
	MsgStatus
	MsgDispose
	MsgServiceSuspend
	MsgServiceResume
	MsgServiceStatus
	MsgResponse
	MsgFileRequest
	MsgFileResponse
)

// Status is the worker-reported outcome of a request, carried in every
// response body: "responses carry a status enum ... and a
// type-specific payload."
type Status uint8

const (
	StatusSuccess Status = iota
	StatusBad
	StatusFailed
	StatusExpired
	StatusInProgress
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusBad:
		return "BAD"
	case StatusFailed:
		return "FAILED"
	case StatusExpired:
		return "EXPIRED"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusNotFound:
		return "NOT_FOUND"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// SQLRequestKind closes the tagged union of SQL-family requests the
// Controller can issue, one kind per operation rather than one opaque
// "SQL" request.
type SQLRequestKind uint8

const (
	SQLCreateDatabase SQLRequestKind = iota
	SQLDropDatabase
	SQLEnableDB
	SQLDisableDB
	SQLGrantAccess
	SQLCreateTable
	SQLDropTable
	SQLAlterTable
	SQLQuery
	SQLCreateIndexes
	SQLDropIndexes
	SQLGetIndexes
)

// RequestHeader precedes every outbound request body: the requestId the
// Controller stamped on the request and an optional expiration deadline
// in Unix nanoseconds (0 means no deadline).
type RequestHeader struct {
	RequestID      string
	ExpirationUnixNanos int64
}

func (h RequestHeader) encode(e *Encoder) {
	e.WriteString(h.RequestID)
	e.WriteInt64(h.ExpirationUnixNanos)
}

func decodeRequestHeader(d *Decoder) RequestHeader {
	return RequestHeader{
		RequestID:           d.ReadString(),
		ExpirationUnixNanos: d.ReadInt64(),
	}
}

// ResponseHeader precedes every response body.
type ResponseHeader struct {
	RequestID      string
	Status         Status
	ErrorMessage   string
}

func (h ResponseHeader) encode(e *Encoder) {
	e.WriteString(h.RequestID)
	e.buf.WriteByte(byte(h.Status))
	e.WriteString(h.ErrorMessage)
}

func decodeResponseHeader(d *Decoder) ResponseHeader {
	id := d.ReadString()
	status := Status(0)
	if d.err == nil {
		b, err := d.r.ReadByte()
		if err != nil {
			d.fail(err)
		} else {
			status = Status(b)
		}
	}
	return ResponseHeader{
		RequestID:    id,
		Status:       status,
		ErrorMessage: d.ReadString(),
	}
}

// ReplicateRequest asks a worker to pull a chunk's files from another
// worker (or the worker's own pending-replica stash) into local storage.
type ReplicateRequest struct {
	RequestHeader
	Database     string
	Chunk        int32
	SourceWorker string
}

func (r ReplicateRequest) Marshal() []byte {
	e := NewEncoder()
	r.RequestHeader.encode(e)
	e.WriteString(r.Database)
	e.WriteInt32(r.Chunk)
	e.WriteString(r.SourceWorker)
	return e.Bytes()
}

func UnmarshalReplicateRequest(body []byte) (ReplicateRequest, error) {
	d := NewDecoder(body)
	r := ReplicateRequest{RequestHeader: decodeRequestHeader(d)}
	r.Database = d.ReadString()
	r.Chunk = d.ReadInt32()
	r.SourceWorker = d.ReadString()
	return r, d.Err()
}

// DeleteRequest asks a worker to remove a chunk's local replica.
type DeleteRequest struct {
	RequestHeader
	Database string
	Chunk    int32
}

func (r DeleteRequest) Marshal() []byte {
	e := NewEncoder()
	r.RequestHeader.encode(e)
	e.WriteString(r.Database)
	e.WriteInt32(r.Chunk)
	return e.Bytes()
}

func UnmarshalDeleteRequest(body []byte) (DeleteRequest, error) {
	d := NewDecoder(body)
	r := DeleteRequest{RequestHeader: decodeRequestHeader(d)}
	r.Database = d.ReadString()
	r.Chunk = d.ReadInt32()
	return r, d.Err()
}

// FindRequest asks a worker whether it holds a given chunk, optionally
// computing a checksum over its files.
type FindRequest struct {
	RequestHeader
	Database        string
	Chunk           int32
	ComputeCheckSum bool
}

func (r FindRequest) Marshal() []byte {
	e := NewEncoder()
	r.RequestHeader.encode(e)
	e.WriteString(r.Database)
	e.WriteInt32(r.Chunk)
	e.WriteBool(r.ComputeCheckSum)
	return e.Bytes()
}

func UnmarshalFindRequest(body []byte) (FindRequest, error) {
	d := NewDecoder(body)
	r := FindRequest{RequestHeader: decodeRequestHeader(d)}
	r.Database = d.ReadString()
	r.Chunk = d.ReadInt32()
	r.ComputeCheckSum = d.ReadBool()
	return r, d.Err()
}

// FindAllRequest asks a worker to enumerate every chunk it holds for a
// database.
type FindAllRequest struct {
	RequestHeader
	Database        string
	SaveReplicaInfo bool
}

func (r FindAllRequest) Marshal() []byte {
	e := NewEncoder()
	r.RequestHeader.encode(e)
	e.WriteString(r.Database)
	e.WriteBool(r.SaveReplicaInfo)
	return e.Bytes()
}

func UnmarshalFindAllRequest(body []byte) (FindAllRequest, error) {
	d := NewDecoder(body)
	r := FindAllRequest{RequestHeader: decodeRequestHeader(d)}
	r.Database = d.ReadString()
	r.SaveReplicaInfo = d.ReadBool()
	return r, d.Err()
}

// EchoRequest round-trips Data after delaying DelayMillis, used for
// liveness checks and testing the request pipeline end to end.
type EchoRequest struct {
	RequestHeader
	Data        string
	DelayMillis int64
}

func (r EchoRequest) Marshal() []byte {
	e := NewEncoder()
	r.RequestHeader.encode(e)
	e.WriteString(r.Data)
	e.WriteInt64(r.DelayMillis)
	return e.Bytes()
}

func UnmarshalEchoRequest(body []byte) (EchoRequest, error) {
	d := NewDecoder(body)
	r := EchoRequest{RequestHeader: decodeRequestHeader(d)}
	r.Data = d.ReadString()
	r.DelayMillis = d.ReadInt64()
	return r, d.Err()
}

// IndexRequest asks a worker holding a chunk of the director table for an
// "index" extract: (id, chunkId, subChunkId) triples, optionally scoped
// to one super-transaction.
type IndexRequest struct {
	RequestHeader
	Database      string
	DirectorTable string
	Chunk         int32
	TransactionID string
}

func (r IndexRequest) Marshal() []byte {
	e := NewEncoder()
	r.RequestHeader.encode(e)
	e.WriteString(r.Database)
	e.WriteString(r.DirectorTable)
	e.WriteInt32(r.Chunk)
	e.WriteString(r.TransactionID)
	return e.Bytes()
}

func UnmarshalIndexRequest(body []byte) (IndexRequest, error) {
	d := NewDecoder(body)
	r := IndexRequest{RequestHeader: decodeRequestHeader(d)}
	r.Database = d.ReadString()
	r.DirectorTable = d.ReadString()
	r.Chunk = d.ReadInt32()
	r.TransactionID = d.ReadString()
	return r, d.Err()
}

// SQLRequest is the tagged union of SQL-family requests: Kind picks
// which of Database/Table/Query/Columns is meaningful.
type SQLRequest struct {
	RequestHeader
	Kind     SQLRequestKind
	Database string
	Table    string
	Query    string
	Columns  []string
}

func (r SQLRequest) Marshal() []byte {
	e := NewEncoder()
	r.RequestHeader.encode(e)
	e.buf.WriteByte(byte(r.Kind))
	e.WriteString(r.Database)
	e.WriteString(r.Table)
	e.WriteString(r.Query)
	e.WriteStrings(r.Columns)
	return e.Bytes()
}

func UnmarshalSQLRequest(body []byte) (SQLRequest, error) {
	d := NewDecoder(body)
	r := SQLRequest{RequestHeader: decodeRequestHeader(d)}
	if d.err == nil {
		b, err := d.r.ReadByte()
		if err != nil {
			d.fail(err)
		} else {
			r.Kind = SQLRequestKind(b)
		}
	}
	r.Database = d.ReadString()
	r.Table = d.ReadString()
	r.Query = d.ReadString()
	r.Columns = d.ReadStrings()
	return r, d.Err()
}

// ManagementRequest covers Stop/Status/Dispose of a previously submitted
// request, and the service-suspend/resume/status triad — all of which
// name only a target and carry no further payload.
type ManagementRequest struct {
	RequestHeader
	TargetRequestID string
}

func (r ManagementRequest) Marshal() []byte {
	e := NewEncoder()
	r.RequestHeader.encode(e)
	e.WriteString(r.TargetRequestID)
	return e.Bytes()
}

func UnmarshalManagementRequest(body []byte) (ManagementRequest, error) {
	d := NewDecoder(body)
	r := ManagementRequest{RequestHeader: decodeRequestHeader(d)}
	r.TargetRequestID = d.ReadString()
	return r, d.Err()
}

// ReplicaInfo is one row of a FindAllResponse.
type ReplicaInfo struct {
	Chunk      int32
	Tables     []string
	FileSizes  []int64
	CheckSum   string
}

// Response is the single generic response shape every request type
// replies with: a header plus a small set of optional typed payload
// fields, only some of which apply to any given request's Kind.
type Response struct {
	ResponseHeader

	// FindResponse / ReplicateResponse / DeleteResponse.
	Chunk    int32
	CheckSum string

	// FindAllResponse.
	Replicas []ReplicaInfo

	// EchoResponse.
	Data string

	// IndexResponse: one triple per row, as (id, chunkId, subChunkId).
	IndexIDs         []string
	IndexChunkIDs    []int32
	IndexSubChunkIDs []int32

	// SQLResponse: raw result rows, each a list of column values.
	Columns []string
	Rows    [][]string
}

func (r Response) Marshal() []byte {
	e := NewEncoder()
	r.ResponseHeader.encode(e)
	e.WriteInt32(r.Chunk)
	e.WriteString(r.CheckSum)

	e.WriteUint32(uint32(len(r.Replicas)))
	for _, rep := range r.Replicas {
		e.WriteInt32(rep.Chunk)
		e.WriteStrings(rep.Tables)
		e.WriteUint32(uint32(len(rep.FileSizes)))
		for _, sz := range rep.FileSizes {
			e.WriteInt64(sz)
		}
		e.WriteString(rep.CheckSum)
	}

	e.WriteString(r.Data)

	e.WriteStrings(r.IndexIDs)
	e.WriteUint32(uint32(len(r.IndexChunkIDs)))
	for _, c := range r.IndexChunkIDs {
		e.WriteInt32(c)
	}
	e.WriteUint32(uint32(len(r.IndexSubChunkIDs)))
	for _, c := range r.IndexSubChunkIDs {
		e.WriteInt32(c)
	}

	e.WriteStrings(r.Columns)
	e.WriteUint32(uint32(len(r.Rows)))
	for _, row := range r.Rows {
		e.WriteStrings(row)
	}

	return e.Bytes()
}

func UnmarshalResponse(body []byte) (Response, error) {
	d := NewDecoder(body)
	r := Response{ResponseHeader: decodeResponseHeader(d)}
	r.Chunk = d.ReadInt32()
	r.CheckSum = d.ReadString()

	nReplicas := d.ReadUint32()
	r.Replicas = make([]ReplicaInfo, 0, nReplicas)
	for i := uint32(0); i < nReplicas && d.Err() == nil; i++ {
		rep := ReplicaInfo{Chunk: d.ReadInt32(), Tables: d.ReadStrings()}
		nSizes := d.ReadUint32()
		rep.FileSizes = make([]int64, nSizes)
		for j := range rep.FileSizes {
			rep.FileSizes[j] = d.ReadInt64()
		}
		rep.CheckSum = d.ReadString()
		r.Replicas = append(r.Replicas, rep)
	}

	r.Data = d.ReadString()

	r.IndexIDs = d.ReadStrings()
	nChunk := d.ReadUint32()
	r.IndexChunkIDs = make([]int32, nChunk)
	for i := range r.IndexChunkIDs {
		r.IndexChunkIDs[i] = d.ReadInt32()
	}
	nSub := d.ReadUint32()
	r.IndexSubChunkIDs = make([]int32, nSub)
	for i := range r.IndexSubChunkIDs {
		r.IndexSubChunkIDs[i] = d.ReadInt32()
	}

	r.Columns = d.ReadStrings()
	nRows := d.ReadUint32()
	r.Rows = make([][]string, 0, nRows)
	for i := uint32(0); i < nRows && d.Err() == nil; i++ {
		r.Rows = append(r.Rows, d.ReadStrings())
	}

	return r, d.Err()
}

// FileRequest is the file server's own request, framed identically but
// served on a separate endpoint.
type FileRequest struct {
	Database    string
	File        string
	SendContent bool
	InstanceID  string
}

func (r FileRequest) Marshal() []byte {
	e := NewEncoder()
	e.WriteString(r.Database)
	e.WriteString(r.File)
	e.WriteBool(r.SendContent)
	e.WriteString(r.InstanceID)
	return e.Bytes()
}

func UnmarshalFileRequest(body []byte) (FileRequest, error) {
	d := NewDecoder(body)
	r := FileRequest{
		Database:    d.ReadString(),
		File:        d.ReadString(),
		SendContent: d.ReadBool(),
		InstanceID:  d.ReadString(),
	}
	return r, d.Err()
}

// FileResponse answers a FileRequest; raw file bytes (if any) follow as a
// separate unframed stream, not as part of this message.
type FileResponse struct {
	Available       bool
	Size            int64
	ModTimeUnixSecs int64
	ForeignInstance bool
}

func (r FileResponse) Marshal() []byte {
	e := NewEncoder()
	e.WriteBool(r.Available)
	e.WriteInt64(r.Size)
	e.WriteInt64(r.ModTimeUnixSecs)
	e.WriteBool(r.ForeignInstance)
	return e.Bytes()
}

func UnmarshalFileResponse(body []byte) (FileResponse, error) {
	d := NewDecoder(body)
	r := FileResponse{
		Available:       d.ReadBool(),
		Size:            d.ReadInt64(),
		ModTimeUnixSecs: d.ReadInt64(),
		ForeignInstance: d.ReadBool(),
	}
	return r, d.Err()
}
