package wireproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))
	_, err := ReadFrame(&buf, 10)
	assert.Error(t, err)
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := ReplicateRequest{
		RequestHeader: RequestHeader{RequestID: "req-1", ExpirationUnixNanos: 123},
		Database:      "db1",
		Chunk:         42,
		SourceWorker:  "worker-a",
	}.Marshal()
	require.NoError(t, WriteMessage(&buf, MsgReplicate, body))

	msgType, gotBody, err := ReadMessage(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, MsgReplicate, msgType)

	req, err := UnmarshalReplicateRequest(gotBody)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.RequestID)
	assert.EqualValues(t, 123, req.ExpirationUnixNanos)
	assert.Equal(t, "db1", req.Database)
	assert.EqualValues(t, 42, req.Chunk)
	assert.Equal(t, "worker-a", req.SourceWorker)
}

func TestFindRequestRoundTrip(t *testing.T) {
	body := FindRequest{
		RequestHeader:   RequestHeader{RequestID: "r2"},
		Database:        "db2",
		Chunk:           7,
		ComputeCheckSum: true,
	}.Marshal()

	req, err := UnmarshalFindRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "r2", req.RequestID)
	assert.True(t, req.ComputeCheckSum)
}

func TestSQLRequestRoundTrip(t *testing.T) {
	body := SQLRequest{
		RequestHeader: RequestHeader{RequestID: "r3"},
		Kind:          SQLAlterTable,
		Database:      "db3",
		Table:         "t1",
		Query:         "ALTER TABLE t1 ADD COLUMN x INT",
		Columns:       []string{"x"},
	}.Marshal()

	req, err := UnmarshalSQLRequest(body)
	require.NoError(t, err)
	assert.Equal(t, SQLAlterTable, req.Kind)
	assert.Equal(t, []string{"x"}, req.Columns)
}

func TestResponseRoundTripWithReplicas(t *testing.T) {
	resp := Response{
		ResponseHeader: ResponseHeader{RequestID: "r4", Status: StatusSuccess},
		Replicas: []ReplicaInfo{
			{Chunk: 1, Tables: []string{"a", "b"}, FileSizes: []int64{10, 20}, CheckSum: "abc"},
			{Chunk: 2, Tables: nil, FileSizes: nil, CheckSum: ""},
		},
	}
	body := resp.Marshal()

	got, err := UnmarshalResponse(body)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	require.Len(t, got.Replicas, 2)
	assert.Equal(t, int32(1), got.Replicas[0].Chunk)
	assert.Equal(t, []string{"a", "b"}, got.Replicas[0].Tables)
	assert.EqualValues(t, []int64{10, 20}, got.Replicas[0].FileSizes)
}

func TestResponseStatusNotFound(t *testing.T) {
	resp := Response{ResponseHeader: ResponseHeader{RequestID: "r5", Status: StatusNotFound, ErrorMessage: "no such request"}}
	got, err := UnmarshalResponse(resp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, got.Status)
	assert.Equal(t, "no such request", got.ErrorMessage)
	assert.Equal(t, "NOT_FOUND", got.Status.String())
}

func TestFileRequestResponseRoundTrip(t *testing.T) {
	fr := FileRequest{Database: "db", File: "chunk_1.MYD", SendContent: true, InstanceID: "inst-1"}
	got, err := UnmarshalFileRequest(fr.Marshal())
	require.NoError(t, err)
	assert.Equal(t, fr, got)

	resp := FileResponse{Available: true, Size: 4096, ModTimeUnixSecs: 1000, ForeignInstance: false}
	gotResp, err := UnmarshalFileResponse(resp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, resp, gotResp)
}

func TestDecodeTruncatedBodyFails(t *testing.T) {
	body := ReplicateRequest{RequestHeader: RequestHeader{RequestID: "x"}, Database: "db", Chunk: 1}.Marshal()
	_, err := UnmarshalReplicateRequest(body[:len(body)-2])
	assert.Error(t, err)
}
