// Package chunk defines the value types shared by every component of the
// replication and ingest plane: chunks, replicas, databases, tables, worker
// nodes, super-transactions, ingest contributions, jobs, and requests.
package chunk

import "fmt"

// Chunk identifies a slice of a sharded table within a database family.
// Chunks of the same family are colocated on the same set of workers so
// that spatial joins within the family stay worker-local.
//
// Chunk is a plain value: equality and ordering are lexicographic over
// (Family, Number).
type Chunk struct {
	Family string
	Number uint32
}

// Less reports whether c sorts before other, lexicographically over
// (Family, Number).
func (c Chunk) Less(other Chunk) bool {
	if c.Family != other.Family {
		return c.Family < other.Family
	}
	return c.Number < other.Number
}

// String renders the chunk as "family:number" for logging.
func (c Chunk) String() string {
	return fmt.Sprintf("%s:%d", c.Family, c.Number)
}

// ReplicaStatus is the completeness state of one physical copy of a chunk.
type ReplicaStatus string

const (
	ReplicaComplete   ReplicaStatus = "COMPLETE"
	ReplicaIncomplete ReplicaStatus = "INCOMPLETE"
)

// Replica is one physical copy of a chunk's file set on one worker.
type Replica struct {
	Chunk    Chunk
	Worker   string
	Database string
	Status   ReplicaStatus
}

// DatabaseStatus is the lifecycle state of a cataloged database. The
// free-form string case (anything outside the three named constants) is
// preserved verbatim rather than rejected, so operator-assigned status
// strings survive a round-trip through the catalog.
type DatabaseStatus string

const (
	DatabaseReady         DatabaseStatus = "READY"
	DatabaseIgnore        DatabaseStatus = "IGNORE"
	DatabasePendingCreate DatabaseStatus = "PENDING_CREATE"
)

// StripingParams is a database family's spatial partitioning configuration.
type StripingParams struct {
	Stripes        int
	SubStripes     int
	Overlap        float64
	PartitioningID uint32
}

// Database is a cataloged database belonging to exactly one family.
type Database struct {
	Name               string
	Family             string
	Status             DatabaseStatus
	PendingTxnID       uint32 // valid only when Status == DatabasePendingCreate
	Striping           StripingParams
	Tables             map[string]Table
}

// PartTableParams describes a chunked (director or child) table's spatial
// partitioning columns.
type PartTableParams struct {
	DirDB      string
	DirTable   string
	DirColName string
	LonColName string
	LatColName string
	Overlap    float64
	SubChunks  bool
}

// MatchTableParams describes a match table joining two director tables.
type MatchTableParams struct {
	DirTable1   string
	DirTable2   string
	DirColName1 string
	DirColName2 string
	FlagColName string
}

// Table belongs to one database and is either chunked (spatially
// partitioned, carrying exactly one of Partitioning or Match) or a plain
// non-partitioned table.
type Table struct {
	Name        string
	Database    string
	Schema      string
	IsPartitioned bool
	Partitioning  *PartTableParams
	Match         *MatchTableParams
}

// WorkerState is the operational state of a worker node.
type WorkerState string

const (
	WorkerActive   WorkerState = "ACTIVE"
	WorkerInactive WorkerState = "INACTIVE"
)

// WorkerNode is one member of the worker fleet.
type WorkerNode struct {
	Name     string
	Type     string
	Host     string
	Port     int
	State    WorkerState
	DataDir  string
}

// IsActive reports whether the worker should be considered for placement.
func (w WorkerNode) IsActive() bool {
	return w.State == WorkerActive
}

// SuperTransactionState is the lifecycle state of a super-transaction.
type SuperTransactionState string

const (
	TxnStarted   SuperTransactionState = "STARTED"
	TxnFinished  SuperTransactionState = "FINISHED"
	TxnAborted   SuperTransactionState = "ABORTED"
)

// SuperTransaction is a long-lived transaction identifier used as a MySQL
// partition name isolating in-progress ingest contributions.
type SuperTransaction struct {
	ID       uint64
	Database string
	State    SuperTransactionState
}

// ContributionState is the terminal/non-terminal state of an ingest
// contribution. A contribution leaves InProgress exactly once.
type ContributionState string

const (
	ContribInProgress ContributionState = "IN_PROGRESS"
	ContribReadFailed  ContributionState = "READ_FAILED"
	ContribLoadFailed  ContributionState = "LOAD_FAILED"
	ContribCancelled   ContributionState = "CANCELLED"
	ContribFinished    ContributionState = "FINISHED"
)

// Terminal reports whether s is one of the four terminal states.
func (s ContributionState) Terminal() bool {
	switch s {
	case ContribReadFailed, ContribLoadFailed, ContribCancelled, ContribFinished:
		return true
	default:
		return false
	}
}

// IngestContribution is one input file or URL loaded into one (table,
// chunk) within one super-transaction.
type IngestContribution struct {
	ID             uint64
	TransactionID  uint64
	Table          string
	Chunk          Chunk
	IsOverlap      bool
	URL            string
	Charset        string
	Dialect        CSVDialect
	HTTPMethod     string
	HTTPData       string
	HTTPHeaders    []string
	MaxNumWarnings int
	MaxRetries     int

	State      ContributionState
	NumWarnings int
	NumRows     int64
	NumBytes    int64
	NumRetries  int
	Error       string
}

// CSVDialect configures how a CSV contribution source is parsed.
type CSVDialect struct {
	FieldsTerminatedBy string
	FieldsEnclosedBy   string
	FieldsEscapedBy    string
	LinesTerminatedBy  string
	NullAs             string
}

// DefaultCSVDialect is the dialect used when a contribution doesn't
// specify one: MySQL's LOAD DATA INFILE defaults.
func DefaultCSVDialect() CSVDialect {
	return CSVDialect{
		FieldsTerminatedBy: ",",
		FieldsEnclosedBy:   `"`,
		FieldsEscapedBy:    `\`,
		LinesTerminatedBy:  "\n",
		NullAs:             `\N`,
	}
}

// JobState is the lifecycle state of a placement or director-index job.
type JobState string

const (
	JobNew               JobState = "NEW"
	JobInProgress        JobState = "IN_PROGRESS"
	JobFinishedOK        JobState = "FINISHED_OK"
	JobFinishedFailed    JobState = "FINISHED_FAILED"
	JobFinishedCancelled JobState = "FINISHED_CANCELLED"
)

// Finished reports whether s is one of the three finished sub-states.
func (s JobState) Finished() bool {
	switch s {
	case JobFinishedOK, JobFinishedFailed, JobFinishedCancelled:
		return true
	default:
		return false
	}
}

// JobOptions are the scheduling attributes the Job Controller enforces.
type JobOptions struct {
	Priority     int
	Exclusive    bool
	Preemptable  bool
}

// RequestState is the lifecycle state of one outbound worker request.
type RequestState string

const (
	RequestCreated    RequestState = "CREATED"
	RequestInProgress RequestState = "IN_PROGRESS"
	RequestSuccess    RequestState = "SUCCESS"
	RequestFailed     RequestState = "FAILED"
	RequestExpired    RequestState = "EXPIRED"
)
