package ingest

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// Loader drives the LOAD stage: one "LOAD DATA [LOCAL] INFILE" statement
// per contribution, into the MySQL partition named by the contribution's
// super-transaction.
type Loader interface {
	// Load executes the statement against table's PARTITION
	// (p<transactionID>) and returns the number of MySQL warnings it
	// raised. LOAD-stage failures are terminal — callers must not retry
	// them.
	Load(ctx context.Context, table string, transactionID uint64, tmpFile, charset string, dialect chunk.CSVDialect) (warnings int, err error)
}

// MySQLLoader is a Loader backed by database/sql over
// github.com/go-sql-driver/mysql, using the driver's RegisterLocalFile
// allowlist so "LOAD DATA LOCAL INFILE" can name an arbitrary tmp path
// without the DSN-wide allowAllFiles escape hatch.
type MySQLLoader struct {
	db *sql.DB
}

// NewMySQLLoader opens a connection pool against dsn. The DSN's own
// "allowNativePasswords"/TLS options are the caller's responsibility;
// MySQLLoader only requires the driver's local-infile support to be wired
// in (imported for its side effect of registering the "mysql" driver).
func NewMySQLLoader(dsn string) (*MySQLLoader, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, qerrors.ConfigurationError.New(fmt.Sprintf("ingest: open mysql %s: %v", dsn, err))
	}
	return &MySQLLoader{db: db}, nil
}

// Close releases the underlying connection pool.
func (l *MySQLLoader) Close() error { return l.db.Close() }

func (l *MySQLLoader) Load(ctx context.Context, table string, transactionID uint64, tmpFile, charset string, dialect chunk.CSVDialect) (int, error) {
	mysql.RegisterLocalFile(tmpFile)
	defer mysql.DeregisterLocalFile(tmpFile)

	stmt := fmt.Sprintf("LOAD DATA LOCAL INFILE '%s' INTO TABLE %s PARTITION (p%d)", tmpFile, table, transactionID)
	if charset != "" {
		stmt += fmt.Sprintf(" CHARACTER SET %s", charset)
	}
	stmt += fmt.Sprintf(
		" FIELDS TERMINATED BY '%s' ENCLOSED BY '%s' ESCAPED BY '%s' LINES TERMINATED BY '%s'",
		dialect.FieldsTerminatedBy, dialect.FieldsEnclosedBy, dialect.FieldsEscapedBy, escapeNewline(dialect.LinesTerminatedBy),
	)
	if dialect.NullAs != "" {
		stmt += fmt.Sprintf(" NULL AS '%s'", dialect.NullAs)
	}

	if _, err := l.db.ExecContext(ctx, stmt); err != nil {
		return 0, qerrors.RemoteError.New(fmt.Sprintf("ingest: load data infile into %s: %v", table, err))
	}

	return l.countWarnings(ctx)
}

func (l *MySQLLoader) countWarnings(ctx context.Context) (int, error) {
	rows, err := l.db.QueryContext(ctx, "SHOW WARNINGS")
	if err != nil {
		return 0, qerrors.RemoteError.New(fmt.Sprintf("ingest: show warnings: %v", err))
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

func escapeNewline(s string) string {
	if s == "\n" {
		return `\n`
	}
	return s
}
