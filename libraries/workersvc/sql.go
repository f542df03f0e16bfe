package workersvc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// SQLExecutor runs the SQL-family request surface against the
// worker's local MySQL instance.
type SQLExecutor interface {
	Exec(ctx context.Context, req wireproto.SQLRequest) (columns []string, rows [][]string, err error)
}

// MySQLExecutor is a SQLExecutor backed by database/sql over
// github.com/go-sql-driver/mysql, one *sql.DB per worker process.
type MySQLExecutor struct {
	db *sql.DB
}

// NewMySQLExecutor opens a connection pool against dsn (a go-sql-driver/mysql
// data source name).
func NewMySQLExecutor(dsn string) (*MySQLExecutor, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, qerrors.ConfigurationError.New(fmt.Sprintf("workersvc: open mysql %s: %v", dsn, err))
	}
	return &MySQLExecutor{db: db}, nil
}

// Close releases the underlying connection pool.
func (e *MySQLExecutor) Close() error { return e.db.Close() }

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// Exec dispatches req.Kind to the matching DDL/DML/query statement.
func (e *MySQLExecutor) Exec(ctx context.Context, req wireproto.SQLRequest) ([]string, [][]string, error) {
	switch req.Kind {
	case wireproto.SQLCreateDatabase:
		return nil, nil, e.execDDL(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", quoteIdent(req.Database)))
	case wireproto.SQLDropDatabase:
		return nil, nil, e.execDDL(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdent(req.Database)))
	case wireproto.SQLEnableDB:
		// The worker has no durable "enabled" bit of its own; enabling a
		// database is a catalog-level concern the master tracks. A no-op
		// here still validates the database is known.
		if !e.databaseExists(ctx, req.Database) {
			return nil, nil, qerrors.NotFound.New(fmt.Sprintf("workersvc: unknown database '%s'", req.Database))
		}
		return nil, nil, nil
	case wireproto.SQLDisableDB:
		if !e.databaseExists(ctx, req.Database) {
			return nil, nil, qerrors.NotFound.New(fmt.Sprintf("workersvc: unknown database '%s'", req.Database))
		}
		return nil, nil, nil
	case wireproto.SQLGrantAccess:
		return nil, nil, e.execDDL(ctx, fmt.Sprintf("GRANT ALL ON %s.* TO '%s'@'%%'", quoteIdent(req.Database), strings.ReplaceAll(req.Table, "'", "''")))
	case wireproto.SQLCreateTable:
		return nil, nil, e.execDDL(ctx, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s %s", quoteIdent(req.Database), quoteIdent(req.Table), req.Query))
	case wireproto.SQLDropTable:
		return nil, nil, e.execDDL(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", quoteIdent(req.Database), quoteIdent(req.Table)))
	case wireproto.SQLAlterTable:
		return nil, nil, e.execDDL(ctx, fmt.Sprintf("ALTER TABLE %s.%s %s", quoteIdent(req.Database), quoteIdent(req.Table), req.Query))
	case wireproto.SQLQuery:
		return e.execQuery(ctx, req.Query)
	case wireproto.SQLCreateIndexes:
		idxName := "idx_" + req.Table + "_" + strings.Join(req.Columns, "_")
		cols := make([]string, len(req.Columns))
		for i, c := range req.Columns {
			cols[i] = quoteIdent(c)
		}
		return nil, nil, e.execDDL(ctx, fmt.Sprintf("CREATE INDEX %s ON %s.%s (%s)", quoteIdent(idxName), quoteIdent(req.Database), quoteIdent(req.Table), strings.Join(cols, ", ")))
	case wireproto.SQLDropIndexes:
		idxName := "idx_" + req.Table + "_" + strings.Join(req.Columns, "_")
		return nil, nil, e.execDDL(ctx, fmt.Sprintf("DROP INDEX %s ON %s.%s", quoteIdent(idxName), quoteIdent(req.Database), quoteIdent(req.Table)))
	case wireproto.SQLGetIndexes:
		return e.execQuery(ctx, fmt.Sprintf("SHOW INDEX FROM %s.%s", quoteIdent(req.Database), quoteIdent(req.Table)))
	default:
		return nil, nil, qerrors.InvalidArgument.New(fmt.Sprintf("workersvc: unknown sql request kind %d", req.Kind))
	}
}

func (e *MySQLExecutor) databaseExists(ctx context.Context, database string) bool {
	var name string
	err := e.db.QueryRowContext(ctx, "SELECT SCHEMA_NAME FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = ?", database).Scan(&name)
	return err == nil
}

func (e *MySQLExecutor) execDDL(ctx context.Context, stmt string) error {
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return qerrors.RemoteError.New(fmt.Sprintf("workersvc: %s: %v", stmt, err))
	}
	return nil
}

func (e *MySQLExecutor) execQuery(ctx context.Context, query string) ([]string, [][]string, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, qerrors.RemoteError.New(fmt.Sprintf("workersvc: query: %v", err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, qerrors.RemoteError.New(fmt.Sprintf("workersvc: columns: %v", err))
	}

	var out [][]string
	raw := make([]sql.NullString, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, qerrors.RemoteError.New(fmt.Sprintf("workersvc: scan: %v", err))
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				row[i] = v.String
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, qerrors.RemoteError.New(fmt.Sprintf("workersvc: rows: %v", err))
	}
	return cols, out, nil
}
