package etl

import (
	"fmt"
	"strings"
	"time"

	"github.com/BartekS5/convsync/pkg/models"
)

// Dialect captures what differs between the supported analytical engines.
type Dialect string

const (
	DuckDB    Dialect = "duckdb"
	SQLite    Dialect = "sqlite"
	SQLServer Dialect = "sqlserver"
)

// sqliteTimeLayout is fixed-width so text comparison is chronological.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

var indexedColumns = []string{"project_id", "session_id", "date", "type", "timestamp"}

func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case DuckDB, SQLite, SQLServer:
		return d, nil
	case "mssql":
		return SQLServer, nil
	default:
		return "", fmt.Errorf("unknown warehouse driver %q (want duckdb, sqlite or sqlserver)", s)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string { return string(d) }

// FileBacked reports whether the store lives in a local file.
func (d Dialect) FileBacked() bool { return d != SQLServer }

func (d Dialect) schema() string {
	if d == SQLite {
		return ""
	}
	return "raw"
}

const tableName = "conversations"

// Table is the qualified, quoted analytical table name.
func (d Dialect) Table() string {
	if s := d.schema(); s != "" {
		return d.quote(s) + "." + d.quote(tableName)
	}
	return d.quote(tableName)
}

// TableName is the unquoted qualified name, for display.
func (d Dialect) TableName() string {
	if s := d.schema(); s != "" {
		return s + "." + tableName
	}
	return tableName
}

func (d Dialect) quote(ident string) string {
	if d == SQLServer {
		return "[" + ident + "]"
	}
	return `"` + ident + `"`
}

func (d Dialect) placeholder(n int) string {
	if d == SQLServer {
		return fmt.Sprintf("@p%d", n)
	}
	return "?"
}

// RowsPerStatement keeps multi-row statements under each engine's bound
// parameter limit (2100 on SQL Server).
func (d Dialect) RowsPerStatement() int {
	if d == SQLServer {
		return 150
	}
	return 500
}

func (d Dialect) columnType(col string) string {
	switch d {
	case SQLite:
		if col == "_id" {
			return "TEXT PRIMARY KEY"
		}
		if col == "extracted_at" || col == "date" {
			return "TEXT NOT NULL"
		}
		return "TEXT"
	case SQLServer:
		switch col {
		case "_id":
			return "NVARCHAR(255) NOT NULL PRIMARY KEY"
		case "timestamp", "ingested_at":
			return "DATETIMEOFFSET(6)"
		case "extracted_at":
			return "DATETIMEOFFSET(6) NOT NULL"
		case "date":
			return "DATE NOT NULL"
		case "type", "session_id", "project_id", "message_role":
			return "NVARCHAR(255)"
		default:
			return "NVARCHAR(MAX)"
		}
	default:
		switch col {
		case "_id":
			return "VARCHAR PRIMARY KEY"
		case "timestamp", "ingested_at":
			return "TIMESTAMP WITH TIME ZONE"
		case "extracted_at":
			return "TIMESTAMP WITH TIME ZONE NOT NULL"
		case "date":
			return "DATE NOT NULL"
		default:
			return "VARCHAR"
		}
	}
}

// SchemaStatements creates the schema, table and indexes if absent. Each
// statement is idempotent.
func (d Dialect) SchemaStatements() []string {
	cols := make([]string, len(models.Columns))
	for i, c := range models.Columns {
		cols[i] = fmt.Sprintf("\t%s %s", d.quote(c), d.columnType(c))
	}
	body := strings.Join(cols, ",\n")

	var stmts []string
	switch d {
	case SQLServer:
		stmts = append(stmts,
			"IF NOT EXISTS (SELECT 1 FROM sys.schemas WHERE name = N'raw') EXEC('CREATE SCHEMA [raw]')",
			fmt.Sprintf("IF OBJECT_ID(N'raw.%s', N'U') IS NULL CREATE TABLE %s (\n%s\n)", tableName, d.Table(), body))
	case SQLite:
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", d.Table(), body))
	default:
		stmts = append(stmts,
			"CREATE SCHEMA IF NOT EXISTS raw",
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", d.Table(), body))
	}

	// DuckDB rejects ON CONFLICT DO UPDATE on indexed columns, so it gets
	// no secondary indexes.
	if d == DuckDB {
		return stmts
	}
	for _, col := range indexedColumns {
		name := "idx_conversations_" + col
		if d == SQLServer {
			stmts = append(stmts, fmt.Sprintf(
				"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'raw.%s')) CREATE INDEX %s ON %s (%s)",
				name, tableName, d.quote(name), d.Table(), d.quote(col)))
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", d.quote(name), d.Table(), d.quote(col)))
	}
	return stmts
}

// TableExistsQuery returns one row with a count > 0 when the table exists.
func (d Dialect) TableExistsQuery() string {
	switch d {
	case SQLite:
		return fmt.Sprintf("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = '%s'", tableName)
	case SQLServer:
		return fmt.Sprintf("SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = 'raw' AND TABLE_NAME = '%s'", tableName)
	default:
		return fmt.Sprintf("SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'raw' AND table_name = '%s'", tableName)
	}
}

// UpsertStatement builds a statement writing rows records. On key collision
// the stored row is replaced only when the incoming extracted_at is not older.
func (d Dialect) UpsertStatement(rows int) string {
	cols := make([]string, len(models.Columns))
	for i, c := range models.Columns {
		cols[i] = d.quote(c)
	}
	colList := strings.Join(cols, ", ")

	values := make([]string, rows)
	n := 1
	for r := 0; r < rows; r++ {
		ph := make([]string, len(cols))
		for i := range ph {
			ph[i] = d.placeholder(n)
			n++
		}
		values[r] = "(" + strings.Join(ph, ", ") + ")"
	}
	valueList := strings.Join(values, ",\n")

	id := d.quote("_id")
	extracted := d.quote("extracted_at")
	var sets []string

	if d == SQLServer {
		var inserts []string
		for _, c := range cols {
			inserts = append(inserts, "s."+c)
			if c != id {
				sets = append(sets, fmt.Sprintf("t.%s = s.%s", c, c))
			}
		}
		return fmt.Sprintf(`MERGE INTO %s WITH (HOLDLOCK) AS t
USING (VALUES
%s
) AS s (%s)
ON t.%s = s.%s
WHEN MATCHED AND s.%s >= t.%s THEN UPDATE SET %s
WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);`,
			d.Table(), valueList, colList, id, id, extracted, extracted,
			strings.Join(sets, ", "), colList, strings.Join(inserts, ", "))
	}

	for _, c := range cols {
		if c != id {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES
%s
ON CONFLICT (%s) DO UPDATE SET %s
WHERE excluded.%s >= %s`,
		d.Table(), colList, valueList, id, strings.Join(sets, ", "), extracted, extracted)
}

// Bind flattens records into statement arguments in column order.
func (d Dialect) Bind(records []models.Record) ([]interface{}, error) {
	args := make([]interface{}, 0, len(records)*len(models.Columns))
	for _, r := range records {
		date, err := time.Parse(models.DateLayout, r.PartitionDate)
		if err != nil {
			return nil, fmt.Errorf("record %s: bad partition date %q: %w", r.ID, r.PartitionDate, err)
		}
		args = append(args,
			r.ID,
			nullString(r.Type),
			nullString(r.SessionID),
			nullString(r.ProjectID),
			d.timeArg(r.Timestamp),
			d.timeArg(r.IngestedAt),
			d.timeArg(&r.ExtractedAt),
			nullString(r.MessageRole),
			nullString(r.MessageText),
			nullString(r.MessageRaw),
			nullString(r.SourceFile),
			d.dateArg(date),
		)
	}
	return args, nil
}

func (d Dialect) timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	if d == SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

func (d Dialect) dateArg(t time.Time) interface{} {
	if d == SQLite {
		return t.Format(models.DateLayout)
	}
	return t
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func (d Dialect) CountQuery() string  { return "SELECT COUNT(*) FROM " + d.Table() }
func (d Dialect) DeleteQuery() string { return "DELETE FROM " + d.Table() }

func (d Dialect) dateRangeQuery() string {
	date := d.quote("date")
	return fmt.Sprintf("SELECT COUNT(*), MIN(%s), MAX(%s), COUNT(DISTINCT %s) FROM %s", date, date, date, d.Table())
}

func (d Dialect) groupCountQuery(col string, limit int) string {
	c := d.quote(col)
	if limit <= 0 {
		return fmt.Sprintf("SELECT %s, COUNT(*) AS n FROM %s GROUP BY %s ORDER BY n DESC, %s", c, d.Table(), c, c)
	}
	if d == SQLServer {
		return fmt.Sprintf("SELECT TOP %d %s, COUNT(*) AS n FROM %s GROUP BY %s ORDER BY n DESC, %s", limit, c, d.Table(), c, c)
	}
	return fmt.Sprintf("SELECT %s, COUNT(*) AS n FROM %s GROUP BY %s ORDER BY n DESC, %s LIMIT %d", c, d.Table(), c, c, limit)
}
