package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_logs (
    id            TEXT PRIMARY KEY,
    seq           INTEGER NOT NULL DEFAULT 0,
    timestamp     DATETIME NOT NULL,
    username      TEXT,
    action        TEXT NOT NULL,
    resource_type TEXT,
    resource_id   TEXT,
    outcome       TEXT NOT NULL,
    details       TEXT,
    ip_address    TEXT,
    user_agent    TEXT,
    prev_hash     TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_username ON audit_logs(username);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_logs(action);
`

// SQLiteSink mirrors audit records into an audit_logs table so they can be
// queried with ordinary SQL tooling.
type SQLiteSink struct {
	db *sql.DB
}

var _ Sink = (*SQLiteSink)(nil)

// OpenSQLite opens (creating if needed) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteSink, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) Write(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, seq, timestamp, username, action, resource_type, resource_id,
		                        outcome, details, ip_address, user_agent, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, int64(rec.Seq), rec.Timestamp.UTC(), rec.Username, string(rec.Action),
		string(rec.ResourceType), rec.ResourceID, string(rec.Outcome), rec.Details,
		rec.IPAddress, rec.UserAgent, rec.PrevHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit log: %w", err)
	}
	return nil
}

// List returns matching records newest first.
func (s *SQLiteSink) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `
		SELECT id, seq, timestamp, username, action, resource_type, resource_id,
		       outcome, details, ip_address, user_agent, prev_hash
		FROM audit_logs
		WHERE 1=1`
	var args []any
	if f.Username != "" {
		query += " AND username = ?"
		args = append(args, f.Username)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, string(f.Action))
	}
	query += " ORDER BY timestamp DESC, seq DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit logs: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec             Record
			seq             int64
			action, outcome string
			username        sql.NullString
			resourceType    sql.NullString
			resourceID      sql.NullString
			details         sql.NullString
			ip              sql.NullString
			userAgent       sql.NullString
			prevHash        sql.NullString
		)
		if err := rows.Scan(&rec.ID, &seq, &rec.Timestamp, &username, &action, &resourceType,
			&resourceID, &outcome, &details, &ip, &userAgent, &prevHash); err != nil {
			return nil, fmt.Errorf("scanning audit log: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Username = username.String
		rec.Action = Action(action)
		rec.ResourceType = ResourceType(resourceType.String)
		rec.ResourceID = resourceID.String
		rec.Outcome = Outcome(outcome)
		rec.Details = details.String
		rec.IPAddress = ip.String
		rec.UserAgent = userAgent.String
		rec.PrevHash = prevHash.String
		records = append(records, rec)
	}
	return records, rows.Err()
}
