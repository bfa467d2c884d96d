// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package toolbroker

import (
	"context"
	"fmt"
	"os"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/gbe-systems/sentinel/lib/sqlitepool"
)

// Entry is one recorded tool call, appended to the host's shared audit
// log keyed on task id.
type Entry struct {
	TaskID    string
	CallID    string
	Tool      string
	Accepted  bool
	Reason    string
	Timestamp int64
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS tool_calls (
	task_id   TEXT NOT NULL,
	call_id   TEXT NOT NULL,
	tool      TEXT NOT NULL,
	accepted  INTEGER NOT NULL,
	reason    TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_task_id ON tool_calls(task_id);
`

// AuditLog persists tool-call records for every VM running on this
// host to one shared SQLite database, so a compromised or crashed
// guest leaves an inspectable trail of what it attempted.
type AuditLog struct {
	pool *sqlitepool.Pool
	path string
}

// OpenAuditLog opens (creating if necessary) the audit database at path.
func OpenAuditLog(path string) (*AuditLog, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 1,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, auditSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("toolbroker: opening audit log %s: %w", path, err)
	}
	return &AuditLog{pool: pool, path: path}, nil
}

// Append records one tool-call outcome.
func (a *AuditLog) Append(entry Entry) error {
	conn, err := a.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer a.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO tool_calls (task_id, call_id, tool, accepted, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{entry.TaskID, entry.CallID, entry.Tool, boolToInt(entry.Accepted), entry.Reason, entry.Timestamp},
		})
}

// ForTask returns every recorded call for taskID, oldest first.
func (a *AuditLog) ForTask(taskID string) ([]Entry, error) {
	conn, err := a.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer a.pool.Put(conn)

	var entries []Entry
	err = sqlitex.Execute(conn, `
		SELECT task_id, call_id, tool, accepted, reason, timestamp
		FROM tool_calls WHERE task_id = ? ORDER BY timestamp ASC`,
		&sqlitex.ExecOptions{
			Args: []any{taskID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					TaskID:    stmt.ColumnText(0),
					CallID:    stmt.ColumnText(1),
					Tool:      stmt.ColumnText(2),
					Accepted:  stmt.ColumnInt(3) != 0,
					Reason:    stmt.ColumnText(4),
					Timestamp: stmt.ColumnInt64(5),
				})
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close closes the underlying connection pool.
func (a *AuditLog) Close() error {
	return a.pool.Close()
}

// Path returns the audit database's filesystem path, used by the
// rotation helper to name the compressed archive.
func (a *AuditLog) Path() string {
	return a.path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// statExists is a small helper used by rotation to skip compressing a
// database that was never written to.
func statExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
