// Package audit implements the append-only audit log. Every authority
// decision, user override, spoofing detection and event drop lands
// here; entries are never rewritten or deleted.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agora/internal/api"
	"agora/internal/id"
	"agora/pkg/logging"
)

// Log appends to and reads from the audit_log table. It shares the
// coordination store's database so an audit entry and the operation it
// describes survive or vanish together on crash.
type Log struct {
	db *sql.DB
}

// New creates an audit log over an existing database handle.
func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Record appends one entry. The entry's AuditID and At are assigned
// here; callers only describe what happened.
func (l *Log) Record(ctx context.Context, rec api.AuditRecord) error {
	auditID, err := id.New(id.PrefixAudit)
	if err != nil {
		return err
	}
	at := time.Now().UTC()

	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (audit_id, actor, operation, subject, outcome, reason, authority_level, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		auditID, rec.Actor, rec.Operation, rec.Subject, rec.Outcome,
		rec.Reason, rec.AuthorityLevel, at.UnixMilli()); err != nil {
		e := api.NewInternalError(err)
		logging.Error("Audit", err, "failed to append audit entry (correlation %s)", e.CorrelationID)
		return e
	}

	if rec.Outcome == api.AuditDenied {
		logging.Warn("Audit", "%s denied %s on %s: %s", rec.Actor, rec.Operation, rec.Subject, rec.Reason)
	}
	return nil
}

// filterColumns whitelists the audit filter keys.
var filterColumns = map[string]bool{
	"actor":     true,
	"operation": true,
	"subject":   true,
	"outcome":   true,
}

// Query returns matching entries, newest first. Authority gating
// (FRAMEWORK_ADMIN and above) is the caller's responsibility.
func (l *Log) Query(ctx context.Context, filter map[string]interface{}, limit int) ([]api.AuditRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT audit_id, actor, operation, subject, outcome, reason, authority_level, at FROM audit_log WHERE 1=1`
	args := []interface{}{}
	for column, value := range filter {
		if !filterColumns[column] {
			return nil, api.NewInvalidArgumentError("audit log cannot be filtered by %q", column)
		}
		query += fmt.Sprintf(` AND %s = ?`, column)
		args = append(args, value)
	}
	query += ` ORDER BY at DESC, audit_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, api.NewInternalError(err)
	}
	defer rows.Close()

	var records []api.AuditRecord
	for rows.Next() {
		var rec api.AuditRecord
		var reason sql.NullString
		var at int64
		if err := rows.Scan(&rec.AuditID, &rec.Actor, &rec.Operation, &rec.Subject,
			&rec.Outcome, &reason, &rec.AuthorityLevel, &at); err != nil {
			return nil, api.NewInternalError(err)
		}
		rec.Reason = reason.String
		rec.At = time.UnixMilli(at).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
