package audit

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
)

// PostgresSink stores entries in the operator_audit table created by the db
// migrations.
type PostgresSink struct {
	DB *sql.DB
}

// Name implements Sink.
func (s *PostgresSink) Name() string { return "postgres" }

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, e Entry) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO operator_audit
		(seq, ts, operator, role, auth_mode, action, payload_summary, result, correlation_id, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.Seq, e.TS, e.Operator, e.Role, e.AuthMode, e.Action, e.PayloadSummary, e.Result, e.CorrelationID, e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("insert operator_audit: %w", err)
	}
	return nil
}

// Recent implements Reader.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT seq, ts, operator, role, auth_mode, action, payload_summary, result,
		correlation_id, prev_hash, hash FROM operator_audit ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query operator_audit: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.TS, &e.Operator, &e.Role, &e.AuthMode, &e.Action, &e.PayloadSummary,
			&e.Result, &e.CorrelationID, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan operator_audit: %w", err)
		}
		e.TS = e.TS.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operator_audit: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}
