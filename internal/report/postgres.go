package report

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/attendance/internal/domain"
	"github.com/victornm/attendance/internal/errors"
)

//go:embed schema.sql
var schema string

// PostgresStore persists reports in postgres.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the report tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	return nil
}

func (s *PostgresStore) SaveReport(ctx context.Context, r domain.Report) (err error) {
	id, err := uuid.Parse(r.SessionID)
	if err != nil {
		return fmt.Errorf("parse session ID: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const insSessionStmt = `
INSERT INTO attendance_sessions (session_id, owner_id, course, class, type, time_window, capacity, marked_count, rate, reason, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (session_id) DO NOTHING;`

	tag, err := tx.Exec(ctx, insSessionStmt,
		id, r.OwnerID,
		r.Metadata.Course, r.Metadata.Class, r.Metadata.Type, r.Metadata.Window,
		r.Capacity, r.MarkedCount, r.Rate, string(r.Reason), r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	// Already saved, e.g. by another instance.
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	rows := make([][]any, 0, len(r.Marks))
	for _, m := range r.Marks {
		rows = append(rows, []any{id, m.ParticipantKey, m.MarkedAt})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"attendance_marks"},
		[]string{"session_id", "participant_key", "marked_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy marks: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetReport(ctx context.Context, sessionID string) (*domain.Report, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, errReportNotFound(sessionID)
	}

	const selSessionStmt = `
SELECT owner_id, course, class, type, time_window, capacity, marked_count, rate, reason, ended_at
FROM attendance_sessions
WHERE session_id = $1;`

	r := domain.Report{SessionID: sessionID}
	var reason string
	err = s.db.QueryRow(ctx, selSessionStmt, id).Scan(
		&r.OwnerID,
		&r.Metadata.Course, &r.Metadata.Class, &r.Metadata.Type, &r.Metadata.Window,
		&r.Capacity, &r.MarkedCount, &r.Rate, &reason, &r.EndedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errReportNotFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	r.Reason = domain.EndReason(reason)

	const selMarksStmt = `
SELECT participant_key, marked_at
FROM attendance_marks
WHERE session_id = $1
ORDER BY participant_key;`

	rows, err := s.db.Query(ctx, selMarksStmt, id)
	if err != nil {
		return nil, fmt.Errorf("select marks: %w", err)
	}

	r.Marks, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Mark, error) {
		var m domain.Mark
		err := row.Scan(&m.ParticipantKey, &m.MarkedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect marks: %w", err)
	}

	return &r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, ownerID string, limit int) ([]domain.ReportHeader, error) {
	const stmt = `
SELECT session_id, course, class, type, time_window, capacity, marked_count, reason, ended_at
FROM attendance_sessions
WHERE owner_id = $1
ORDER BY ended_at DESC
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, ownerID, limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ReportHeader, error) {
		h := domain.ReportHeader{OwnerID: ownerID}
		var (
			id     uuid.UUID
			reason string
		)
		if err := row.Scan(
			&id,
			&h.Metadata.Course, &h.Metadata.Class, &h.Metadata.Type, &h.Metadata.Window,
			&h.Capacity, &h.MarkedCount, &reason, &h.EndedAt,
		); err != nil {
			return domain.ReportHeader{}, err
		}
		h.SessionID = id.String()
		h.Reason = domain.EndReason(reason)
		return h, nil
	})
}

func errReportNotFound(sessionID string) error {
	return errors.New(errors.CodeNotFound, errors.WithMessagef("report not found: session=%s", sessionID))
}
