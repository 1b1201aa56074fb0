package ban

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/gatekeeper/internal/tracing"
)

// Schema creates the bans table. The partial unique index enforces at most
// one active ban per identity.
const Schema = `
CREATE TABLE IF NOT EXISTS bans (
	id          UUID PRIMARY KEY,
	identity    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	banned_by   TEXT NOT NULL,
	source      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	unbanned_by TEXT,
	unbanned_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS bans_active_identity_idx ON bans (identity) WHERE active;
CREATE INDEX IF NOT EXISTS bans_created_at_idx ON bans (created_at DESC);
`

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const banColumns = `id, identity, reason, banned_by, source, created_at, expires_at, active, unbanned_by, unbanned_at`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// EnsureSchema applies Schema. It is idempotent.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("%w: apply schema: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Insert implements Repository.
func (r *PostgresRepository) Insert(ctx context.Context, rec *Record, now time.Time) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "bans", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrStorageUnavailable, err)
	}

	// Always attempt rollback on function exit (no-op after successful commit)
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback ban transaction", slog.String("error", err.Error()))
		}
	}()

	// An expired ban that the sweep has not reached yet must not block a new one.
	_, err = tx.ExecContext(ctx, `
		UPDATE bans SET active = FALSE
		WHERE identity = $1 AND active AND expires_at IS NOT NULL AND expires_at <= $2
	`, rec.Identity, now)
	if err != nil {
		return fmt.Errorf("%w: expire previous ban: %v", ErrStorageUnavailable, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bans (`+banColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NULL, NULL)
	`, rec.ID, rec.Identity, rec.Reason, rec.BannedBy, string(rec.Source), rec.CreatedAt, nullTime(rec.ExpiresAt))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrAlreadyBanned
		}
		return fmt.Errorf("%w: insert ban: %v", ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit ban: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Deactivate implements Repository.
func (r *PostgresRepository) Deactivate(ctx context.Context, identity, unbannedBy string, now time.Time) (*Record, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "bans", tracing.DBOperationUpdate)
	row := r.db.QueryRowContext(ctx, `
		UPDATE bans SET active = FALSE, unbanned_by = $2, unbanned_at = $3
		WHERE identity = $1 AND active AND (expires_at IS NULL OR expires_at > $3)
		RETURNING `+banColumns, identity, unbannedBy, now)

	rec, err := scanRecord(row)
	endSpan(err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: deactivate ban: %v", ErrStorageUnavailable, err)
	}
	return rec, nil
}

// ListInEffect implements Repository.
func (r *PostgresRepository) ListInEffect(ctx context.Context, now time.Time) (recs []Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "bans", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+banColumns+` FROM bans
		WHERE active AND (expires_at IS NULL OR expires_at > $1)
	`, now)
	if err != nil {
		return nil, fmt.Errorf("%w: list bans in effect: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List implements Repository.
func (r *PostgresRepository) List(ctx context.Context, opts ListOptions, now time.Time) ([]Record, int, error) {
	where := "TRUE"
	args := []any{}
	if opts.Status == StatusActive {
		where = "active AND (expires_at IS NULL OR expires_at > $1)"
		args = append(args, now)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bans WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count bans: %v", ErrStorageUnavailable, err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM bans WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		banColumns, where, n+1, n+2)
	args = append(args, opts.PageSize, (opts.Page-1)*opts.PageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list bans: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ExpireBefore implements Repository.
func (r *PostgresRepository) ExpireBefore(ctx context.Context, now time.Time) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "bans", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE bans SET active = FALSE
		WHERE active AND expires_at IS NOT NULL AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: expire bans: %v", ErrStorageUnavailable, err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		source     string
		expiresAt  sql.NullTime
		unbannedBy sql.NullString
		unbannedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Identity, &rec.Reason, &rec.BannedBy, &source,
		&rec.CreatedAt, &expiresAt, &rec.Active, &unbannedBy, &unbannedAt)
	if err != nil {
		return nil, err
	}
	rec.Source = Source(source)
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	rec.UnbannedBy = unbannedBy.String
	if unbannedAt.Valid {
		t := unbannedAt.Time
		rec.UnbannedAt = &t
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan ban: %v", ErrStorageUnavailable, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate bans: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
