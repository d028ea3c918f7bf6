package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JournalStore is the durable mutation log. Sequence numbers come from a
// bigserial, so they are strictly increasing in append order.
type JournalStore struct {
	db *pgxpool.Pool
}

func NewJournalStore(db *pgxpool.Pool) *JournalStore {
	return &JournalStore{db: db}
}

func (s *JournalStore) Append(ctx context.Context, rec *domain.MutationRecord) (int64, error) {
	var seq int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO kg_journal (mutation_id, kind, payload, logical_ts, state, attempts, next_attempt_at, last_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (mutation_id) DO NOTHING
		 RETURNING seq`,
		rec.ID, string(rec.Kind), rec.Payload, rec.LogicalTimestamp, string(rec.State), rec.Attempts, rec.NextAttemptAt, rec.LastError,
	).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("append mutation %s: %w", rec.ID, err)
	}

	// Already journaled: report the original position.
	err = s.db.QueryRow(ctx,
		`SELECT seq FROM kg_journal WHERE mutation_id = $1`, rec.ID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("lookup mutation %s: %w", rec.ID, err)
	}
	return seq, nil
}

func (s *JournalStore) UpdateState(ctx context.Context, rec *domain.MutationRecord) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE kg_journal
		 SET state = $2, attempts = $3, next_attempt_at = $4, last_error = $5
		 WHERE mutation_id = $1`,
		rec.ID, string(rec.State), rec.Attempts, rec.NextAttemptAt, rec.LastError,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const journalColumns = `seq, mutation_id, kind, payload, logical_ts, state, attempts, next_attempt_at, last_error, created_at`

func (s *JournalStore) Records(ctx context.Context, afterSeq int64) ([]domain.MutationRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+journalColumns+` FROM kg_journal WHERE seq > $1 ORDER BY seq`, afterSeq)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (s *JournalStore) ListByState(ctx context.Context, state domain.MutationState, limit int) ([]domain.MutationRecord, error) {
	query := `SELECT ` + journalColumns + ` FROM kg_journal WHERE state = $1 ORDER BY seq`
	args := []any{string(state)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]domain.MutationRecord, error) {
	defer rows.Close()

	var out []domain.MutationRecord
	for rows.Next() {
		var (
			rec   domain.MutationRecord
			kind  string
			state string
		)
		if err := rows.Scan(&rec.Sequence, &rec.ID, &kind, &rec.Payload, &rec.LogicalTimestamp,
			&state, &rec.Attempts, &rec.NextAttemptAt, &rec.LastError, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Kind = domain.MutationKind(kind)
		rec.State = domain.MutationState(state)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *JournalStore) Checkpoint(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRow(ctx, `SELECT seq FROM kg_journal_checkpoint WHERE id = 1`).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

func (s *JournalStore) SaveCheckpoint(ctx context.Context, seq int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO kg_journal_checkpoint (id, seq, updated_at)
		 VALUES (1, $1, NOW())
		 ON CONFLICT (id) DO UPDATE SET seq = EXCLUDED.seq, updated_at = NOW()`,
		seq,
	)
	return err
}
