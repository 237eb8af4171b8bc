// Package postgres persists the relay ledger in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whalevault/relay/internal/history"
)

var ErrInvalidConfig = errors.New("history/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("history/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) RecordRelay(ctx context.Context, rec history.RelayRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_submissions (signature, recipient, amount, fee, denomination)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (signature) DO NOTHING
	`, strings.TrimSpace(rec.Signature), strings.TrimSpace(rec.Recipient), int64(rec.Amount), int64(rec.Fee), int64(rec.Denomination))
	if err != nil {
		return fmt.Errorf("history/postgres: insert relay: %w", err)
	}
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, rec history.OutcomeRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO swap_outcomes (
			outcome_id, job_id, recipient, status,
			unshield_signature, swap_signature, transfer_signature,
			output_amount, output_mint, fee_paid
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (outcome_id) DO NOTHING
	`, strings.TrimSpace(rec.ID), strings.TrimSpace(rec.JobID), strings.TrimSpace(rec.Recipient), strings.TrimSpace(rec.Status),
		rec.UnshieldSignature, rec.SwapSignature, rec.TransferSignature,
		outputAmountOrZero(rec.OutputAmount), rec.OutputMint, int64(rec.FeePaid))
	if err != nil {
		return fmt.Errorf("history/postgres: insert outcome: %w", err)
	}
	return nil
}

func (s *Store) GetOutcome(ctx context.Context, id string) (history.OutcomeRecord, error) {
	if s == nil || s.pool == nil {
		return history.OutcomeRecord{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT outcome_id, job_id, recipient, status,
			unshield_signature, swap_signature, transfer_signature,
			output_amount, output_mint, fee_paid, created_at
		FROM swap_outcomes
		WHERE outcome_id = $1
	`, strings.TrimSpace(id))

	rec, err := scanOutcome(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return history.OutcomeRecord{}, fmt.Errorf("%w: outcome %s", history.ErrNotFound, id)
		}
		return history.OutcomeRecord{}, fmt.Errorf("history/postgres: get outcome: %w", err)
	}
	return rec, nil
}

func (s *Store) ListOutcomesByRecipient(ctx context.Context, recipient string, limit int) ([]history.OutcomeRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, fmt.Errorf("%w: missing recipient", history.ErrInvalidRecord)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT outcome_id, job_id, recipient, status,
			unshield_signature, swap_signature, transfer_signature,
			output_amount, output_mint, fee_paid, created_at
		FROM swap_outcomes
		WHERE recipient = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("history/postgres: list outcomes: %w", err)
	}
	defer rows.Close()

	var out []history.OutcomeRecord
	for rows.Next() {
		rec, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("history/postgres: scan outcome: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history/postgres: list outcomes: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (history.OutcomeRecord, error) {
	var rec history.OutcomeRecord
	var feePaid int64
	err := row.Scan(
		&rec.ID, &rec.JobID, &rec.Recipient, &rec.Status,
		&rec.UnshieldSignature, &rec.SwapSignature, &rec.TransferSignature,
		&rec.OutputAmount, &rec.OutputMint, &feePaid, &rec.CreatedAt,
	)
	if err != nil {
		return history.OutcomeRecord{}, err
	}
	rec.FeePaid = uint64(feePaid)
	return rec, nil
}

func outputAmountOrZero(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "0"
	}
	return v
}
