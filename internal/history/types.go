// Package history is the ledger of relay executions and saga outcomes.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidConfig = errors.New("history: invalid config")
	ErrInvalidRecord = errors.New("history: invalid record")
	ErrNotFound      = errors.New("history: not found")
)

// RelayRecord is one custodial withdrawal submission.
type RelayRecord struct {
	Signature    string
	Recipient    string
	Amount       uint64
	Fee          uint64
	Denomination uint64

	CreatedAt time.Time
}

func (r RelayRecord) Validate() error {
	if strings.TrimSpace(r.Signature) == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Recipient) == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidRecord)
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidRecord)
	}
	return nil
}

// OutcomeRecord is one terminal saga outcome. Signature fields use
// empty-string sentinels for unattempted or failed sub-steps, matching
// the shape handed back to callers.
type OutcomeRecord struct {
	ID        string
	JobID     string
	Recipient string
	Status    string

	UnshieldSignature string
	SwapSignature     string
	TransferSignature string

	OutputAmount string
	OutputMint   string
	FeePaid      uint64

	CreatedAt time.Time
}

func (r OutcomeRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Recipient) == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Status) == "" {
		return fmt.Errorf("%w: missing status", ErrInvalidRecord)
	}
	return nil
}

// Store persists relay and outcome records.
type Store interface {
	RecordRelay(ctx context.Context, rec RelayRecord) error
	RecordOutcome(ctx context.Context, rec OutcomeRecord) error
	GetOutcome(ctx context.Context, id string) (OutcomeRecord, error)
	ListOutcomesByRecipient(ctx context.Context, recipient string, limit int) ([]OutcomeRecord, error)
}
