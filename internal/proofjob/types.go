// Package proofjob tracks asynchronous proof-generation jobs from
// submission through terminal state and garbage collection.
package proofjob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/whalevault/relay/internal/chainkey"
	"github.com/whalevault/relay/internal/proofgen"
)

var (
	ErrInvalidConfig = errors.New("proofjob: invalid config")
	ErrInvalidParams = errors.New("proofjob: invalid params")
	ErrInvalidResult = errors.New("proofjob: invalid result")
	ErrNotFound      = errors.New("proofjob: not found")
	ErrStopped       = errors.New("proofjob: manager stopped")
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Params are the proof inputs captured at submission. They are immutable
// for the lifetime of the job.
type Params struct {
	Commitment   string
	Secret       string
	Amount       uint64
	Recipient    string
	Denomination uint64
}

func (p Params) Validate() error {
	if strings.TrimSpace(p.Commitment) == "" {
		return fmt.Errorf("%w: missing commitment", ErrInvalidParams)
	}
	if strings.TrimSpace(p.Secret) == "" {
		return fmt.Errorf("%w: missing secret", ErrInvalidParams)
	}
	if p.Amount == 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidParams)
	}
	if _, err := chainkey.ParseAddress(p.Recipient); err != nil {
		return fmt.Errorf("%w: malformed recipient", ErrInvalidParams)
	}
	return nil
}

// Result is the typed proof payload, validated once when the processing
// run completes rather than at every consumer.
type Result struct {
	Proof        []byte                `json:"proof"`
	Nullifier    string                `json:"nullifier"`
	PublicInputs proofgen.PublicInputs `json:"public_inputs"`
}

func (r Result) Validate() error {
	if len(r.Proof) == 0 {
		return fmt.Errorf("%w: empty proof", ErrInvalidResult)
	}
	b, err := hex.DecodeString(r.Nullifier)
	if err != nil || len(b) != 32 {
		return fmt.Errorf("%w: nullifier must be 32-byte hex", ErrInvalidResult)
	}
	return nil
}

// Job is a point-in-time snapshot of a tracked proof job. Result is
// non-nil iff the job completed; Error is non-empty iff it failed.
type Job struct {
	ID       string
	Status   Status
	Progress int
	Stage    string
	Params   Params
	Result   *Result
	Error    string

	CreatedAt time.Time
	UpdatedAt time.Time
}
