package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type MemoryStore struct {
	mu sync.Mutex

	nowFn func() time.Time

	relays   []RelayRecord
	outcomes map[string]OutcomeRecord
}

func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{
		nowFn:    nowFn,
		outcomes: make(map[string]OutcomeRecord),
	}
}

func (s *MemoryStore) RecordRelay(_ context.Context, rec RelayRecord) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFn().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.relays = append(s.relays, rec)
	return nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, rec OutcomeRecord) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFn().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetOutcome(_ context.Context, id string) (OutcomeRecord, error) {
	if s == nil {
		return OutcomeRecord{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outcomes[strings.TrimSpace(id)]
	if !ok {
		return OutcomeRecord{}, fmt.Errorf("%w: outcome %s", ErrNotFound, id)
	}
	return rec, nil
}

func (s *MemoryStore) ListOutcomesByRecipient(_ context.Context, recipient string, limit int) ([]OutcomeRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, fmt.Errorf("%w: missing recipient", ErrInvalidRecord)
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutcomeRecord
	for _, rec := range s.outcomes {
		if rec.Recipient == recipient {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Relays returns a snapshot of recorded relay submissions.
func (s *MemoryStore) Relays() []RelayRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RelayRecord, len(s.relays))
	copy(out, s.relays)
	return out
}
