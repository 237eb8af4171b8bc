package proofjob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whalevault/relay/internal/blobstore"
	"github.com/whalevault/relay/internal/proofgen"
)

// sanitizedError replaces unexpected processing failures so job status
// never carries secret material or internal detail.
const sanitizedError = "proof generation failed"

// Prover generates a proof for one set of job params.
type Prover interface {
	GenerateProof(commitment, secret string, amount uint64, recipient string) (proofgen.Proof, error)
}

type Config struct {
	// SweepInterval is how often terminal jobs are garbage collected.
	// Defaults to 5 minutes.
	SweepInterval time.Duration
	// Retention is how long terminal jobs stay queryable. Defaults to 1 hour.
	Retention time.Duration
	// ArchiveTimeout bounds the artifact upload per completed job.
	ArchiveTimeout time.Duration

	Now func() time.Time
}

// Manager owns the job table. All access goes through one mutex so every
// checkpoint write is immediately visible to concurrent readers.
type Manager struct {
	cfg     Config
	prover  Prover
	archive blobstore.Store
	log     *slog.Logger

	mu     sync.Mutex
	jobs   map[string]Job
	closed bool

	procWG sync.WaitGroup

	sweepDone chan struct{}
	sweepWG   sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager builds a job manager. archive may be nil to disable
// artifact persistence.
func NewManager(prover Prover, archive blobstore.Store, cfg Config, log *slog.Logger) (*Manager, error) {
	if prover == nil {
		return nil, fmt.Errorf("%w: nil prover", ErrInvalidConfig)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		cfg:       cfg,
		prover:    prover,
		archive:   archive,
		log:       log,
		jobs:      make(map[string]Job),
		sweepDone: make(chan struct{}),
	}, nil
}

// Submit registers a job and schedules background processing. It returns
// the job id immediately; callers poll Get for progress.
func (m *Manager) Submit(params Params) (string, error) {
	if m == nil {
		return "", fmt.Errorf("%w: nil manager", ErrInvalidConfig)
	}
	if err := params.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := m.cfg.Now().UTC()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: submit rejected", ErrStopped)
	}
	m.jobs[id] = Job{
		ID:        id,
		Status:    StatusPending,
		Progress:  0,
		Stage:     "queued",
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// The processing registration happens under the same lock that Stop
	// uses to flip closed, so Stop's Wait never races a new Add.
	m.procWG.Add(1)
	m.mu.Unlock()

	go m.process(id)

	m.log.Info("proof job submitted", "job_id", id, "amount", params.Amount, "denomination", params.Denomination)
	return id, nil
}

// Get returns a snapshot of the job, or ErrNotFound.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return cloneJob(job), nil
}

// Start launches the background sweep. Safe to call once per manager.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.sweepWG.Add(1)
		go m.sweepLoop()
	})
}

// Stop rejects further submissions, halts the sweep, and waits for
// in-flight processing to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.sweepDone)
	})
	m.sweepWG.Wait()
	m.procWG.Wait()
}

func (m *Manager) process(id string) {
	defer m.procWG.Done()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("proof processing panic", "job_id", id, "panic", fmt.Sprint(r))
			m.fail(id, sanitizedError)
		}
	}()

	// Capture the inputs under the table lock so a concurrent mutation of
	// the record cannot corrupt this run.
	m.mu.Lock()
	job, ok := m.jobs[id]
	params := job.Params
	m.mu.Unlock()
	if !ok {
		return
	}

	m.checkpoint(id, StatusProcessing, 10, "initializing")
	m.checkpoint(id, StatusProcessing, 30, "generating_witnesses")
	m.checkpoint(id, StatusProcessing, 60, "computing_proof")

	proof, err := m.prover.GenerateProof(params.Commitment, params.Secret, params.Amount, params.Recipient)
	if err != nil {
		if errors.Is(err, proofgen.ErrInvalidInput) {
			m.fail(id, err.Error())
		} else {
			m.log.Error("proof generation failed", "job_id", id, "err", err)
			m.fail(id, sanitizedError)
		}
		return
	}

	m.checkpoint(id, StatusProcessing, 90, "verifying_proof")

	result := Result{
		Proof:        proof.Proof,
		Nullifier:    hex.EncodeToString(proof.Nullifier[:]),
		PublicInputs: proof.PublicInputs,
	}
	if err := result.Validate(); err != nil {
		m.log.Error("prover returned malformed result", "job_id", id, "err", err)
		m.fail(id, sanitizedError)
		return
	}

	m.complete(id, result)
	m.archiveResult(id, result)
}

func (m *Manager) checkpoint(id string, status Status, progress int, stage string) {
	now := m.cfg.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = status
	job.Progress = progress
	job.Stage = stage
	job.UpdatedAt = now
	m.jobs[id] = job
}

func (m *Manager) complete(id string, result Result) {
	now := m.cfg.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = StatusCompleted
	job.Progress = 100
	job.Stage = "finalizing"
	job.Result = &result
	job.Error = ""
	job.UpdatedAt = now
	m.jobs[id] = job
	m.log.Info("proof job completed", "job_id", id)
}

func (m *Manager) fail(id, message string) {
	now := m.cfg.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.Terminal() {
		return
	}
	job.Status = StatusFailed
	job.Result = nil
	job.Error = message
	job.UpdatedAt = now
	m.jobs[id] = job
	m.log.Warn("proof job failed", "job_id", id, "error", message)
}

func (m *Manager) archiveResult(id string, result Result) {
	if m.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ArchiveTimeout)
	defer cancel()
	key := blobstore.ProofResultKey(id)
	if err := blobstore.PutJSON(ctx, m.archive, key, result); err != nil {
		m.log.Warn("archive proof artifact", "job_id", id, "key", key, "err", err)
	}
}

func (m *Manager) sweepLoop() {
	defer m.sweepWG.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepDone:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := m.cfg.Now().UTC().Add(-m.cfg.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

func cloneJob(job Job) Job {
	out := job
	if job.Result != nil {
		res := *job.Result
		res.Proof = append([]byte(nil), job.Result.Proof...)
		out.Result = &res
	}
	return out
}
