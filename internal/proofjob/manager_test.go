package proofjob

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/whalevault/relay/internal/blobstore"
	"github.com/whalevault/relay/internal/chainkey"
	"github.com/whalevault/relay/internal/proofgen"
)

func testRecipient() string {
	var a chainkey.Address
	for i := range a {
		a[i] = byte(i + 1)
	}
	return a.String()
}

func validParams() Params {
	return Params{
		Commitment:   strings.Repeat("ab", 32),
		Secret:       strings.Repeat("cd", 32),
		Amount:       2_000_000_000,
		Recipient:    testRecipient(),
		Denomination: 0,
	}
}

// blockingProver parks GenerateProof until released so tests can observe
// the in-flight job state.
type blockingProver struct {
	entered chan struct{}
	release chan struct{}
	result  proofgen.Proof
	err     error
}

func (p *blockingProver) GenerateProof(string, string, uint64, string) (proofgen.Proof, error) {
	if p.entered != nil {
		close(p.entered)
	}
	if p.release != nil {
		<-p.release
	}
	return p.result, p.err
}

func waitTerminal(t *testing.T, m *Manager, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	lastProgress := -1
	for time.Now().Before(deadline) {
		job, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Progress < lastProgress {
			t.Fatalf("progress went backwards: %d -> %d", lastProgress, job.Progress)
		}
		lastProgress = job.Progress
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return Job{}
}

func TestManager_CompletesWithWellFormedProof(t *testing.T) {
	t.Parallel()

	store, err := blobstore.New(blobstore.Config{Driver: blobstore.DriverMemory})
	if err != nil {
		t.Fatalf("blobstore: %v", err)
	}
	m, err := NewManager(proofgen.NewEngine(), store, Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Stop()

	id, err := m.Submit(validParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job := waitTerminal(t, m, id)
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, error = %q", job.Status, job.Error)
	}
	if job.Progress != 100 || job.Stage != "finalizing" {
		t.Fatalf("progress/stage = %d/%s", job.Progress, job.Stage)
	}
	if job.Result == nil {
		t.Fatalf("completed job missing result")
	}
	if err := job.Result.Validate(); err != nil {
		t.Fatalf("result invalid: %v", err)
	}
	if job.Error != "" {
		t.Fatalf("completed job carries error %q", job.Error)
	}

	// Completion persists the artifact.
	m.Stop()
	ok, err := store.Exists(context.Background(), "proofs/"+id+"/result.json")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatalf("proof artifact not archived")
	}
}

func TestManager_CheckpointsVisibleWhileProcessing(t *testing.T) {
	t.Parallel()

	prover := &blockingProver{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		err:     errors.New("boom"),
	}
	m, err := NewManager(prover, nil, Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Stop()

	id, err := m.Submit(validParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	<-prover.entered
	job, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusProcessing || job.Progress != 60 || job.Stage != "computing_proof" {
		t.Fatalf("in-flight job = %s/%d/%s", job.Status, job.Progress, job.Stage)
	}

	close(prover.release)
	final := waitTerminal(t, m, id)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s", final.Status)
	}
}

func TestManager_ErrorSanitization(t *testing.T) {
	t.Parallel()

	// A known validation error is exposed verbatim.
	m, err := NewManager(proofgen.NewEngine(), nil, Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Stop()

	params := validParams()
	params.Commitment = "zz" + strings.Repeat("ab", 31)
	id, err := m.Submit(params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitTerminal(t, m, id)
	if job.Status != StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if !strings.Contains(job.Error, "invalid hex") {
		t.Fatalf("validation error not exposed verbatim: %q", job.Error)
	}
	if job.Result != nil {
		t.Fatalf("failed job carries a result")
	}

	// Anything else is replaced with the generic message.
	secretly := &blockingProver{err: errors.New("dial tcp 10.0.0.7: connection refused")}
	m2, err := NewManager(secretly, nil, Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m2.Stop()

	id2, err := m2.Submit(validParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job2 := waitTerminal(t, m2, id2)
	if job2.Error != sanitizedError {
		t.Fatalf("unexpected error not sanitized: %q", job2.Error)
	}
}

func TestManager_SubmitRejectsInvalidParams(t *testing.T) {
	t.Parallel()

	m, err := NewManager(proofgen.NewEngine(), nil, Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Stop()

	cases := []Params{
		{Secret: "cd", Amount: 1, Recipient: testRecipient()},
		{Commitment: "ab", Amount: 1, Recipient: testRecipient()},
		{Commitment: "ab", Secret: "cd", Recipient: testRecipient()},
		{Commitment: "ab", Secret: "cd", Amount: 1, Recipient: "bogus"},
	}
	for i, params := range cases {
		if _, err := m.Submit(params); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("case %d: expected ErrInvalidParams, got %v", i, err)
		}
	}
}

func TestManager_IndependentSubmissions(t *testing.T) {
	t.Parallel()

	m, err := NewManager(proofgen.NewEngine(), nil, Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Stop()

	id1, err := m.Submit(validParams())
	if err != nil {
		t.Fatalf("Submit #1: %v", err)
	}
	id2, err := m.Submit(validParams())
	if err != nil {
		t.Fatalf("Submit #2: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("duplicate submissions must get distinct ids")
	}

	j1 := waitTerminal(t, m, id1)
	j2 := waitTerminal(t, m, id2)
	if j1.Status != StatusCompleted || j2.Status != StatusCompleted {
		t.Fatalf("statuses = %s/%s", j1.Status, j2.Status)
	}
}

func TestManager_SweepDeletesOldTerminalJobs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := &now
	m, err := NewManager(proofgen.NewEngine(), nil, Config{
		Retention: time.Hour,
		Now:       func() time.Time { return *clock },
	}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Stop()

	id, err := m.Submit(validParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, m, id)

	// Inside the retention window the job survives.
	m.sweep()
	if _, err := m.Get(id); err != nil {
		t.Fatalf("job swept too early: %v", err)
	}

	next := now.Add(2 * time.Hour)
	clock = &next
	m.sweep()
	if _, err := m.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after sweep, got %v", err)
	}
}

func TestManager_GetUnknown(t *testing.T) {
	t.Parallel()

	m, err := NewManager(proofgen.NewEngine(), nil, Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Stop()

	if _, err := m.Get("no-such-job"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_SubmitAfterStop(t *testing.T) {
	t.Parallel()

	m, err := NewManager(proofgen.NewEngine(), nil, Config{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	id, err := m.Submit(validParams())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	m.Stop()

	if _, err := m.Submit(validParams()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}

	// Work accepted before Stop still reached a terminal state.
	job, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !job.Status.Terminal() {
		t.Fatalf("pre-stop job status = %s", job.Status)
	}
}
