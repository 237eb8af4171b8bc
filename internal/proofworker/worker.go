// Package proofworker consumes proof generation requests from the
// queue, submits them to the job manager, and publishes job status
// transitions so callers can follow a job to its terminal state.
package proofworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/whalevault/relay/internal/proofjob"
	"github.com/whalevault/relay/internal/queue"
)

var ErrInvalidConfig = errors.New("proofworker: invalid config")

const (
	// RequestVersion tags inbound proof generation requests.
	RequestVersion = "proof.submit.v1"
	// StatusVersion tags published job status events.
	StatusVersion = "proof.status.v1"
)

// SubmitRequest is the inbound queue payload.
type SubmitRequest struct {
	Version      string `json:"version"`
	Commitment   string `json:"commitment"`
	Secret       string `json:"secret"`
	Amount       uint64 `json:"amount"`
	Recipient    string `json:"recipient"`
	Denomination uint64 `json:"denomination"`
}

// StatusMessage is published once on acceptance and once on the
// terminal transition.
type StatusMessage struct {
	Version  string `json:"version"`
	JobID    string `json:"job_id,omitempty"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Stage    string `json:"stage,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Jobs is the manager capability set the worker needs.
type Jobs interface {
	Submit(params proofjob.Params) (string, error)
	Get(id string) (proofjob.Job, error)
}

type Config struct {
	InputTopic  string
	StatusTopic string

	// WatchInterval/WatchTimeout bound the poll loop that follows a
	// submitted job to its terminal state.
	WatchInterval time.Duration
	WatchTimeout  time.Duration

	AckTimeout time.Duration
}

type Worker struct {
	cfg Config

	jobs     Jobs
	consumer queue.Consumer
	producer queue.Producer
	log      *slog.Logger
}

func NewWorker(cfg Config, jobs Jobs, consumer queue.Consumer, producer queue.Producer, log *slog.Logger) (*Worker, error) {
	if jobs == nil || consumer == nil || producer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.InputTopic == "" || cfg.StatusTopic == "" {
		return nil, fmt.Errorf("%w: input and status topics are required", ErrInvalidConfig)
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 250 * time.Millisecond
	}
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = 2 * time.Minute
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg, jobs: jobs, consumer: consumer, producer: producer, log: log}, nil
}

// Run consumes requests until the context is canceled or the message
// channel closes. Submission is immediate; each accepted job gets a
// watcher goroutine that publishes its terminal status.
func (w *Worker) Run(ctx context.Context) error {
	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

	var wg sync.WaitGroup
	var firstErr error
	var firstErrMu sync.Mutex
	setFirstErr := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return firstErr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				w.log.Error("proof-worker queue consume error", "err", err)
				setFirstErr(err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				wg.Wait()
				return firstErr
			}
			if err := w.handleMessage(ctx, msg, &wg); err != nil {
				setFirstErr(err)
				w.log.Error("proof-worker handle message", "err", err)
			}
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message, wg *sync.WaitGroup) error {
	var req SubmitRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		w.log.Warn("proof-worker dropping malformed request", "err", err)
		w.ack(msg)
		return nil
	}
	if req.Version != RequestVersion {
		w.log.Warn("proof-worker dropping unsupported request version", "version", req.Version)
		w.ack(msg)
		return nil
	}

	id, err := w.jobs.Submit(proofjob.Params{
		Commitment:   req.Commitment,
		Secret:       req.Secret,
		Amount:       req.Amount,
		Recipient:    req.Recipient,
		Denomination: req.Denomination,
	})
	if err != nil {
		// Rejected before a job existed; report without a job id.
		if perr := w.publishStatus(ctx, StatusMessage{
			Version: StatusVersion,
			Status:  string(proofjob.StatusFailed),
			Error:   err.Error(),
		}); perr != nil {
			return perr
		}
		w.ack(msg)
		return nil
	}

	if perr := w.publishStatus(ctx, StatusMessage{
		Version: StatusVersion,
		JobID:   id,
		Status:  string(proofjob.StatusPending),
	}); perr != nil {
		return perr
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watch(ctx, id)
	}()
	w.ack(msg)
	return nil
}

// watch polls the job until it reaches a terminal state and publishes
// that state. Watching past context cancellation is pointless since the
// publish would fail anyway.
func (w *Worker) watch(ctx context.Context, id string) {
	deadline := time.NewTimer(w.cfg.WatchTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(w.cfg.WatchInterval)
	defer tick.Stop()

	for {
		job, err := w.jobs.Get(id)
		if err != nil {
			w.log.Warn("proof-worker lost track of job", "job_id", id, "err", err)
			return
		}
		if job.Status.Terminal() {
			if err := w.publishStatus(ctx, StatusMessage{
				Version:  StatusVersion,
				JobID:    job.ID,
				Status:   string(job.Status),
				Progress: job.Progress,
				Stage:    job.Stage,
				Error:    job.Error,
			}); err != nil {
				w.log.Error("proof-worker publish terminal status", "job_id", id, "err", err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			w.log.Warn("proof-worker watch timed out", "job_id", id, "status", string(job.Status))
			return
		case <-tick.C:
		}
	}
}

func (w *Worker) publishStatus(ctx context.Context, msg StatusMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("proofworker: encode status: %w", err)
	}
	return w.producer.Publish(ctx, w.cfg.StatusTopic, payload)
}

func (w *Worker) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		w.log.Error("proof-worker ack message", "err", err)
	}
}
