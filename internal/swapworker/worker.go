// Package swapworker consumes swap execution requests from the queue,
// runs them through the saga orchestrator, and publishes terminal
// outcomes.
package swapworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whalevault/relay/internal/orchestrator"
	"github.com/whalevault/relay/internal/queue"
)

var ErrInvalidConfig = errors.New("swapworker: invalid config")

const (
	// RequestVersion tags inbound execution requests.
	RequestVersion = "swap.execute.v1"
	// OutcomeVersion tags published terminal outcomes.
	OutcomeVersion = "swap.outcome.v1"

	// StatusRejected marks requests that failed before any funds moved.
	StatusRejected = "rejected"
)

// ExecuteRequest is the inbound queue payload.
type ExecuteRequest struct {
	Version     string `json:"version"`
	JobID       string `json:"job_id"`
	OutputMint  string `json:"output_mint"`
	Recipient   string `json:"recipient"`
	SlippageBps int    `json:"slippage_bps,omitempty"`
}

// OutcomeMessage is the published terminal result. Rejected requests
// carry the error text; partial and complete outcomes mirror the saga
// outcome fields.
type OutcomeMessage struct {
	Version   string `json:"version"`
	OutcomeID string `json:"outcome_id,omitempty"`
	JobID     string `json:"job_id"`
	Status    string `json:"status"`

	UnshieldSignature string `json:"unshield_signature,omitempty"`
	SwapSignature     string `json:"swap_signature,omitempty"`
	TransferSignature string `json:"transfer_signature,omitempty"`

	OutputAmount string `json:"output_amount,omitempty"`
	OutputMint   string `json:"output_mint,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	FeePaid      uint64 `json:"fee_paid,omitempty"`

	Error string `json:"error,omitempty"`
}

func decodeExecuteRequest(payload []byte) (ExecuteRequest, error) {
	var req ExecuteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ExecuteRequest{}, fmt.Errorf("swapworker: decode request: %w", err)
	}
	if req.Version != RequestVersion {
		return ExecuteRequest{}, fmt.Errorf("swapworker: unsupported request version %q", req.Version)
	}
	if strings.TrimSpace(req.JobID) == "" {
		return ExecuteRequest{}, errors.New("swapworker: request job_id is required")
	}
	return req, nil
}

// Executor runs a single saga to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) (orchestrator.Outcome, error)
}

type Config struct {
	InputTopic   string
	OutcomeTopic string

	MaxInflight int
	AckTimeout  time.Duration
}

type Worker struct {
	cfg Config

	executor Executor
	consumer queue.Consumer
	producer queue.Producer
	log      *slog.Logger

	inflight     atomic.Int64
	successCount atomic.Uint64
	partialCount atomic.Uint64
	rejectCount  atomic.Uint64
}

func NewWorker(cfg Config, executor Executor, consumer queue.Consumer, producer queue.Producer, log *slog.Logger) (*Worker, error) {
	if executor == nil || consumer == nil || producer == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.InputTopic == "" || cfg.OutcomeTopic == "" {
		return nil, fmt.Errorf("%w: input and outcome topics are required", ErrInvalidConfig)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:      cfg,
		executor: executor,
		consumer: consumer,
		producer: producer,
		log:      log,
	}, nil
}

// Run consumes requests until the context is canceled or the message
// channel closes, bounding concurrent sagas by MaxInflight.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.cfg.MaxInflight)
	var wg sync.WaitGroup

	msgCh := w.consumer.Messages()
	errCh := w.consumer.Errors()

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
				w.log.Error("swap-worker queue consume error", "err", err)
				setFirstErr(err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				wg.Wait()
				return firstErr
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(qmsg queue.Message) {
				defer wg.Done()
				defer func() { <-sem }()

				w.inflight.Add(1)
				defer w.inflight.Add(-1)
				if err := w.handleMessage(ctx, qmsg); err != nil {
					setFirstErr(err)
					w.log.Error("swap-worker handle message", "err", err)
				}
			}(msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queue.Message) error {
	req, err := decodeExecuteRequest(msg.Value)
	if err != nil {
		w.log.Warn("swap-worker dropping malformed request", "err", err)
		w.rejectCount.Add(1)
		ackMessage(msg, w.cfg.AckTimeout, w.log)
		return nil
	}

	out, err := w.executor.Execute(ctx, orchestrator.Request{
		JobID:       req.JobID,
		OutputMint:  req.OutputMint,
		Recipient:   req.Recipient,
		SlippageBps: req.SlippageBps,
	})
	if err != nil {
		// Pre-fund failure: nothing moved, report and ack.
		if perr := w.publishOutcome(ctx, OutcomeMessage{
			Version: OutcomeVersion,
			JobID:   req.JobID,
			Status:  StatusRejected,
			Error:   err.Error(),
		}); perr != nil {
			return perr
		}
		w.rejectCount.Add(1)
		w.emitMetrics(msg.Timestamp, StatusRejected)
		ackMessage(msg, w.cfg.AckTimeout, w.log)
		return nil
	}

	if perr := w.publishOutcome(ctx, OutcomeMessage{
		Version:           OutcomeVersion,
		OutcomeID:         out.ID,
		JobID:             req.JobID,
		Status:            out.Status,
		UnshieldSignature: out.UnshieldSignature,
		SwapSignature:     out.SwapSignature,
		TransferSignature: out.TransferSignature,
		OutputAmount:      out.OutputAmount,
		OutputMint:        out.OutputMint,
		Recipient:         out.Recipient,
		FeePaid:           out.FeePaid,
	}); perr != nil {
		return perr
	}

	if out.Status == orchestrator.StatusCompleted {
		w.successCount.Add(1)
	} else {
		w.partialCount.Add(1)
	}
	w.emitMetrics(msg.Timestamp, out.Status)
	ackMessage(msg, w.cfg.AckTimeout, w.log)
	return nil
}

func (w *Worker) publishOutcome(ctx context.Context, out OutcomeMessage) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("swapworker: encode outcome: %w", err)
	}
	return w.producer.Publish(ctx, w.cfg.OutcomeTopic, payload)
}

func (w *Worker) emitMetrics(ts time.Time, status string) {
	lagSeconds := float64(0)
	if !ts.IsZero() {
		lag := time.Since(ts)
		if lag > 0 {
			lagSeconds = lag.Seconds()
		}
	}
	w.log.Info("swap-worker metrics",
		"queue_lag_seconds", lagSeconds,
		"in_flight_sagas", w.inflight.Load(),
		"completed_count", w.successCount.Load(),
		"partial_count", w.partialCount.Load(),
		"rejected_count", w.rejectCount.Load(),
		"status", status,
	)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("swap-worker ack message", "err", err)
	}
}
