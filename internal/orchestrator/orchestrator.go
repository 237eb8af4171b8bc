// Package orchestrator runs the unshield-and-swap saga: validate the
// proof job, quote, unshield into the custodial account, swap, and move
// the output to the recipient. The saga is linear with two
// partial-success terminal shapes; once unshield succeeds every outcome
// carries the unshield signature so custodial funds can always be
// located.
package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/whalevault/relay/internal/alert"
	"github.com/whalevault/relay/internal/blobstore"
	"github.com/whalevault/relay/internal/chainkey"
	"github.com/whalevault/relay/internal/chaintx"
	"github.com/whalevault/relay/internal/history"
	"github.com/whalevault/relay/internal/proofjob"
	"github.com/whalevault/relay/internal/relay"
	"github.com/whalevault/relay/internal/swap"
	"github.com/whalevault/relay/internal/token"
)

var (
	ErrInvalidConfig  = errors.New("orchestrator: invalid config")
	ErrInvalidRequest = errors.New("orchestrator: invalid request")
	ErrJobNotReady    = errors.New("orchestrator: job not ready")
)

// Outcome statuses. Anything other than StatusCompleted is a partial
// success needing operator review.
const (
	StatusCompleted         = "completed"
	StatusSwapFailed        = "swap_failed"
	StatusTransferFailed    = "transfer_failed"
	StatusFallbackNative    = "fallback_native"
	StatusFallbackFailed    = "fallback_failed"
	StatusFallbackExhausted = "fallback_exhausted"
)

// Request identifies a completed proof job and where its funds go.
type Request struct {
	JobID       string
	OutputMint  string
	Recipient   string
	SlippageBps int
}

// Outcome is the terminal saga result. Signature fields use empty-string
// sentinels for unattempted or failed sub-steps so the shape is stable
// across every partial-success variant.
type Outcome struct {
	ID     string
	Status string

	UnshieldSignature string
	SwapSignature     string
	TransferSignature string

	OutputAmount string
	OutputMint   string
	Recipient    string
	FeePaid      uint64
}

// JobSource reads proof jobs.
type JobSource interface {
	Get(id string) (proofjob.Job, error)
}

// Relayer is the custodial signing capability set.
type Relayer interface {
	Address() chainkey.Address
	Fee(amount uint64) uint64
	AmountAfterFee(amount uint64) uint64
	Balance(ctx context.Context) (uint64, error)
	RelayUnshield(ctx context.Context, nullifier []byte, recipient string, amount uint64, proof []byte, denomination uint64) (relay.RelayResult, error)
	SubmitProviderTransaction(ctx context.Context, raw []byte) (string, error)
	SubmitInstructions(ctx context.Context, ixs []chaintx.Instruction) (string, error)
	TransferNative(ctx context.Context, to chainkey.Address, amount uint64) (string, error)
}

// Tokens resolves token programs and accounts.
type Tokens interface {
	DetectProgram(ctx context.Context, mint chainkey.Address) chainkey.Address
	MintDecimals(ctx context.Context, mint chainkey.Address) uint8
	EnsureAccountExists(ctx context.Context, owner, mint, program chainkey.Address) (bool, error)
}

// Chain is the direct RPC capability the saga needs beyond the signer.
type Chain interface {
	GetTokenAccountBalance(ctx context.Context, account chainkey.Address) (uint64, error)
}

type Config struct {
	// BalancePollAttempts/Delay compensate for ledger-visibility lag
	// between swap confirmation and the token balance read.
	BalancePollAttempts int
	BalancePollDelay    time.Duration

	TransferAttempts int
	TransferDelay    time.Duration

	// Reserve is kept back from fallback sizing to cover the fallback
	// transaction's own cost.
	Reserve uint64

	Sleep func(ctx context.Context, d time.Duration) error
}

type Orchestrator struct {
	jobs    JobSource
	relayer Relayer
	router  swap.Router
	tokens  Tokens
	chain   Chain
	store   history.Store
	archive blobstore.Store
	alerter alert.Alerter
	cfg     Config
	log     *slog.Logger
}

// New builds the saga orchestrator. store, archive, and alerter may be
// nil; those concerns are then skipped.
func New(jobs JobSource, relayer Relayer, router swap.Router, tokens Tokens, chain Chain, store history.Store, archive blobstore.Store, alerter alert.Alerter, cfg Config, log *slog.Logger) (*Orchestrator, error) {
	if jobs == nil || relayer == nil || router == nil || tokens == nil {
		return nil, fmt.Errorf("%w: jobs, relayer, router, and tokens are required", ErrInvalidConfig)
	}
	if !router.SupportsDirectRouting() && chain == nil {
		return nil, fmt.Errorf("%w: two-transaction routing requires chain access", ErrInvalidConfig)
	}
	if cfg.BalancePollAttempts <= 0 {
		cfg.BalancePollAttempts = 5
	}
	if cfg.BalancePollDelay <= 0 {
		cfg.BalancePollDelay = 500 * time.Millisecond
	}
	if cfg.TransferAttempts <= 0 {
		cfg.TransferAttempts = 3
	}
	if cfg.TransferDelay <= 0 {
		cfg.TransferDelay = time.Second
	}
	if cfg.Reserve == 0 {
		cfg.Reserve = 5000
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if alerter == nil {
		alerter = alert.Noop{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		jobs:    jobs,
		relayer: relayer,
		router:  router,
		tokens:  tokens,
		chain:   chain,
		store:   store,
		archive: archive,
		alerter: alerter,
		cfg:     cfg,
		log:     log,
	}, nil
}

// Execute runs the saga to a terminal outcome. Errors are returned only
// for failures before any funds move; after a successful unshield every
// path returns a partial or complete Outcome with a nil error.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Outcome, error) {
	recipientAddr, err := chainkey.ParseAddress(req.Recipient)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: malformed recipient", ErrInvalidRequest)
	}
	outputMint, err := chainkey.ParseAddress(req.OutputMint)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: malformed output mint", ErrInvalidRequest)
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = 100
	}

	// Step 1: the job must be terminal-complete with a proof.
	job, err := o.jobs.Get(req.JobID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrJobNotReady, err)
	}
	if job.Status != proofjob.StatusCompleted || job.Result == nil {
		return Outcome{}, fmt.Errorf("%w: job %s is %s", ErrJobNotReady, req.JobID, job.Status)
	}
	nullifier, err := hex.DecodeString(job.Result.Nullifier)
	if err != nil || len(nullifier) != 32 {
		return Outcome{}, fmt.Errorf("%w: job %s has malformed nullifier", ErrJobNotReady, req.JobID)
	}

	amount := job.Params.Amount
	swapAmount := o.relayer.AmountAfterFee(amount)
	if swapAmount == 0 {
		return Outcome{}, fmt.Errorf("%w: amount %d does not cover the relay fee", ErrInvalidRequest, amount)
	}

	// Step 2: quote before any fund movement, so routing failures cost
	// nothing.
	quote, err := o.router.GetQuote(ctx, swap.NativeMint, req.OutputMint, swapAmount, slippage)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: quote: %w", err)
	}

	// The token program governs associated-account derivation for both
	// routing variants; decimals only matter for the checked transfer.
	direct := o.router.SupportsDirectRouting()
	program := o.tokens.DetectProgram(ctx, outputMint)
	var decimals uint8
	if !direct {
		decimals = o.tokens.MintDecimals(ctx, outputMint)
	}

	// Step 3: unshield into the custodial account. The recipient wallet
	// stays off the on-chain swap trail.
	custodial := o.relayer.Address()
	relayRes, err := o.relayer.RelayUnshield(ctx, nullifier, custodial.String(), amount, job.Result.Proof, job.Params.Denomination)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: unshield: %w", err)
	}

	out := Outcome{
		ID:                uuid.NewString(),
		UnshieldSignature: relayRes.Signature,
		OutputAmount:      "0",
		OutputMint:        req.OutputMint,
		Recipient:         req.Recipient,
		FeePaid:           relayRes.FeePaid,
	}
	o.recordRelay(ctx, relayRes, job.Params.Denomination)

	if !direct {
		// Best-effort; re-checked before the transfer step.
		if _, err := o.tokens.EnsureAccountExists(ctx, recipientAddr, outputMint, program); err != nil {
			o.log.Warn("recipient token account pre-creation failed", "recipient", req.Recipient, "err", err)
		}
	}

	// Step 4: build and submit the swap. Direct-routing failures end the
	// saga as an unshield-only partial outcome; the two-transaction
	// variant compensates by forwarding the original asset instead.
	swapSig, err := o.submitSwap(ctx, quote, recipientAddr, outputMint, program, direct)
	if err != nil {
		if direct {
			o.log.Warn("swap failed, funds remain in custodial account", "recipient", req.Recipient, "err", err)
			out.Status = StatusSwapFailed
			o.finish(ctx, &out, job.ID)
			return out, nil
		}
		o.log.Warn("swap failed, entering fallback", "recipient", req.Recipient, "err", err)
		return o.fallback(ctx, out, amount, recipientAddr, job.ID, StatusSwapFailed), nil
	}
	out.SwapSignature = swapSig

	if direct {
		out.Status = StatusCompleted
		out.OutputAmount = strconv.FormatUint(quote.OutAmount, 10)
		o.finish(ctx, &out, job.ID)
		return out, nil
	}

	// Step 5: verify the swapped tokens actually arrived in the
	// custodial intermediate account.
	custodialAccount, err := token.DeriveAssociatedAccount(custodial, outputMint, program)
	if err != nil {
		return o.fallback(ctx, out, amount, recipientAddr, job.ID, StatusSwapFailed), nil
	}
	arrived := o.pollTokenBalance(ctx, custodialAccount)
	if arrived == 0 {
		o.log.Warn("swap confirmed but no tokens arrived", "account", custodialAccount.String())
		return o.fallback(ctx, out, amount, recipientAddr, job.ID, StatusSwapFailed), nil
	}

	// Step 6: move exactly what arrived to the recipient.
	transferSig, err := o.transferTokens(ctx, custodialAccount, recipientAddr, outputMint, program, decimals, arrived)
	out.OutputAmount = strconv.FormatUint(arrived, 10)
	if err != nil {
		out.Status = StatusTransferFailed
		o.raise(ctx, alert.Event{
			Kind:      "transfer_exhausted",
			Severity:  alert.SeverityCritical,
			Message:   "swap output stranded in custodial token account",
			Recipient: req.Recipient,
			Fields: map[string]string{
				"unshield_signature": out.UnshieldSignature,
				"swap_signature":     out.SwapSignature,
				"custodial_account":  custodialAccount.String(),
				"amount":             out.OutputAmount,
			},
		})
		o.finish(ctx, &out, job.ID)
		return out, nil
	}
	out.TransferSignature = transferSig
	out.Status = StatusCompleted
	o.finish(ctx, &out, job.ID)
	return out, nil
}

func (o *Orchestrator) submitSwap(ctx context.Context, quote swap.Quote, recipient, mint, program chainkey.Address, direct bool) (string, error) {
	destination := ""
	if direct {
		account, err := token.DeriveAssociatedAccount(recipient, mint, program)
		if err != nil {
			return "", fmt.Errorf("derive destination account: %w", err)
		}
		destination = account.String()
	}
	raw, err := o.router.GetSwapTransaction(ctx, quote, o.relayer.Address().String(), destination)
	if err != nil {
		return "", err
	}
	return o.relayer.SubmitProviderTransaction(ctx, raw)
}

func (o *Orchestrator) pollTokenBalance(ctx context.Context, account chainkey.Address) uint64 {
	for attempt := 0; attempt < o.cfg.BalancePollAttempts; attempt++ {
		if attempt > 0 {
			if err := o.cfg.Sleep(ctx, o.cfg.BalancePollDelay); err != nil {
				return 0
			}
		}
		balance, err := o.chain.GetTokenAccountBalance(ctx, account)
		if err == nil && balance > 0 {
			return balance
		}
	}
	return 0
}

func (o *Orchestrator) transferTokens(ctx context.Context, source, recipient, mint, program chainkey.Address, decimals uint8, amount uint64) (string, error) {
	dest, err := token.DeriveAssociatedAccount(recipient, mint, program)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.TransferAttempts; attempt++ {
		if attempt > 0 {
			if err := o.cfg.Sleep(ctx, o.cfg.TransferDelay); err != nil {
				return "", err
			}
		}
		if _, err := o.tokens.EnsureAccountExists(ctx, recipient, mint, program); err != nil {
			lastErr = err
			continue
		}
		ix := token.TransferInstruction(source, dest, o.relayer.Address(), amount, program, mint, decimals)
		sig, err := o.relayer.SubmitInstructions(ctx, []chaintx.Instruction{ix})
		if err == nil {
			return sig, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// fallback forwards the un-swapped original asset after a failed swap:
// min(original amount - fee, custodial balance - reserve), or an
// unshield-only outcome when nothing can be safely sent. Balance reads
// across concurrent sagas are best-effort snapshots, not linearizable.
func (o *Orchestrator) fallback(ctx context.Context, out Outcome, amount uint64, recipient chainkey.Address, jobID, cause string) Outcome {
	out.OutputMint = swap.NativeMint
	out.OutputAmount = "0"

	afterFee := o.relayer.AmountAfterFee(amount)
	balance, err := o.relayer.Balance(ctx)
	if err != nil {
		o.log.Warn("fallback balance read failed", "err", err)
		balance = 0
	}

	var available uint64
	if balance > o.cfg.Reserve {
		available = balance - o.cfg.Reserve
	}
	send := afterFee
	if available < send {
		send = available
	}

	if send == 0 {
		out.Status = StatusFallbackExhausted
		o.raise(ctx, alert.Event{
			Kind:      "fallback_exhausted",
			Severity:  alert.SeverityCritical,
			Message:   "swap failed and no safe fallback amount is available",
			Recipient: out.Recipient,
			Fields: map[string]string{
				"unshield_signature": out.UnshieldSignature,
				"custodial_balance":  strconv.FormatUint(balance, 10),
				"cause":              cause,
			},
		})
		o.finish(ctx, &out, jobID)
		return out
	}

	sig, err := o.relayer.TransferNative(ctx, recipient, send)
	if err != nil {
		out.Status = StatusFallbackFailed
		o.raise(ctx, alert.Event{
			Kind:      "fallback_failed",
			Severity:  alert.SeverityCritical,
			Message:   "fallback transfer of the original asset failed",
			Recipient: out.Recipient,
			Fields: map[string]string{
				"unshield_signature": out.UnshieldSignature,
				"attempted_amount":   strconv.FormatUint(send, 10),
				"cause":              cause,
			},
		})
		o.finish(ctx, &out, jobID)
		return out
	}

	out.Status = StatusFallbackNative
	out.TransferSignature = sig
	out.OutputAmount = strconv.FormatUint(send, 10)
	o.raise(ctx, alert.Event{
		Kind:      "swap_fallback",
		Severity:  alert.SeverityWarning,
		Message:   "swap failed, original asset forwarded to recipient",
		Recipient: out.Recipient,
		Fields: map[string]string{
			"unshield_signature": out.UnshieldSignature,
			"transfer_signature": sig,
			"amount":             out.OutputAmount,
			"cause":              cause,
		},
	})
	o.finish(ctx, &out, jobID)
	return out
}

func (o *Orchestrator) recordRelay(ctx context.Context, res relay.RelayResult, denomination uint64) {
	if o.store == nil {
		return
	}
	err := o.store.RecordRelay(ctx, history.RelayRecord{
		Signature:    res.Signature,
		Recipient:    res.Recipient,
		Amount:       res.AmountSent,
		Fee:          res.FeePaid,
		Denomination: denomination,
	})
	if err != nil {
		o.log.Warn("record relay submission", "signature", res.Signature, "err", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, out *Outcome, jobID string) {
	o.log.Info("saga finished",
		"outcome_id", out.ID,
		"status", out.Status,
		"recipient", out.Recipient,
		"unshield_signature", out.UnshieldSignature,
		"swap_signature", out.SwapSignature,
		"transfer_signature", out.TransferSignature,
		"output_amount", out.OutputAmount,
	)
	record := history.OutcomeRecord{
		ID:                out.ID,
		JobID:             jobID,
		Recipient:         out.Recipient,
		Status:            out.Status,
		UnshieldSignature: out.UnshieldSignature,
		SwapSignature:     out.SwapSignature,
		TransferSignature: out.TransferSignature,
		OutputAmount:      out.OutputAmount,
		OutputMint:        out.OutputMint,
		FeePaid:           out.FeePaid,
	}
	if o.store != nil {
		if err := o.store.RecordOutcome(ctx, record); err != nil {
			o.log.Warn("record saga outcome", "outcome_id", out.ID, "err", err)
		}
	}
	o.archiveOutcome(ctx, jobID, record)
}

func (o *Orchestrator) archiveOutcome(ctx context.Context, jobID string, record history.OutcomeRecord) {
	if o.archive == nil {
		return
	}
	key := blobstore.SwapOutcomeKey(jobID)
	if err := blobstore.PutJSON(ctx, o.archive, key, record); err != nil {
		o.log.Warn("archive outcome artifact", "key", key, "err", err)
	}
}

func (o *Orchestrator) raise(ctx context.Context, ev alert.Event) {
	if err := o.alerter.Raise(ctx, ev); err != nil {
		o.log.Warn("raise operator alert", "kind", ev.Kind, "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
