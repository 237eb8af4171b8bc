// Package relay holds the custodial signing service that submits
// withdrawal instructions on behalf of pool users. The custodial hop is
// what keeps the recipient wallet absent from the on-chain trail, so the
// signer never signs without a proof and never leaks partial signing
// state on failure.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/whalevault/relay/internal/chainkey"
	"github.com/whalevault/relay/internal/chaintx"
)

var (
	ErrInvalidConfig = errors.New("relay: invalid config")
	ErrRelayer       = errors.New("relay: relayer error")
)

// MinFee is the floor on the relay fee in base units.
const MinFee uint64 = 5000

var systemProgram = chainkey.MustParseAddress("11111111111111111111111111111111")

// unshieldDiscriminator tags the withdrawal instruction for the pool
// program: first 8 bytes of sha256("global:unshield_sol").
var unshieldDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("global:unshield_sol"))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}()

// RelayerError is a classified, caller-safe failure with a recommended
// HTTP status code.
type RelayerError struct {
	Message    string
	StatusCode int
}

func (e *RelayerError) Error() string {
	if e == nil {
		return ""
	}
	return "relay: " + e.Message
}

func (e *RelayerError) Unwrap() error {
	return ErrRelayer
}

func invalidInput(msg string) *RelayerError {
	return &RelayerError{Message: msg, StatusCode: http.StatusBadRequest}
}

// RelayResult reports a successful withdrawal submission.
type RelayResult struct {
	Signature  string
	FeePaid    uint64
	AmountSent uint64
	Recipient  string
}

// Backend is the chain capability set the signer needs.
type Backend interface {
	GetBalance(ctx context.Context, addr chainkey.Address) (uint64, error)
	GetLatestBlockhash(ctx context.Context) ([32]byte, error)
	SendTransaction(ctx context.Context, tx []byte) (string, error)
	ConfirmSignature(ctx context.Context, signature string, pollInterval, maxWait time.Duration) error
}

type Config struct {
	// PoolProgram is the on-chain privacy pool program id.
	PoolProgram chainkey.Address
	// FeeBps is the relay fee in basis points of the relayed amount.
	FeeBps uint64
	// Enabled gates RelayUnshield; a disabled signer rejects with 503.
	Enabled bool

	ConfirmPollInterval time.Duration
	ConfirmMaxWait      time.Duration
}

// Signer holds the custodial key and submits withdrawal instructions.
type Signer struct {
	backend Backend
	key     *chainkey.Keypair
	cfg     Config
	log     *slog.Logger
}

func NewSigner(backend Backend, key *chainkey.Keypair, cfg Config, log *slog.Logger) (*Signer, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: nil custodial key", ErrInvalidConfig)
	}
	if cfg.PoolProgram.IsZero() {
		return nil, fmt.Errorf("%w: pool program is required", ErrInvalidConfig)
	}
	if cfg.FeeBps > 10_000 {
		return nil, fmt.Errorf("%w: fee bps out of range", ErrInvalidConfig)
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 500 * time.Millisecond
	}
	if cfg.ConfirmMaxWait <= 0 {
		cfg.ConfirmMaxWait = 60 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Signer{backend: backend, key: key, cfg: cfg, log: log}, nil
}

// Address returns the custodial account address.
func (s *Signer) Address() chainkey.Address {
	return s.key.Address()
}

// Fee computes the relay fee: max(floor(amount*feeBps/10000), MinFee).
func (s *Signer) Fee(amount uint64) uint64 {
	fee := amount * s.cfg.FeeBps / 10_000
	if fee < MinFee {
		return MinFee
	}
	return fee
}

// AmountAfterFee returns the amount forwarded after the relay fee, or 0
// when the fee consumes the whole amount.
func (s *Signer) AmountAfterFee(amount uint64) uint64 {
	fee := s.Fee(amount)
	if fee >= amount {
		return 0
	}
	return amount - fee
}

// Balance reads the custodial account balance.
func (s *Signer) Balance(ctx context.Context) (uint64, error) {
	return s.backend.GetBalance(ctx, s.key.Address())
}

// RelayUnshield validates the request, then builds, signs, submits, and
// confirms the withdrawal instruction. Validation failures have no side
// effects.
func (s *Signer) RelayUnshield(ctx context.Context, nullifier []byte, recipient string, amount uint64, proof []byte, denomination uint64) (RelayResult, error) {
	if !s.cfg.Enabled {
		return RelayResult{}, &RelayerError{Message: "relayer service is disabled", StatusCode: http.StatusServiceUnavailable}
	}
	if len(nullifier) != 32 {
		return RelayResult{}, invalidInput(fmt.Sprintf("nullifier must be 32 bytes, got %d", len(nullifier)))
	}
	recipientAddr, err := chainkey.ParseAddress(recipient)
	if err != nil {
		return RelayResult{}, invalidInput("malformed recipient address")
	}
	if amount == 0 {
		return RelayResult{}, invalidInput("amount must be > 0")
	}
	if len(proof) == 0 {
		return RelayResult{}, invalidInput("empty proof")
	}

	pool, vault, marker, err := s.deriveAccounts(nullifier, denomination)
	if err != nil {
		return RelayResult{}, fmt.Errorf("relay: derive pool accounts: %w", err)
	}

	ix := unshieldInstruction(s.cfg.PoolProgram, pool, marker, vault, recipientAddr, s.key.Address(), nullifier, amount, proof)

	blockhash, err := s.backend.GetLatestBlockhash(ctx)
	if err != nil {
		return RelayResult{}, &RelayerError{Message: "chain unavailable", StatusCode: http.StatusBadGateway}
	}
	tx, err := chaintx.Build(s.key, []chaintx.Instruction{ix}, blockhash)
	if err != nil {
		return RelayResult{}, fmt.Errorf("relay: build unshield transaction: %w", err)
	}
	sig, err := s.backend.SendTransaction(ctx, tx)
	if err != nil {
		s.log.Warn("unshield submission rejected", "recipient", recipient, "err", err)
		return RelayResult{}, &RelayerError{Message: "chain rejected unshield transaction", StatusCode: http.StatusBadGateway}
	}
	if err := s.backend.ConfirmSignature(ctx, sig, s.cfg.ConfirmPollInterval, s.cfg.ConfirmMaxWait); err != nil {
		s.log.Warn("unshield confirmation failed", "signature", sig, "err", err)
		return RelayResult{}, &RelayerError{Message: "unshield transaction did not confirm", StatusCode: http.StatusBadGateway}
	}

	fee := s.Fee(amount)
	s.log.Info("unshield relayed",
		"signature", sig,
		"recipient", recipient,
		"amount", amount,
		"fee", fee,
		"denomination", denomination,
	)
	return RelayResult{
		Signature:  sig,
		FeePaid:    fee,
		AmountSent: amount,
		Recipient:  recipient,
	}, nil
}

// SubmitInstructions builds, signs, submits, and confirms a transaction
// carrying the given instructions, paid by the custodial key.
func (s *Signer) SubmitInstructions(ctx context.Context, ixs []chaintx.Instruction) (string, error) {
	if len(ixs) == 0 {
		return "", fmt.Errorf("%w: no instructions", ErrInvalidConfig)
	}
	blockhash, err := s.backend.GetLatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("relay: blockhash: %w", err)
	}
	tx, err := chaintx.Build(s.key, ixs, blockhash)
	if err != nil {
		return "", fmt.Errorf("relay: build transaction: %w", err)
	}
	return s.submit(ctx, tx)
}

// SubmitProviderTransaction replaces the fee-payer signature slot on a
// provider-built transaction with the custodial signature, then submits
// and confirms it. The message itself is opaque.
func (s *Signer) SubmitProviderTransaction(ctx context.Context, raw []byte) (string, error) {
	tx, err := chaintx.ResignProviderTransaction(raw, s.key)
	if err != nil {
		return "", fmt.Errorf("relay: resign provider transaction: %w", err)
	}
	return s.submit(ctx, tx)
}

// TransferNative moves base units from the custodial account.
func (s *Signer) TransferNative(ctx context.Context, to chainkey.Address, amount uint64) (string, error) {
	if amount == 0 {
		return "", fmt.Errorf("%w: amount must be > 0", ErrInvalidConfig)
	}
	return s.SubmitInstructions(ctx, []chaintx.Instruction{
		systemTransferInstruction(s.key.Address(), to, amount),
	})
}

func (s *Signer) submit(ctx context.Context, tx []byte) (string, error) {
	sig, err := s.backend.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("relay: submit transaction: %w", err)
	}
	if err := s.backend.ConfirmSignature(ctx, sig, s.cfg.ConfirmPollInterval, s.cfg.ConfirmMaxWait); err != nil {
		return "", fmt.Errorf("relay: confirm %s: %w", sig, err)
	}
	return sig, nil
}

func systemTransferInstruction(from, to chainkey.Address, amount uint64) chaintx.Instruction {
	data := make([]byte, 0, 12)
	opcode := make([]byte, 4)
	binary.LittleEndian.PutUint32(opcode, 2)
	data = append(data, opcode...)
	data = append(data, chaintx.EncodeU64LE(amount)...)
	return chaintx.Instruction{
		ProgramID: systemProgram,
		Accounts: []chaintx.AccountMeta{
			{Address: from, IsSigner: true, IsWritable: true},
			{Address: to, IsWritable: true},
		},
		Data: data,
	}
}

// deriveAccounts computes the pool, vault, and nullifier-marker addresses
// the pool program expects for this denomination and nullifier.
func (s *Signer) deriveAccounts(nullifier []byte, denomination uint64) (pool, vault, marker chainkey.Address, err error) {
	denomLE := make([]byte, 8)
	binary.LittleEndian.PutUint64(denomLE, denomination)

	pool, _, err = chainkey.FindProgramAddress([][]byte{[]byte("pool"), denomLE}, s.cfg.PoolProgram)
	if err != nil {
		return
	}
	vault, _, err = chainkey.FindProgramAddress([][]byte{[]byte("vault"), pool[:]}, s.cfg.PoolProgram)
	if err != nil {
		return
	}
	marker, _, err = chainkey.FindProgramAddress([][]byte{[]byte("nullifier"), pool[:], nullifier}, s.cfg.PoolProgram)
	return
}

func unshieldInstruction(program, pool, marker, vault, recipient, relayer chainkey.Address, nullifier []byte, amount uint64, proof []byte) chaintx.Instruction {
	data := make([]byte, 0, 8+32+8+4+len(proof))
	data = append(data, unshieldDiscriminator[:]...)
	data = append(data, nullifier...)
	data = append(data, chaintx.EncodeU64LE(amount)...)
	proofLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(proofLen, uint32(len(proof)))
	data = append(data, proofLen...)
	data = append(data, proof...)

	return chaintx.Instruction{
		ProgramID: program,
		Accounts: []chaintx.AccountMeta{
			{Address: pool, IsWritable: true},
			{Address: marker, IsWritable: true},
			{Address: vault, IsWritable: true},
			{Address: recipient, IsWritable: true},
			{Address: relayer, IsSigner: true, IsWritable: true},
			{Address: systemProgram},
		},
		Data: data,
	}
}
