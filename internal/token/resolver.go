// Package token resolves per-owner token accounts and builds token
// transfer instructions for both token-program variants.
package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/whalevault/relay/internal/chainkey"
	"github.com/whalevault/relay/internal/chainrpc"
	"github.com/whalevault/relay/internal/chaintx"
)

var ErrInvalidConfig = errors.New("token: invalid config")

var (
	// ProgramStandard is the original token program.
	ProgramStandard = chainkey.MustParseAddress("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	// Program2022 is the extensions token program; transfers through it
	// must use the checked variant carrying mint and decimals.
	Program2022 = chainkey.MustParseAddress("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	associatedTokenProgram = chainkey.MustParseAddress("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	systemProgram          = chainkey.MustParseAddress("11111111111111111111111111111111")
)

const (
	opTransfer        = 3
	opTransferChecked = 12

	// mintDecimalsOffset is the decimals byte in the mint account layout:
	// 4 (authority option) + 32 (authority) + 8 (supply).
	mintDecimalsOffset = 44

	// DefaultDecimals is assumed when the mint layout cannot be read.
	DefaultDecimals = 9
)

// Backend is the chain capability set the resolver needs.
type Backend interface {
	GetAccountInfo(ctx context.Context, addr chainkey.Address) (chainrpc.AccountInfo, error)
	GetLatestBlockhash(ctx context.Context) ([32]byte, error)
	SendTransaction(ctx context.Context, tx []byte) (string, error)
	ConfirmSignature(ctx context.Context, signature string, pollInterval, maxWait time.Duration) error
}

type Config struct {
	// Payer funds and signs token account creations.
	Payer *chainkey.Keypair

	ConfirmPollInterval time.Duration
	ConfirmMaxWait      time.Duration
}

type Resolver struct {
	backend Backend
	payer   *chainkey.Keypair
	cfg     Config
	log     *slog.Logger
}

func NewResolver(backend Backend, cfg Config, log *slog.Logger) (*Resolver, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidConfig)
	}
	if cfg.Payer == nil {
		return nil, fmt.Errorf("%w: nil payer", ErrInvalidConfig)
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 500 * time.Millisecond
	}
	if cfg.ConfirmMaxWait <= 0 {
		cfg.ConfirmMaxWait = 30 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{backend: backend, payer: cfg.Payer, cfg: cfg, log: log}, nil
}

// DetectProgram returns which token program owns the mint. Lookup failures
// fall back to the standard program.
func (r *Resolver) DetectProgram(ctx context.Context, mint chainkey.Address) chainkey.Address {
	info, err := r.backend.GetAccountInfo(ctx, mint)
	if err != nil {
		r.log.Warn("token program detection failed, assuming standard", "mint", mint.String(), "err", err)
		return ProgramStandard
	}
	if info.Owner == Program2022 {
		return Program2022
	}
	return ProgramStandard
}

// MintDecimals reads the mint's decimals field, defaulting when the
// account is missing or the layout is short.
func (r *Resolver) MintDecimals(ctx context.Context, mint chainkey.Address) uint8 {
	info, err := r.backend.GetAccountInfo(ctx, mint)
	if err != nil || len(info.Data) <= mintDecimalsOffset {
		r.log.Warn("mint decimals unavailable, using default", "mint", mint.String(), "default", DefaultDecimals)
		return DefaultDecimals
	}
	return info.Data[mintDecimalsOffset]
}

// DeriveAssociatedAccount computes the deterministic token account address
// for (owner, mint) under the given token program.
func DeriveAssociatedAccount(owner, mint, program chainkey.Address) (chainkey.Address, error) {
	addr, _, err := chainkey.FindProgramAddress([][]byte{owner[:], program[:], mint[:]}, associatedTokenProgram)
	return addr, err
}

// EnsureAccountExists checks for the owner's associated token account and
// creates it when missing, paid for and signed by the configured payer.
// Returns whether a creation transaction was submitted.
func (r *Resolver) EnsureAccountExists(ctx context.Context, owner, mint, program chainkey.Address) (bool, error) {
	account, err := DeriveAssociatedAccount(owner, mint, program)
	if err != nil {
		return false, err
	}

	_, err = r.backend.GetAccountInfo(ctx, account)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, chainrpc.ErrAccountNotFound) {
		return false, fmt.Errorf("token: check account %s: %w", account, err)
	}

	ix := createAssociatedAccountInstruction(r.payer.Address(), owner, mint, account, program)
	blockhash, err := r.backend.GetLatestBlockhash(ctx)
	if err != nil {
		return false, fmt.Errorf("token: blockhash for account creation: %w", err)
	}
	tx, err := chaintx.Build(r.payer, []chaintx.Instruction{ix}, blockhash)
	if err != nil {
		return false, fmt.Errorf("token: build account creation: %w", err)
	}
	sig, err := r.backend.SendTransaction(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("token: submit account creation: %w", err)
	}
	if err := r.backend.ConfirmSignature(ctx, sig, r.cfg.ConfirmPollInterval, r.cfg.ConfirmMaxWait); err != nil {
		return false, fmt.Errorf("token: confirm account creation: %w", err)
	}
	r.log.Info("created associated token account",
		"account", account.String(),
		"owner", owner.String(),
		"mint", mint.String(),
		"signature", sig,
	)
	return true, nil
}

// TransferInstruction encodes a token transfer. The standard program uses
// the plain transfer opcode with a little-endian amount; the extensions
// program requires the checked variant carrying mint and decimals.
func TransferInstruction(source, dest, owner chainkey.Address, amount uint64, program, mint chainkey.Address, decimals uint8) chaintx.Instruction {
	if program == Program2022 {
		data := make([]byte, 0, 10)
		data = append(data, opTransferChecked)
		data = append(data, chaintx.EncodeU64LE(amount)...)
		data = append(data, decimals)
		return chaintx.Instruction{
			ProgramID: program,
			Accounts: []chaintx.AccountMeta{
				{Address: source, IsWritable: true},
				{Address: mint},
				{Address: dest, IsWritable: true},
				{Address: owner, IsSigner: true},
			},
			Data: data,
		}
	}

	data := append([]byte{opTransfer}, chaintx.EncodeU64LE(amount)...)
	return chaintx.Instruction{
		ProgramID: program,
		Accounts: []chaintx.AccountMeta{
			{Address: source, IsWritable: true},
			{Address: dest, IsWritable: true},
			{Address: owner, IsSigner: true},
		},
		Data: data,
	}
}

func createAssociatedAccountInstruction(payer, owner, mint, account, program chainkey.Address) chaintx.Instruction {
	return chaintx.Instruction{
		ProgramID: associatedTokenProgram,
		Accounts: []chaintx.AccountMeta{
			{Address: payer, IsSigner: true, IsWritable: true},
			{Address: account, IsWritable: true},
			{Address: owner},
			{Address: mint},
			{Address: systemProgram},
			{Address: program},
		},
	}
}

