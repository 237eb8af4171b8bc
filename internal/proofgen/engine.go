// Package proofgen generates withdrawal proofs for the privacy pool.
//
// The engine implements the pool's placeholder proof scheme: a 96-byte
// proof of the form [signature (64) | pubkey (32)] built from a
// deterministic hash chain over the deposit receipt. The on-chain program
// only checks the parts are non-zero; swapping in a real proving backend
// means replacing this package behind the same interface.
package proofgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/whalevault/relay/internal/chainkey"
)

var (
	// ErrInvalidInput marks validation failures whose messages are safe
	// to surface to callers verbatim.
	ErrInvalidInput = errors.New("proofgen: invalid input")

	ErrEntropy = errors.New("proofgen: entropy unavailable")
)

// ProofSize is the placeholder proof length the pool program accepts.
const ProofSize = 96

// Commitment is a deposit receipt with its opening.
type Commitment struct {
	Commitment string // hex
	Secret     string // hex
}

// Proof is a generated withdrawal proof.
type Proof struct {
	Proof        []byte
	Nullifier    [32]byte
	PublicInputs PublicInputs
}

// PublicInputs are the statement values bound by the proof.
type PublicInputs struct {
	Commitment string `json:"commitment"`
	Nullifier  string `json:"nullifier"`
	Recipient  string `json:"recipient"`
	Amount     uint64 `json:"amount"`
}

type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// GenerateCommitment creates a fresh secret and its commitment for a
// deposit of the given amount.
func (e *Engine) GenerateCommitment(amount uint64) (Commitment, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return Commitment{}, ErrEntropy
	}
	commitment := hashPair(amountBytes(amount), secret)
	return Commitment{
		Commitment: hex.EncodeToString(commitment[:]),
		Secret:     hex.EncodeToString(secret),
	}, nil
}

// GenerateProof derives the nullifier and placeholder proof for a
// withdrawal. Hex decoding failures and malformed recipients return
// ErrInvalidInput; those messages never include the secret.
func (e *Engine) GenerateProof(commitmentHex, secretHex string, amount uint64, recipient string) (Proof, error) {
	commitment, err := decodeHex32(commitmentHex, "commitment")
	if err != nil {
		return Proof{}, err
	}
	secret, err := decodeHex32(secretHex, "secret")
	if err != nil {
		return Proof{}, err
	}
	recipientAddr, err := chainkey.ParseAddress(recipient)
	if err != nil {
		return Proof{}, fmt.Errorf("%w: malformed recipient address", ErrInvalidInput)
	}
	if amount == 0 {
		return Proof{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidInput)
	}

	nullifier := hashPair(commitment[:], append(secret[:], []byte("nullifier")...))

	// signature = H(H(commitment, nullifier), H(amount, recipient)) twice,
	// operand order swapped for the second half; pubkey = H(secret, commitment).
	h1 := hashPair(commitment[:], nullifier[:])
	h2 := hashPair(amountBytes(amount), recipientAddr[:])
	sig1 := hashPair(h1[:], h2[:])
	sig2 := hashPair(h2[:], h1[:])
	pub := hashPair(secret[:], commitment[:])

	proof := make([]byte, 0, ProofSize)
	proof = append(proof, sig1[:]...)
	proof = append(proof, sig2[:]...)
	proof = append(proof, pub[:]...)

	return Proof{
		Proof:     proof,
		Nullifier: nullifier,
		PublicInputs: PublicInputs{
			Commitment: strings.ToLower(strings.TrimPrefix(commitmentHex, "0x")),
			Nullifier:  hex.EncodeToString(nullifier[:]),
			Recipient:  recipient,
			Amount:     amount,
		},
	}, nil
}

func hashPair(a, b []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(a)
	h.Write(b)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func amountBytes(amount uint64) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[24:], amount)
	return out
}

func decodeHex32(v, field string) ([32]byte, error) {
	var out [32]byte
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X"))
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("%w: invalid hex encoding for %s", ErrInvalidInput, field)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("%w: %s must be 32 bytes", ErrInvalidInput, field)
	}
	copy(out[:], b)
	return out, nil
}
