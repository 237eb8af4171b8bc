package proofgen

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/whalevault/relay/internal/chainkey"
)

func testRecipient() string {
	var a chainkey.Address
	for i := range a {
		a[i] = byte(i + 1)
	}
	return a.String()
}

func TestGenerateProof_Deterministic(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	commitment := strings.Repeat("ab", 32)
	secret := strings.Repeat("cd", 32)

	p1, err := e.GenerateProof(commitment, secret, 2_000_000_000, testRecipient())
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	p2, err := e.GenerateProof(commitment, secret, 2_000_000_000, testRecipient())
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}

	if len(p1.Proof) != ProofSize {
		t.Fatalf("proof length = %d", len(p1.Proof))
	}
	if !bytes.Equal(p1.Proof, p2.Proof) || p1.Nullifier != p2.Nullifier {
		t.Fatalf("proof generation not deterministic")
	}
	if p1.PublicInputs.Amount != 2_000_000_000 {
		t.Fatalf("amount = %d", p1.PublicInputs.Amount)
	}
	if p1.PublicInputs.Commitment != commitment {
		t.Fatalf("commitment public input = %q", p1.PublicInputs.Commitment)
	}
}

func TestGenerateProof_InputsBindProof(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	commitment := strings.Repeat("ab", 32)
	base, err := e.GenerateProof(commitment, strings.Repeat("cd", 32), 100, testRecipient())
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}

	other, err := e.GenerateProof(commitment, strings.Repeat("cd", 32), 101, testRecipient())
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	if bytes.Equal(base.Proof, other.Proof) {
		t.Fatalf("amount change did not change the proof")
	}

	diffSecret, err := e.GenerateProof(commitment, strings.Repeat("ce", 32), 100, testRecipient())
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	if diffSecret.Nullifier == base.Nullifier {
		t.Fatalf("secret change did not change the nullifier")
	}
}

func TestGenerateProof_AcceptsHexPrefix(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	plain, err := e.GenerateProof(strings.Repeat("ab", 32), strings.Repeat("cd", 32), 5, testRecipient())
	if err != nil {
		t.Fatalf("GenerateProof: %v", err)
	}
	prefixed, err := e.GenerateProof("0x"+strings.Repeat("ab", 32), "0x"+strings.Repeat("cd", 32), 5, testRecipient())
	if err != nil {
		t.Fatalf("GenerateProof with prefix: %v", err)
	}
	if !bytes.Equal(plain.Proof, prefixed.Proof) {
		t.Fatalf("0x prefix changed the proof")
	}
	if prefixed.PublicInputs.Commitment != plain.PublicInputs.Commitment {
		t.Fatalf("0x prefix leaked into public inputs")
	}
}

func TestGenerateProof_Rejects(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	valid := strings.Repeat("ab", 32)

	cases := []struct {
		name               string
		commitment, secret string
		amount             uint64
		recipient          string
	}{
		{"bad commitment hex", "zz", valid, 1, testRecipient()},
		{"short secret", valid, "abcd", 1, testRecipient()},
		{"bad recipient", valid, valid, 1, "not-an-address"},
		{"zero amount", valid, valid, 0, testRecipient()},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.GenerateProof(tc.commitment, tc.secret, tc.amount, tc.recipient)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if strings.Contains(err.Error(), tc.secret) && len(tc.secret) > 8 {
				t.Fatalf("error leaks secret material: %v", err)
			}
		})
	}
}

func TestGenerateCommitment(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	c1, err := e.GenerateCommitment(1_000_000)
	if err != nil {
		t.Fatalf("GenerateCommitment: %v", err)
	}
	c2, err := e.GenerateCommitment(1_000_000)
	if err != nil {
		t.Fatalf("GenerateCommitment: %v", err)
	}
	if c1.Commitment == c2.Commitment || c1.Secret == c2.Secret {
		t.Fatalf("commitments must be unique per call")
	}

	// The commitment opens into a valid proof.
	if _, err := e.GenerateProof(c1.Commitment, c1.Secret, 1_000_000, testRecipient()); err != nil {
		t.Fatalf("GenerateProof from fresh commitment: %v", err)
	}
}
