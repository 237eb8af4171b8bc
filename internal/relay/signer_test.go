package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/whalevault/relay/internal/chainkey"
)

type fakeBackend struct {
	balance uint64

	sentTxs    [][]byte
	sendErr    error
	confirmErr error
}

func (f *fakeBackend) GetBalance(context.Context, chainkey.Address) (uint64, error) {
	return f.balance, nil
}

func (f *fakeBackend) GetLatestBlockhash(context.Context) ([32]byte, error) {
	return [32]byte{0x22}, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx []byte) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentTxs = append(f.sentTxs, append([]byte(nil), tx...))
	return "sig-unshield", nil
}

func (f *fakeBackend) ConfirmSignature(context.Context, string, time.Duration, time.Duration) error {
	return f.confirmErr
}

func poolProgram() chainkey.Address {
	var a chainkey.Address
	a[0] = 0xaa
	return a
}

func newTestSigner(t *testing.T, backend *fakeBackend, enabled bool) *Signer {
	t.Helper()
	key, err := chainkey.NewKeypair(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{7}, ed25519.SeedSize)))
	if err != nil {
		t.Fatalf("NewKeypair: %v", err)
	}
	s, err := NewSigner(backend, key, Config{
		PoolProgram: poolProgram(),
		FeeBps:      50,
		Enabled:     enabled,
	}, nil)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func testRecipient() string {
	var a chainkey.Address
	for i := range a {
		a[i] = byte(i + 1)
	}
	return a.String()
}

func TestFee(t *testing.T) {
	t.Parallel()

	s := newTestSigner(t, &fakeBackend{}, true)

	// 50 bps of 2_000_000_000 = 10_000_000, well above the floor.
	if got := s.Fee(2_000_000_000); got != 10_000_000 {
		t.Fatalf("Fee = %d", got)
	}
	// Small amounts hit the floor.
	if got := s.Fee(1000); got != MinFee {
		t.Fatalf("Fee floor = %d", got)
	}
	if got := s.AmountAfterFee(2_000_000_000); got != 1_990_000_000 {
		t.Fatalf("AmountAfterFee = %d", got)
	}
	// Fee consuming the whole amount leaves nothing to forward.
	if got := s.AmountAfterFee(MinFee); got != 0 {
		t.Fatalf("AmountAfterFee(MinFee) = %d", got)
	}
}

func TestRelayUnshield_Validation(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	s := newTestSigner(t, backend, true)
	nullifier := bytes.Repeat([]byte{3}, 32)
	proof := bytes.Repeat([]byte{4}, 96)

	cases := []struct {
		name       string
		nullifier  []byte
		recipient  string
		amount     uint64
		proof      []byte
		wantStatus int
	}{
		{"short nullifier", nullifier[:31], testRecipient(), 100, proof, http.StatusBadRequest},
		{"bad recipient", nullifier, "bogus", 100, proof, http.StatusBadRequest},
		{"zero amount", nullifier, testRecipient(), 0, proof, http.StatusBadRequest},
		{"empty proof", nullifier, testRecipient(), 100, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.RelayUnshield(context.Background(), tc.nullifier, tc.recipient, tc.amount, tc.proof, 0)
			var relayErr *RelayerError
			if !errors.As(err, &relayErr) {
				t.Fatalf("err = %v", err)
			}
			if relayErr.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d", relayErr.StatusCode)
			}
		})
	}
	if len(backend.sentTxs) != 0 {
		t.Fatalf("validation failures must have no side effects, sent %d txs", len(backend.sentTxs))
	}
}

func TestRelayUnshield_Disabled(t *testing.T) {
	t.Parallel()

	s := newTestSigner(t, &fakeBackend{}, false)
	_, err := s.RelayUnshield(context.Background(), bytes.Repeat([]byte{3}, 32), testRecipient(), 100, []byte{1}, 0)

	var relayErr *RelayerError
	if !errors.As(err, &relayErr) || relayErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v", err)
	}
}

func TestRelayUnshield_Success(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	s := newTestSigner(t, backend, true)
	nullifier := bytes.Repeat([]byte{3}, 32)
	proof := bytes.Repeat([]byte{4}, 96)

	res, err := s.RelayUnshield(context.Background(), nullifier, testRecipient(), 2_000_000_000, proof, 0)
	if err != nil {
		t.Fatalf("RelayUnshield: %v", err)
	}
	if res.Signature != "sig-unshield" {
		t.Fatalf("signature = %q", res.Signature)
	}
	if res.FeePaid != 10_000_000 || res.AmountSent != 2_000_000_000 {
		t.Fatalf("result = %+v", res)
	}
	if len(backend.sentTxs) != 1 {
		t.Fatalf("sent %d txs", len(backend.sentTxs))
	}

	// The submitted transaction embeds the discriminator, nullifier,
	// little-endian amount, and length-prefixed proof.
	tx := backend.sentTxs[0]
	if !bytes.Contains(tx, unshieldDiscriminator[:]) {
		t.Fatalf("discriminator missing from transaction")
	}
	idx := bytes.Index(tx, unshieldDiscriminator[:])
	payload := tx[idx+8:]
	if !bytes.HasPrefix(payload, nullifier) {
		t.Fatalf("nullifier not after discriminator")
	}
	payload = payload[32:]
	if binary.LittleEndian.Uint64(payload[:8]) != 2_000_000_000 {
		t.Fatalf("amount = %d", binary.LittleEndian.Uint64(payload[:8]))
	}
	payload = payload[8:]
	if binary.LittleEndian.Uint32(payload[:4]) != 96 {
		t.Fatalf("proof length = %d", binary.LittleEndian.Uint32(payload[:4]))
	}
	if !bytes.HasPrefix(payload[4:], proof) {
		t.Fatalf("proof bytes missing")
	}
}

func TestRelayUnshield_ChainRejection(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{sendErr: errors.New("nullifier already used")}
	s := newTestSigner(t, backend, true)

	_, err := s.RelayUnshield(context.Background(), bytes.Repeat([]byte{3}, 32), testRecipient(), 100, []byte{1}, 0)
	var relayErr *RelayerError
	if !errors.As(err, &relayErr) || relayErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}

	backend2 := &fakeBackend{confirmErr: errors.New("timed out")}
	s2 := newTestSigner(t, backend2, true)
	_, err = s2.RelayUnshield(context.Background(), bytes.Repeat([]byte{3}, 32), testRecipient(), 100, []byte{1}, 0)
	if !errors.As(err, &relayErr) || relayErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("confirm err = %v", err)
	}
}

func TestBalance(t *testing.T) {
	t.Parallel()

	s := newTestSigner(t, &fakeBackend{balance: 123_456}, true)
	got, err := s.Balance(context.Background())
	if err != nil || got != 123_456 {
		t.Fatalf("Balance = %d, %v", got, err)
	}
	if s.Address().IsZero() {
		t.Fatalf("custodial address is zero")
	}
}
