package chainkey

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrInvalidKeypair = errors.New("chainkey: invalid keypair")

// Keypair is an ed25519 signing key with its on-chain address.
//
// Errors returned by this package are sanitized and never include key
// material.
type Keypair struct {
	priv ed25519.PrivateKey
	addr Address
}

// NewKeypair wraps an ed25519 private key.
func NewKeypair(priv ed25519.PrivateKey) (*Keypair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: bad private key size", ErrInvalidKeypair)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad public key", ErrInvalidKeypair)
	}
	var addr Address
	copy(addr[:], pub)
	return &Keypair{priv: priv, addr: addr}, nil
}

// LoadKeypairFile loads a keypair from the standard wallet file format:
// a JSON array of 64 bytes (32-byte seed followed by 32-byte public key).
func LoadKeypairFile(path string) (*Keypair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s", ErrInvalidKeypair, path)
	}
	return ParseKeypairJSON(raw)
}

// ParseKeypairJSON parses the JSON byte-array wallet format.
func ParseKeypairJSON(raw []byte) (*Keypair, error) {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("%w: not a JSON byte array", ErrInvalidKeypair)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeypair, ed25519.PrivateKeySize, len(ints))
	}
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: byte out of range at index %d", ErrInvalidKeypair, i)
		}
		key[i] = byte(v)
	}
	// Re-derive the key from the seed half; the file's embedded public key
	// must match the derived one or the wallet file is corrupt.
	derived := ed25519.NewKeyFromSeed(key[:32])
	kp, err := NewKeypair(derived)
	if err != nil {
		return nil, err
	}
	var embedded Address
	copy(embedded[:], key[32:])
	if embedded != kp.addr {
		return nil, fmt.Errorf("%w: embedded public key mismatch", ErrInvalidKeypair)
	}
	return kp, nil
}

func (k *Keypair) Address() Address {
	if k == nil {
		return Address{}
	}
	return k.addr
}

// Sign produces a 64-byte ed25519 signature over msg.
func (k *Keypair) Sign(msg []byte) [64]byte {
	var out [64]byte
	if k == nil || len(k.priv) != ed25519.PrivateKeySize {
		return out
	}
	copy(out[:], ed25519.Sign(k.priv, msg))
	return out
}
