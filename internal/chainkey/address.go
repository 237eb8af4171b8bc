package chainkey

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var ErrInvalidAddress = errors.New("chainkey: invalid address")

// AddressLength is the byte length of an on-chain account address.
const AddressLength = 32

// Address is a 32-byte on-chain account address.
type Address [AddressLength]byte

// ParseAddress decodes a base58 account address and validates its length.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	b, err := base58.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: not base58", ErrInvalidAddress)
	}
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("%w: decoded length %d", ErrInvalidAddress, len(b))
	}
	var out Address
	copy(out[:], b)
	return out, nil
}

// MustParseAddress parses a known-good address and panics otherwise.
// Intended for package-level program id constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) Bytes() []byte {
	return append([]byte(nil), a[:]...)
}
