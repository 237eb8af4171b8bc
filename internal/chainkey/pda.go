package chainkey

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

var ErrDerivation = errors.New("chainkey: program address derivation failed")

// FindProgramAddress derives the program-owned address for the given seeds,
// searching bump seeds from 255 downward for the first derived hash that
// does not land on the ed25519 curve.
func FindProgramAddress(seeds [][]byte, program Address) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program[:])
		h.Write([]byte("ProgramDerivedAddress"))
		sum := h.Sum(nil)

		if !onCurve(sum) {
			var out Address
			copy(out[:], sum)
			return out, uint8(bump), nil
		}
	}
	return Address{}, 0, fmt.Errorf("%w: no off-curve bump", ErrDerivation)
}

func onCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
