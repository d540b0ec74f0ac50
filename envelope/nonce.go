package envelope

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// NewSecretNonce draws a fresh, uniformly random secret nonce scalar from
// r. Callers must persist it (attestdb does so) and must never sign more
// than one envelope against it (invariant I4).
func NewSecretNonce(r io.Reader) (SecretNonce, error) {
	var n SecretNonce
	for {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return SecretNonce{}, err
		}
		var scalar btcec.ModNScalar
		overflow := scalar.SetBytes((*[32]byte)(&n))
		if overflow == 0 && !scalar.IsZero() {
			return n, nil
		}
	}
}

// Public derives the PublicNonce (x-only serialization of k*G) committed
// to by a SecretNonce.
func (s SecretNonce) Public() (PublicNonce, error) {
	var scalar btcec.ModNScalar
	if overflow := scalar.SetBytes((*[32]byte)(&s)); overflow != 0 {
		return PublicNonce{}, ErrNonceMismatch
	}
	if scalar.IsZero() {
		return PublicNonce{}, ErrNonceMismatch
	}

	var point btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&scalar, &point)
	point.ToAffine()
	pub := btcec.NewPublicKey(&point.X, &point.Y)

	var out PublicNonce
	compressed := pub.SerializeCompressed()
	copy(out[:], compressed[1:])
	return out, nil
}
