package envelope

import (
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// SelfAuthenticate checks that env is internally well formed and that its
// signature verifies under its own header key. It does not consult any
// external state.
func SelfAuthenticate(env Envelope) (Authentic, error) {
	if err := checkHeaderShape(env.Header); err != nil {
		return Authentic{}, err
	}

	pub, err := schnorr.ParsePubKey(env.Header.Key[:])
	if err != nil {
		return Authentic{}, ErrMalformedHeader
	}
	sig, err := schnorr.ParseSignature(env.Header.Unsigned.Signature)
	if err != nil {
		return Authentic{}, ErrBadSignature
	}

	unsigned := env
	unsigned.Header.Unsigned = Unsigned{}
	hash, err := CanonicalHash(unsigned)
	if err != nil {
		return Authentic{}, ErrMalformedHeader
	}

	if !sig.Verify(hash[:], pub) {
		return Authentic{}, ErrBadSignature
	}
	return Authentic{env: env}, nil
}

// checkHeaderShape enforces that ancestors are present exactly when height
// demands them and that a next nonce and key are both set.
func checkHeaderShape(h Header) error {
	if h.Height == 0 && h.Ancestors != nil {
		return ErrMalformedHeader
	}
	if h.Height > 0 && h.Ancestors == nil {
		return ErrMalformedHeader
	}
	if h.Key == (XOnlyPubKey{}) {
		return ErrMalformedHeader
	}
	if h.NextNonce == (PublicNonce{}) {
		return ErrMalformedHeader
	}
	return nil
}
