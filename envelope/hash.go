package envelope

import "crypto/sha256"

// CanonicalHash returns the CanonicalEnvelopeHash of env: the SHA-256
// digest of its canonical encoding.
func CanonicalHash(env Envelope) (Hash, error) {
	canon, err := Canonicalize(env)
	if err != nil {
		return Hash{}, err
	}
	return sha256.Sum256(canon), nil
}

// GenesisHash returns the hash that identifies env's chain: for a height-0
// envelope this is its own canonical hash, for any other height it is
// env.Header.Ancestors.Genesis.
func GenesisHash(env Envelope) (Hash, error) {
	if env.Header.Height == 0 {
		return CanonicalHash(env)
	}
	if env.Header.Ancestors == nil {
		return Hash{}, ErrMalformedHeader
	}
	return env.Header.Ancestors.Genesis, nil
}
