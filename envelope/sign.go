package envelope

import (
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Sign computes a BIP-340 Schnorr signature over H(canonicalize(env)) using
// keypair and the supplied pre-committed secret nonce, and fills
// env.Header.Unsigned.Signature with the result.
//
// Sign fails with ErrKeyMismatch if keypair's public key is not
// env.Header.Key, and with ErrNonceMismatch if secret is not a valid
// scalar.
func Sign(env *Envelope, keypair *KeyPair, secret SecretNonce) error {
	if keypair.PublicKey() != env.Header.Key {
		return ErrKeyMismatch
	}
	if _, err := secret.Public(); err != nil {
		return ErrNonceMismatch
	}

	hash, err := CanonicalHash(*env)
	if err != nil {
		return &SigningError{msg: err.Error()}
	}

	sig, err := schnorr.Sign(keypair.priv, hash[:], schnorr.CustomNonce(secret))
	if err != nil {
		return &SigningError{msg: err.Error()}
	}
	env.Header.Unsigned.Signature = sig.Serialize()
	return nil
}

// SignatureNonceX returns the x-coordinate of the nonce point R embedded in
// env's signature, i.e. the first 32 bytes of the 64-byte Schnorr
// signature. The database layer compares this against the previous
// envelope's published next_nonce to enforce invariant I3; this package
// only verifies the signature is valid, since it has no notion of "the
// previous envelope".
func SignatureNonceX(env Envelope) (PublicNonce, error) {
	if len(env.Header.Unsigned.Signature) != 64 {
		return PublicNonce{}, ErrMalformedHeader
	}
	var x PublicNonce
	copy(x[:], env.Header.Unsigned.Signature[:32])
	return x, nil
}
