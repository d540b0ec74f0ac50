package envelope

import (
	"crypto/rand"
	"io"
)

// NewUser is the key and nonce material produced for a freshly minted
// chain: the keypair, the signed genesis envelope, and the secret nonce
// to be used for the chain's next envelope (whose public half the genesis
// envelope commits to as next_nonce). The nonce that signed the genesis
// envelope is zeroed and not returned.
type NewUser struct {
	KeyPair        *KeyPair
	GenesisEnvelope Envelope
	NextSecret     SecretNonce
}

// GenerateNewUser mints a new chain: a fresh keypair, two fresh nonces (one
// to sign the genesis envelope, one committed as its next_nonce), and a
// signed height-0 envelope with msg null.
func GenerateNewUser(r io.Reader) (*NewUser, error) {
	if r == nil {
		r = rand.Reader
	}

	kp, err := GenerateKeyPair(r)
	if err != nil {
		return nil, err
	}

	signingSecret, err := NewSecretNonce(r)
	if err != nil {
		return nil, err
	}
	nextSecret, err := NewSecretNonce(r)
	if err != nil {
		return nil, err
	}
	nextPublic, err := nextSecret.Public()
	if err != nil {
		return nil, err
	}

	env := Envelope{
		Header: Header{
			Height:    0,
			Ancestors: nil,
			Tips:      nil,
			NextNonce: nextPublic,
			Key:       kp.PublicKey(),
		},
		Msg: []byte("null"),
	}

	if err := Sign(&env, kp, signingSecret); err != nil {
		return nil, err
	}
	signingSecret.Zero()

	return &NewUser{
		KeyPair:         kp,
		GenesisEnvelope: env,
		NextSecret:      nextSecret,
	}, nil
}
