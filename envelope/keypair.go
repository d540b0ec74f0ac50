package envelope

import (
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// KeyPair is the offline or keystore-held key material behind one chain.
type KeyPair struct {
	priv *btcec.PrivateKey
	pub  XOnlyPubKey
}

// GenerateKeyPair draws a fresh secp256k1 keypair from r and derives its
// x-only public key.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	var raw [32]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, err
	}
	return newKeyPair(btcec.PrivKeyFromBytes(raw[:])), nil
}

// newKeyPair derives the BIP-340 x-only public key, which is simply the
// x-coordinate of priv's public point, independent of y's parity.
func newKeyPair(priv *btcec.PrivateKey) *KeyPair {
	var pub XOnlyPubKey
	copy(pub[:], priv.PubKey().SerializeCompressed()[1:])
	return &KeyPair{priv: priv, pub: pub}
}

// PublicKey returns the chain's x-only public key.
func (k *KeyPair) PublicKey() XOnlyPubKey { return k.pub }

// Bytes returns the 32-byte serialization of the private scalar, for
// storage in attestdb's keymap table.
func (k *KeyPair) Bytes() []byte { return k.priv.Serialize() }

// LoadKeyPair reconstructs a KeyPair from bytes previously returned by
// Bytes.
func LoadKeyPair(raw []byte) (*KeyPair, error) {
	if len(raw) != 32 {
		return nil, ErrKeyMismatch
	}
	return newKeyPair(btcec.PrivKeyFromBytes(raw)), nil
}
