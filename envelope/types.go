// Package envelope implements the signed-chain message model: canonical
// hashing, BIP-340 Schnorr signing against a pre-committed nonce, and
// self-authentication of received envelopes.
package envelope

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash is a CanonicalEnvelopeHash: the SHA-256 digest of an envelope's
// canonical encoding with its signature stripped.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("envelope: invalid hash hex: %w", err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("envelope: hash must be %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return nil
}

// IsZero reports whether h is the all-zero placeholder hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// XOnlyPubKey is a BIP-340 x-only secp256k1 public key: the owner identity
// of a chain.
type XOnlyPubKey [32]byte

func (k XOnlyPubKey) String() string { return hex.EncodeToString(k[:]) }

func (k XOnlyPubKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *XOnlyPubKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("envelope: invalid key hex: %w", err)
	}
	if len(raw) != len(k) {
		return fmt.Errorf("envelope: key must be %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return nil
}

// PublicNonce is the x-only serialization of a pre-committed nonce point
// k*G, published in one envelope to be used by the signature of the next.
type PublicNonce [32]byte

func (n PublicNonce) String() string { return hex.EncodeToString(n[:]) }

func (n PublicNonce) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

func (n *PublicNonce) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("envelope: invalid nonce hex: %w", err)
	}
	if len(raw) != len(n) {
		return fmt.Errorf("envelope: nonce must be %d bytes, got %d", len(n), len(raw))
	}
	copy(n[:], raw)
	return nil
}

// SecretNonce is the scalar k behind a PublicNonce. It is never placed on
// the wire; the database is responsible for enforcing that it is consumed
// (read) at most once (invariant I4).
type SecretNonce [32]byte

// Zero overwrites the secret scalar in place once it has been consumed.
func (s *SecretNonce) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// Ancestors links a non-genesis envelope to its chain's genesis and its
// immediate predecessor.
type Ancestors struct {
	Genesis Hash `json:"genesis"`
	PrevMsg Hash `json:"prev_msg"`
}

// TipEntry is one entry of a header's tips field: the highest-height
// envelope of some other chain known to the author at authoring time.
type TipEntry struct {
	Key    XOnlyPubKey
	Height uint64
	Hash   Hash
}

// MarshalJSON encodes a TipEntry as the 3-tuple [key, height, hash] the
// wire format uses.
func (t TipEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{t.Key, t.Height, t.Hash})
}

// UnmarshalJSON decodes a TipEntry from the 3-tuple [key, height, hash].
func (t *TipEntry) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("envelope: tip entry must be a 3-tuple: %w", err)
	}
	if err := json.Unmarshal(raw[0], &t.Key); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &t.Height); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &t.Hash)
}

// BitcoinCheckpoints is an opaque map of external chain identifier to the
// last observed height/hash, carried but not interpreted by this package;
// the on-chain checkpoint oracle is an external collaborator.
type BitcoinCheckpoints map[string]CheckpointEntry

// CheckpointEntry is one observed checkpoint.
type CheckpointEntry struct {
	Height uint64 `json:"height"`
	Hash   Hash   `json:"hash"`
}

// Unsigned carries the mutable signature slot that canonicalization strips.
type Unsigned struct {
	Signature []byte `json:"signature"`
}

// Header is the envelope's signed metadata.
type Header struct {
	Height      uint64             `json:"height"`
	Ancestors   *Ancestors         `json:"ancestors"`
	Tips        []TipEntry         `json:"tips"`
	NextNonce   PublicNonce        `json:"next_nonce"`
	Key         XOnlyPubKey        `json:"key"`
	SentTimeMs  uint64             `json:"sent_time_ms"`
	Checkpoints BitcoinCheckpoints `json:"checkpoints"`
	Unsigned    Unsigned           `json:"unsigned"`
}

// Envelope is one signed message in a chain.
type Envelope struct {
	Header Header          `json:"header"`
	Msg    json.RawMessage `json:"msg"`
}

// Authentic wraps an Envelope that has passed SelfAuthenticate, so callers
// further down the pipeline (the database, the protocol layer) can require
// proof of authentication in their type signatures instead of re-checking.
type Authentic struct {
	env Envelope
}

// Inner returns the wrapped, now-verified envelope.
func (a Authentic) Inner() Envelope { return a.env }
