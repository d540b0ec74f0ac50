package attestdb

import (
	"encoding/json"
	"time"

	"github.com/tos-network/attest/envelope"
)

// WrapMessageInEnvelopeForUserByKey composes and signs a new envelope for
// keypair's chain:
//
//	(a) reads the current tip for keypair's key
//	(b) reads the tip set of every other known chain
//	(c) computes the canonical hashes that populate the new header's tips
//	(d) consumes the secret nonce committed by the prior tip
//	(e) generates a fresh next_nonce and persists its secret
//	(f) signs
//
// If signing fails after the nonce in (d) has been consumed and (e)'s
// fresh nonce generated, the freshly generated nonce remains valid and
// unconsumed in storage — it is simply unused by this call, consistent
// with the commit-or-rollback semantics of the enclosing Handle.
func (h *Handle) WrapMessageInEnvelopeForUserByKey(
	msg json.RawMessage,
	keypair *envelope.KeyPair,
	checkpoints envelope.BitcoinCheckpoints,
	bypassTip *envelope.Envelope,
) (envelope.Envelope, error) {
	key := keypair.PublicKey()

	allTips, err := h.GetTipsForAllUsers()
	if err != nil {
		return envelope.Envelope{}, err
	}
	var tips []envelope.TipEntry
	for _, tip := range allTips {
		if tip.Header.Key == key {
			continue
		}
		hash, err := envelope.CanonicalHash(tip)
		if err != nil {
			return envelope.Envelope{}, err
		}
		tips = append(tips, envelope.TipEntry{
			Key:    tip.Header.Key,
			Height: tip.Header.Height,
			Hash:   hash,
		})
	}

	var myTip envelope.Envelope
	if bypassTip != nil {
		myTip = *bypassTip
	} else {
		myTip, err = h.GetTipForUserByKey(key)
		if err != nil {
			return envelope.Envelope{}, err
		}
	}

	secret, err := h.GetSecretForPublicNonce(myTip.Header.NextNonce)
	if err != nil {
		return envelope.Envelope{}, err
	}

	nextNonce, err := h.GenerateFreshNonceForUserByKey(key)
	if err != nil {
		return envelope.Envelope{}, err
	}

	genesis, err := envelope.GenesisHash(myTip)
	if err != nil {
		return envelope.Envelope{}, err
	}
	prevHash, err := envelope.CanonicalHash(myTip)
	if err != nil {
		return envelope.Envelope{}, err
	}

	env := envelope.Envelope{
		Header: envelope.Header{
			Height: myTip.Header.Height + 1,
			Ancestors: &envelope.Ancestors{
				Genesis: genesis,
				PrevMsg: prevHash,
			},
			Tips:        tips,
			NextNonce:   nextNonce,
			Key:         key,
			SentTimeMs:  uint64(time.Now().UnixMilli()),
			Checkpoints: checkpoints,
		},
		Msg: msg,
	}

	err = envelope.Sign(&env, keypair, secret)
	secret.Zero()
	if err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}
