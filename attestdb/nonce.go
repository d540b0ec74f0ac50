package attestdb

import (
	"crypto/rand"
	"database/sql"
	"errors"

	"github.com/tos-network/attest/envelope"
)

// GenerateFreshNonceForUserByKey draws a new secret nonce, persists it
// against key, and returns its public half. Side-effectful: the secret is
// stored unconsumed, ready for the next envelope key signs.
func (h *Handle) GenerateFreshNonceForUserByKey(key envelope.XOnlyPubKey) (envelope.PublicNonce, error) {
	secret, err := envelope.NewSecretNonce(rand.Reader)
	if err != nil {
		return envelope.PublicNonce{}, err
	}
	public, err := secret.Public()
	if err != nil {
		return envelope.PublicNonce{}, err
	}
	if err := h.SaveNonceForUserByKey(public, secret, key); err != nil {
		return envelope.PublicNonce{}, err
	}
	return public, nil
}

// SaveNonceForUserByKey persists a nonce pair against key, unconsumed. Used
// both by GenerateFreshNonceForUserByKey and directly at chain creation for
// the genesis nonce.
func (h *Handle) SaveNonceForUserByKey(public envelope.PublicNonce, secret envelope.SecretNonce, key envelope.XOnlyPubKey) error {
	_, err := h.tx.Exec(`
		INSERT INTO nonces (pubnonce, key, secnonce, consumed) VALUES (?, ?, ?, 0)
	`, public.String(), key.String(), secret[:])
	return classifyConstraint(err)
}

// GetSecretForPublicNonce marks the nonce behind public consumed and then
// reads its secret back, both inside the handle's transaction, so a second
// call for the same nonce returns ErrNonceConsumed (invariant I4).
func (h *Handle) GetSecretForPublicNonce(public envelope.PublicNonce) (envelope.SecretNonce, error) {
	res, err := h.tx.Exec(`
		UPDATE nonces SET consumed = 1 WHERE pubnonce = ? AND consumed = 0
	`, public.String())
	if err != nil {
		return envelope.SecretNonce{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return envelope.SecretNonce{}, err
	}
	if affected == 0 {
		var alreadyConsumed bool
		row := h.tx.QueryRow(`SELECT consumed FROM nonces WHERE pubnonce = ?`, public.String())
		if err := row.Scan(&alreadyConsumed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return envelope.SecretNonce{}, ErrNotFound
			}
			return envelope.SecretNonce{}, err
		}
		return envelope.SecretNonce{}, ErrNonceConsumed
	}

	var raw []byte
	row := h.tx.QueryRow(`SELECT secnonce FROM nonces WHERE pubnonce = ?`, public.String())
	if err := row.Scan(&raw); err != nil {
		return envelope.SecretNonce{}, err
	}
	var secret envelope.SecretNonce
	copy(secret[:], raw)
	return secret, nil
}

// SaveKeyPair persists the private key behind kp so GetKeymap can return it
// for chains this node owns. This supplements spec's get_keymap, which
// presumes some prior enrollment step the distilled spec does not name.
func (h *Handle) SaveKeyPair(kp *envelope.KeyPair) error {
	_, err := h.tx.Exec(`
		INSERT INTO keymap (key, secret) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET secret = excluded.secret
	`, kp.PublicKey().String(), kp.Bytes())
	return err
}

// GetKeymap returns every locally held keypair, keyed by its public key.
func (h *Handle) GetKeymap() (map[envelope.XOnlyPubKey]*envelope.KeyPair, error) {
	rows, err := h.tx.Query(`SELECT key, secret FROM keymap`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[envelope.XOnlyPubKey]*envelope.KeyPair)
	for rows.Next() {
		var keyHex string
		var secret []byte
		if err := rows.Scan(&keyHex, &secret); err != nil {
			return nil, err
		}
		kp, err := envelope.LoadKeyPair(secret)
		if err != nil {
			return nil, err
		}
		out[kp.PublicKey()] = kp
	}
	return out, rows.Err()
}
