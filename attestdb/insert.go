package attestdb

import (
	"database/sql"
	"errors"

	"github.com/tos-network/attest/envelope"
)

// InsertUserByGenesisEnvelope inserts a new chain at height 0 under
// nickname. Fails with a *ConstraintError{Kind: ConstraintUnique} if the
// genesis is already present.
func (h *Handle) InsertUserByGenesisEnvelope(nickname string, auth envelope.Authentic) (envelope.XOnlyPubKey, error) {
	env := auth.Inner()
	key := env.Header.Key

	hash, err := envelope.CanonicalHash(env)
	if err != nil {
		return envelope.XOnlyPubKey{}, err
	}
	genesis, err := envelope.GenesisHash(env)
	if err != nil {
		return envelope.XOnlyPubKey{}, err
	}
	body, err := encodeEnvelope(env)
	if err != nil {
		return envelope.XOnlyPubKey{}, err
	}

	if _, err := h.tx.Exec(`
		INSERT INTO users (key, nickname, genesis) VALUES (?, ?, ?)
	`, key.String(), nickname, genesis.String()); err != nil {
		return envelope.XOnlyPubKey{}, classifyConstraint(err)
	}

	if _, err := h.tx.Exec(`
		INSERT INTO messages (hash, key, height, genesis, prev, next_nonce, sent_time_ms, body)
		VALUES (?, ?, ?, ?, NULL, ?, ?, ?)
	`, hash.String(), key.String(), env.Header.Height, genesis.String(),
		env.Header.NextNonce.String(), env.Header.SentTimeMs, body); err != nil {
		return envelope.XOnlyPubKey{}, classifyConstraint(err)
	}

	return key, nil
}

// TryInsertAuthenticatedEnvelope inserts a non-genesis envelope into its
// chain, atomically enforcing I1-I5:
//   - ConstraintNotNull: the author's chain is not known yet. The envelope
//     is parked so AttachTips can promote it once a genesis for this key
//     arrives.
//   - ConstraintCheck: the referenced genesis or prev_msg is not present.
//     The envelope is parked as pending (I5) until AttachTips finds its
//     dependencies satisfied.
//   - ConstraintUnique: this height (or hash) is already recorded.
//
// The nonce-precommitment check (I3) happens here, since only this layer
// can see the envelope's predecessor: the signature's embedded nonce point
// must match the predecessor's published next_nonce.
func (h *Handle) TryInsertAuthenticatedEnvelope(auth envelope.Authentic) error {
	env := auth.Inner()
	key := env.Header.Key

	if env.Header.Ancestors == nil {
		return &ConstraintError{Kind: ConstraintCheck, Err: ErrNotFound}
	}

	var userExists bool
	if err := h.tx.QueryRow(`SELECT 1 FROM users WHERE key = ?`, key.String()).Scan(&userExists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if parkErr := h.ParkPending(auth); parkErr != nil {
				return parkErr
			}
			return &ConstraintError{Kind: ConstraintNotNull, Err: ErrNotFound}
		}
		return err
	}

	prevHash := env.Header.Ancestors.PrevMsg
	var prevBody []byte
	if err := h.tx.QueryRow(`SELECT body FROM messages WHERE hash = ?`, prevHash.String()).Scan(&prevBody); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if parkErr := h.ParkPending(auth); parkErr != nil {
				return parkErr
			}
			return &ConstraintError{Kind: ConstraintCheck, Err: ErrNotFound}
		}
		return err
	}
	prevEnv, err := decodeEnvelope(prevBody)
	if err != nil {
		return err
	}

	nonceX, err := envelope.SignatureNonceX(env)
	if err != nil {
		return err
	}
	if nonceX != prevEnv.Header.NextNonce {
		return envelope.ErrNonceMismatch
	}

	hash, err := envelope.CanonicalHash(env)
	if err != nil {
		return err
	}
	genesis, err := envelope.GenesisHash(env)
	if err != nil {
		return err
	}
	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	_, err = h.tx.Exec(`
		INSERT INTO messages (hash, key, height, genesis, prev, next_nonce, sent_time_ms, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, hash.String(), key.String(), env.Header.Height, genesis.String(), prevHash.String(),
		env.Header.NextNonce.String(), env.Header.SentTimeMs, body)
	return classifyConstraint(err)
}

// ParkPending saves an authenticated envelope whose dependencies are not
// yet satisfied, so AttachTips can promote it later.
func (h *Handle) ParkPending(auth envelope.Authentic) error {
	env := auth.Inner()
	hash, err := envelope.CanonicalHash(env)
	if err != nil {
		return err
	}
	genesis, err := envelope.GenesisHash(env)
	if err != nil {
		return err
	}
	body, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	var prev string
	if env.Header.Ancestors != nil {
		prev = env.Header.Ancestors.PrevMsg.String()
	}

	_, err = h.tx.Exec(`
		INSERT INTO pending_envelopes (hash, key, height, genesis, prev, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash.String(), env.Header.Key.String(), env.Header.Height, genesis.String(), prev, body)
	return err
}

// AttachTips scans the pending table and promotes any envelope whose
// genesis and prev_msg are now present, repeating until a full pass
// promotes nothing. Returns the total count promoted.
func (h *Handle) AttachTips() (uint64, error) {
	var total uint64
	for {
		rows, err := h.tx.Query(`SELECT hash, body FROM pending_envelopes`)
		if err != nil {
			return total, err
		}
		type candidate struct {
			hash string
			body []byte
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.hash, &c.body); err != nil {
				rows.Close()
				return total, err
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			return total, err
		}
		rows.Close()

		promotedThisPass := uint64(0)
		for _, c := range candidates {
			env, err := decodeEnvelope(c.body)
			if err != nil {
				return total, err
			}
			authentic, err := envelope.SelfAuthenticate(env)
			if err != nil {
				if _, delErr := h.tx.Exec(`DELETE FROM pending_envelopes WHERE hash = ?`, c.hash); delErr != nil {
					return total, delErr
				}
				continue
			}

			var insertErr error
			if env.Header.Height == 0 {
				_, insertErr = h.InsertUserByGenesisEnvelope(autoNickname(env.Header.Key), authentic)
			} else {
				insertErr = h.TryInsertAuthenticatedEnvelope(authentic)
			}
			if insertErr != nil {
				continue
			}
			if _, err := h.tx.Exec(`DELETE FROM pending_envelopes WHERE hash = ?`, c.hash); err != nil {
				return total, err
			}
			promotedThisPass++
		}

		total += promotedThisPass
		if promotedThisPass == 0 {
			return total, nil
		}
	}
}

// autoNickname derives a default nickname for a chain discovered via
// gossip rather than locally enrolled, matching the fetch pipeline's
// "insert as new chain with an autogenerated nickname" step.
func autoNickname(key envelope.XOnlyPubKey) string {
	s := key.String()
	if len(s) > 12 {
		s = s[:12]
	}
	return "peer-" + s
}
