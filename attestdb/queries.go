package attestdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sort"

	"github.com/tos-network/attest/envelope"
)

// decodeEnvelope unmarshals a stored body blob back into an Envelope.
func decodeEnvelope(body []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

func encodeEnvelope(env envelope.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// GetTipsForAllUsers returns the newest envelope for each known chain,
// ordered by key.
func (h *Handle) GetTipsForAllUsers() ([]envelope.Envelope, error) {
	rows, err := h.tx.Query(`
		SELECT m.body FROM messages m
		INNER JOIN (
			SELECT key, MAX(height) AS height FROM messages GROUP BY key
		) tip ON tip.key = m.key AND tip.height = m.height
		ORDER BY m.key ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tips []envelope.Envelope
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		env, err := decodeEnvelope(body)
		if err != nil {
			return nil, err
		}
		tips = append(tips, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(tips, func(i, j int) bool {
		return tips[i].Header.Key.String() < tips[j].Header.Key.String()
	})
	return tips, nil
}

// GetTipForUserByKey returns the newest envelope of key's chain, or
// ErrNotFound if the chain is empty or unknown.
func (h *Handle) GetTipForUserByKey(key envelope.XOnlyPubKey) (envelope.Envelope, error) {
	row := h.tx.QueryRow(`
		SELECT body FROM messages WHERE key = ? ORDER BY height DESC LIMIT 1
	`, key.String())
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return envelope.Envelope{}, ErrNotFound
		}
		return envelope.Envelope{}, err
	}
	return decodeEnvelope(body)
}

// MessagesByHash returns the envelopes for hashes present in the store, in
// the order hashes was given; missing hashes are silently skipped.
func (h *Handle) MessagesByHash(hashes []envelope.Hash) ([]envelope.Envelope, error) {
	stmt, err := h.tx.Prepare(`SELECT body FROM messages WHERE hash = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var out []envelope.Envelope
	for _, hash := range hashes {
		var body []byte
		err := stmt.QueryRow(hash.String()).Scan(&body)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		env, err := decodeEnvelope(body)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// MessageNotExistsIt returns the subset of hashes not present in the
// store, preserving input order.
func (h *Handle) MessageNotExistsIt(hashes []envelope.Hash) ([]envelope.Hash, error) {
	stmt, err := h.tx.Prepare(`SELECT 1 FROM messages WHERE hash = ?`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var missing []envelope.Hash
	for _, hash := range hashes {
		var present int
		err := stmt.QueryRow(hash.String()).Scan(&present)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				missing = append(missing, hash)
				continue
			}
			return nil, err
		}
	}
	return missing, nil
}
