package attestdb

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/attest/envelope"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := SetupDBAt(t.TempDir(), "attestations")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newGenesisUser(t *testing.T) *envelope.NewUser {
	t.Helper()
	user, err := envelope.GenerateNewUser(rand.Reader)
	require.NoError(t, err)
	return user
}

func TestNonceIsConsumedExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	h, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer h.Rollback()

	user := newGenesisUser(t)
	public, err := user.NextSecret.Public()
	require.NoError(t, err)
	require.NoError(t, h.SaveNonceForUserByKey(public, user.NextSecret, user.KeyPair.PublicKey()))

	_, err = h.GetSecretForPublicNonce(public)
	require.NoError(t, err)

	_, err = h.GetSecretForPublicNonce(public)
	require.ErrorIs(t, err, ErrNonceConsumed)
}

func TestChainLinearity(t *testing.T) {
	db := openTestDB(t)
	h, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer h.Rollback()

	user := newGenesisUser(t)
	authGenesis, err := envelope.SelfAuthenticate(user.GenesisEnvelope)
	require.NoError(t, err)
	require.NoError(t, h.SaveNonceForUserByKey(user.GenesisEnvelope.Header.NextNonce, user.NextSecret, user.KeyPair.PublicKey()))
	_, err = h.InsertUserByGenesisEnvelope("alice", authGenesis)
	require.NoError(t, err)

	height1, err := wrapNext(h, user.KeyPair)
	require.NoError(t, err)
	auth1, err := envelope.SelfAuthenticate(height1)
	require.NoError(t, err)
	require.NoError(t, h.TryInsertAuthenticatedEnvelope(auth1))

	height2, err := wrapNext(h, user.KeyPair)
	require.NoError(t, err)
	auth2, err := envelope.SelfAuthenticate(height2)
	require.NoError(t, err)
	require.NoError(t, h.TryInsertAuthenticatedEnvelope(auth2))

	tip, err := h.GetTipForUserByKey(user.KeyPair.PublicKey())
	require.NoError(t, err)
	require.EqualValues(t, 2, tip.Header.Height)
}

// TestChainOutOfOrderParksThenAttaches builds a valid {0,1,2} chain on an
// "author" handle, then delivers envelope 2 to a separate "receiver"
// handle before envelope 1, as gossip may reorder them: the receiver must
// park height 2 as pending and only attach it once height 1 arrives and
// AttachTips runs.
func TestChainOutOfOrderParksThenAttaches(t *testing.T) {
	authorDB := openTestDB(t)
	author, err := authorDB.Begin(context.Background())
	require.NoError(t, err)
	defer author.Rollback()

	user := newGenesisUser(t)
	authGenesis, err := envelope.SelfAuthenticate(user.GenesisEnvelope)
	require.NoError(t, err)
	require.NoError(t, author.SaveNonceForUserByKey(user.GenesisEnvelope.Header.NextNonce, user.NextSecret, user.KeyPair.PublicKey()))
	_, err = author.InsertUserByGenesisEnvelope("bob", authGenesis)
	require.NoError(t, err)

	height1, err := wrapNext(author, user.KeyPair)
	require.NoError(t, err)
	auth1, err := envelope.SelfAuthenticate(height1)
	require.NoError(t, err)
	require.NoError(t, author.TryInsertAuthenticatedEnvelope(auth1))

	height2, err := wrapNext(author, user.KeyPair)
	require.NoError(t, err)
	auth2, err := envelope.SelfAuthenticate(height2)
	require.NoError(t, err)

	receiverDB := openTestDB(t)
	receiver, err := receiverDB.Begin(context.Background())
	require.NoError(t, err)
	defer receiver.Rollback()

	_, err = receiver.InsertUserByGenesisEnvelope("bob", authGenesis)
	require.NoError(t, err)

	// height 2 arrives first: its prev_msg (height 1's hash) is not yet
	// present, so TryInsertAuthenticatedEnvelope must park it pending
	// (rather than inserting it) and report ConstraintCheck.
	err = receiver.TryInsertAuthenticatedEnvelope(auth2)
	var constraintErr *ConstraintError
	require.ErrorAs(t, err, &constraintErr)
	require.Equal(t, ConstraintCheck, constraintErr.Kind)

	require.NoError(t, receiver.TryInsertAuthenticatedEnvelope(auth1))

	promoted, err := receiver.AttachTips()
	require.NoError(t, err)
	require.EqualValues(t, 1, promoted)

	tip, err := receiver.GetTipForUserByKey(user.KeyPair.PublicKey())
	require.NoError(t, err)
	require.EqualValues(t, 2, tip.Header.Height)
}

func TestTipSetExcludesOwnKey(t *testing.T) {
	db := openTestDB(t)
	h, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer h.Rollback()

	alice := newGenesisUser(t)
	authAlice, err := envelope.SelfAuthenticate(alice.GenesisEnvelope)
	require.NoError(t, err)
	require.NoError(t, h.SaveNonceForUserByKey(alice.GenesisEnvelope.Header.NextNonce, alice.NextSecret, alice.KeyPair.PublicKey()))
	_, err = h.InsertUserByGenesisEnvelope("alice", authAlice)
	require.NoError(t, err)

	bob := newGenesisUser(t)
	authBob, err := envelope.SelfAuthenticate(bob.GenesisEnvelope)
	require.NoError(t, err)
	require.NoError(t, h.SaveNonceForUserByKey(bob.GenesisEnvelope.Header.NextNonce, bob.NextSecret, bob.KeyPair.PublicKey()))
	_, err = h.InsertUserByGenesisEnvelope("bob", authBob)
	require.NoError(t, err)

	env, err := h.WrapMessageInEnvelopeForUserByKey(json.RawMessage(`null`), alice.KeyPair, nil, nil)
	require.NoError(t, err)

	for _, tip := range env.Header.Tips {
		require.NotEqual(t, alice.KeyPair.PublicKey(), tip.Key)
	}
	require.Len(t, env.Header.Tips, 1)
	require.Equal(t, bob.KeyPair.PublicKey(), env.Header.Tips[0].Key)
}

func TestInsertUserByGenesisEnvelopeDuplicateFailsUnique(t *testing.T) {
	db := openTestDB(t)
	h, err := db.Begin(context.Background())
	require.NoError(t, err)
	defer h.Rollback()

	user := newGenesisUser(t)
	authGenesis, err := envelope.SelfAuthenticate(user.GenesisEnvelope)
	require.NoError(t, err)
	require.NoError(t, h.SaveNonceForUserByKey(user.GenesisEnvelope.Header.NextNonce, user.NextSecret, user.KeyPair.PublicKey()))
	_, err = h.InsertUserByGenesisEnvelope("carol", authGenesis)
	require.NoError(t, err)

	_, err = h.InsertUserByGenesisEnvelope("carol", authGenesis)
	var constraintErr *ConstraintError
	require.ErrorAs(t, err, &constraintErr)
	require.Equal(t, ConstraintUnique, constraintErr.Kind)
}

// wrapNext wraps the next message for kp's chain using the handle's own
// bookkeeping, so tests can build a multi-height chain without reaching
// into attestdb internals.
func wrapNext(h *Handle, kp *envelope.KeyPair) (envelope.Envelope, error) {
	return h.WrapMessageInEnvelopeForUserByKey(json.RawMessage(`null`), kp, nil, nil)
}
