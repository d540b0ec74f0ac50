package envelope

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalHashStableUnderKeyOrder(t *testing.T) {
	user, err := GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	original := user.GenesisEnvelope
	original.Msg = []byte(`{"b":1,"a":2}`)
	h1, err := CanonicalHash(original)
	require.NoError(t, err)

	reordered := user.GenesisEnvelope
	reordered.Msg = []byte(`{"a":2,"b":1}`)
	h2, err := CanonicalHash(reordered)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
}

func TestCanonicalHashIgnoresSignature(t *testing.T) {
	user, err := GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	withSig := user.GenesisEnvelope
	stripped := withSig
	stripped.Header.Unsigned.Signature = nil

	h1, err := CanonicalHash(withSig)
	require.NoError(t, err)
	h2, err := CanonicalHash(stripped)
	require.NoError(t, err)
	require.Equal(t, h1, h2, "canonical hash must not depend on the signature field")
}

func TestSignThenSelfAuthenticateRoundTrip(t *testing.T) {
	user, err := GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	authentic, err := SelfAuthenticate(user.GenesisEnvelope)
	require.NoError(t, err)
	require.Equal(t, user.GenesisEnvelope, authentic.Inner())
}

func TestSelfAuthenticateRejectsFlippedSignatureBit(t *testing.T) {
	user, err := GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	tampered := user.GenesisEnvelope
	sig := make([]byte, len(tampered.Header.Unsigned.Signature))
	copy(sig, tampered.Header.Unsigned.Signature)
	sig[len(sig)-1] ^= 0x01
	tampered.Header.Unsigned.Signature = sig

	_, err = SelfAuthenticate(tampered)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSelfAuthenticateRejectsFlippedPayloadBit(t *testing.T) {
	user, err := GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	tampered := user.GenesisEnvelope
	tampered.Header.SentTimeMs = 1

	_, err = SelfAuthenticate(tampered)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSelfAuthenticateRejectsMalformedHeaderShape(t *testing.T) {
	user, err := GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	nonGenesis := user.GenesisEnvelope
	nonGenesis.Header.Height = 1 // ancestors still nil: malformed

	_, err = SelfAuthenticate(nonGenesis)
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestSignRejectsWrongKeyPair(t *testing.T) {
	user, err := GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	other, err := GenerateKeyPair(rand.Reader)
	require.NoError(t, err)

	secret, err := NewSecretNonce(rand.Reader)
	require.NoError(t, err)

	env := user.GenesisEnvelope
	env.Header.Unsigned = Unsigned{}
	err = Sign(&env, other, secret)
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestGenesisHashSelfReferential(t *testing.T) {
	user, err := GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	h, err := CanonicalHash(user.GenesisEnvelope)
	require.NoError(t, err)

	g, err := GenesisHash(user.GenesisEnvelope)
	require.NoError(t, err)
	require.Equal(t, h, g)
}

func TestSignatureNonceXMatchesPublicNonceDerivation(t *testing.T) {
	user, err := GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	secret, err := NewSecretNonce(rand.Reader)
	require.NoError(t, err)
	public, err := secret.Public()
	require.NoError(t, err)

	env := user.GenesisEnvelope
	env.Header.Unsigned = Unsigned{}
	require.NoError(t, Sign(&env, user.KeyPair, secret))

	x, err := SignatureNonceX(env)
	require.NoError(t, err)
	require.Equal(t, public, x)
}
