package httpapi

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/attest/attestdb"
	"github.com/tos-network/attest/envelope"
	"github.com/tos-network/attest/protocol"
)

func shaOf(secret protocol.Secret) []byte {
	h := sha256.Sum256(secret[:])
	return h[:]
}

func hexOf(secret protocol.Secret) string {
	return hex.EncodeToString(secret[:])
}

func openTestDB(t *testing.T) *attestdb.DB {
	t.Helper()
	db, err := attestdb.SetupDBAt(t.TempDir(), "attestations")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostMessageThenNewestTips(t *testing.T) {
	db := openTestDB(t)
	router := NewRouter(db, nil)

	user, err := envelope.GenerateNewUser(rand.Reader)
	require.NoError(t, err)

	body, err := json.Marshal([]envelope.Envelope{user.GenesisEnvelope})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/msg", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var outcomes []protocol.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcomes))
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Success)

	req2 := httptest.NewRequest(http.MethodGet, "/newest_tips", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var tips []envelope.Envelope
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &tips))
	require.Len(t, tips, 1)
	require.Equal(t, user.KeyPair.PublicKey(), tips[0].Header.Key)
}

func TestPostMessageRejectsBadSignature(t *testing.T) {
	db := openTestDB(t)
	router := NewRouter(db, nil)

	user, err := envelope.GenerateNewUser(rand.Reader)
	require.NoError(t, err)
	bad := user.GenesisEnvelope
	bad.Header.Unsigned.Signature = append([]byte(nil), bad.Header.Unsigned.Signature...)
	bad.Header.Unsigned.Signature[0] ^= 0xff

	body, err := json.Marshal([]envelope.Envelope{bad})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/msg", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var outcomes []protocol.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcomes))
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Success)
}

func TestSpecificTipsSortsAndDedupsBeforeLookup(t *testing.T) {
	db := openTestDB(t)
	router := NewRouter(db, nil)

	user, err := envelope.GenerateNewUser(rand.Reader)
	require.NoError(t, err)
	hash, err := envelope.CanonicalHash(user.GenesisEnvelope)
	require.NoError(t, err)
	other, err := envelope.GenerateNewUser(rand.Reader)
	require.NoError(t, err)
	otherHash, err := envelope.CanonicalHash(other.GenesisEnvelope)
	require.NoError(t, err)

	postBody, err := json.Marshal([]envelope.Envelope{user.GenesisEnvelope, other.GenesisEnvelope})
	require.NoError(t, err)
	postReq := httptest.NewRequest(http.MethodPost, "/msg", bytes.NewReader(postBody))
	postRec := httptest.NewRecorder()
	router.ServeHTTP(postRec, postReq)
	require.Equal(t, http.StatusOK, postRec.Code)

	low, high := hash, otherHash
	if bytes.Compare(low[:], high[:]) > 0 {
		low, high = high, low
	}
	tipsBody, err := json.Marshal(specificTipsBody{Tips: []envelope.Hash{high, low, high}})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/tips", bytes.NewReader(tipsBody))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var envs []envelope.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envs))
	require.Len(t, envs, 2, "duplicate hash in the request must not duplicate the response")
	first, err := envelope.CanonicalHash(envs[0])
	require.NoError(t, err)
	require.Equal(t, low, first, "hashes must be looked up in sorted order")
}

func TestAuthenticateRoutesCookieToGlobalSocketState(t *testing.T) {
	db := openTestDB(t)
	gss := protocol.NewGlobalSocketState()
	router := NewRouter(db, gss)

	var secret protocol.Secret
	secret[0] = 0xab
	hash := protocol.Challenge{}
	copy(hash[:], shaOf(secret))
	expect := gss.ExpectACookie(hash)

	body, err := json.Marshal(struct {
		Secret string `json:"secret"`
	}{Secret: hexOf(secret)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/authenticate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case got := <-expect:
		require.Equal(t, secret, got)
	default:
		t.Fatal("expected the cookie-jar wait to resolve")
	}
}
