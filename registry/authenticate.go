package registry

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tos-network/attest/protocol"
)

// authenticateRequest is the body posted to a peer's out-of-band
// authenticate endpoint.
type authenticateRequest struct {
	Secret string `json:"secret"`
}

// HTTPAuthenticator is the production Authenticator: it posts the secret
// to http://host:port/authenticate using the stdlib client. This is a
// single fire-and-forget internal RPC with no retries, parsing, or
// streaming concerns, so plain net/http needs no third-party HTTP client
// on top of it (the httpapi package covers the server side's real routing
// needs with httprouter instead).
func HTTPAuthenticator(client *http.Client) Authenticator {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, secret protocol.Secret, svc protocol.ServiceID) error {
		body, err := json.Marshal(authenticateRequest{Secret: hex.EncodeToString(secret[:])})
		if err != nil {
			return err
		}
		url := fmt.Sprintf("http://%s:%d/authenticate", svc.Host, svc.Port)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("registry: authenticate endpoint returned %s", resp.Status)
		}
		return nil
	}
}

// DecodeAuthenticateBody parses an incoming /authenticate POST body into
// its Secret, for the httpapi handler to feed into GlobalSocketState.
func DecodeAuthenticateBody(body []byte) (protocol.Secret, error) {
	var req authenticateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return protocol.Secret{}, err
	}
	raw, err := hex.DecodeString(req.Secret)
	if err != nil || len(raw) != 32 {
		return protocol.Secret{}, fmt.Errorf("registry: malformed authenticate secret")
	}
	var secret protocol.Secret
	copy(secret[:], raw)
	return secret, nil
}
