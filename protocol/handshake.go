package protocol

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Role distinguishes which side of the handshake this process plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// ServiceID is a peer's advertised (host, port) identity, exchanged as the
// first handshake frame.
type ServiceID struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// InternalRequest couples an outgoing request with the one-shot channel
// its response should be delivered to.
type InternalRequest struct {
	Request  AttestRequest
	Response chan AttestResponse
}

// ProtocolReceiver is where runProtocol reads outgoing requests this
// process wants to make of its peer.
type ProtocolReceiver chan InternalRequest

// PeerDirectory is the subset of the connection registry the handshake
// needs: checking for an existing session to the claimed identity, and
// performing the out-of-band reverse authentication post. It lets
// protocol avoid importing registry while registry imports protocol.
type PeerDirectory interface {
	AlreadyConnected(ctx context.Context, svc ServiceID) bool
	Authenticate(ctx context.Context, secret Secret, svc ServiceID) error
}

const (
	serverAckTimeout    = 2 * time.Second
	clientCookieTimeout = 10 * time.Second
)

// HandshakeServer runs the four-step mutual-authentication handshake from
// the server's side: receive the peer's claimed identity, issue a
// challenge, await acknowledgement, then prove the peer actually controls
// the claimed service by posting the secret out-of-band and requiring it
// echoed back over this same socket.
func HandshakeServer(ctx context.Context, t Transport, dir PeerDirectory) (ServiceID, error) {
	idText, ok, err := t.Recv(ctx)
	if err != nil {
		return ServiceID{}, newErr(ErrSocketClosed, err)
	}
	if !ok {
		return ServiceID{}, newErr(ErrSocketClosed, nil)
	}
	var svc ServiceID
	if err := json.Unmarshal([]byte(idText), &svc); err != nil {
		return ServiceID{}, newErr(ErrJSON, err)
	}

	if dir.AlreadyConnected(ctx, svc) {
		t.Close()
		return ServiceID{}, newErr(ErrAlreadyConnected, nil)
	}

	var secret Secret
	if _, err := rand.Read(secret[:]); err != nil {
		return ServiceID{}, err
	}
	challengeHash := sha256.Sum256(secret[:])
	if err := t.Send(ctx, hex.EncodeToString(challengeHash[:])); err != nil {
		return ServiceID{}, newErr(ErrSocketClosed, err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, serverAckTimeout)
	ack, ok, err := t.Recv(ackCtx)
	cancel()
	if err != nil {
		return ServiceID{}, newErr(ErrTimedOut, err)
	}
	if !ok {
		return ServiceID{}, newErr(ErrSocketClosed, nil)
	}
	if ack != "" {
		return ServiceID{}, newErr(ErrNonZeroSync, nil)
	}

	if err := dir.Authenticate(ctx, secret, svc); err != nil {
		return ServiceID{}, newErr(ErrFailedToAuthenticate, err)
	}

	respCtx, cancel := context.WithTimeout(ctx, serverAckTimeout)
	resp, ok, err := t.Recv(respCtx)
	cancel()
	if err != nil {
		return ServiceID{}, newErr(ErrTimedOut, err)
	}
	if !ok {
		return ServiceID{}, newErr(ErrSocketClosed, nil)
	}
	if resp != hex.EncodeToString(secret[:]) {
		return ServiceID{}, newErr(ErrCookieMismatch, nil)
	}

	return svc, nil
}

// HandshakeClient runs the handshake from the client's side: advertise
// self, receive the server's challenge hash, register to be woken by the
// cookie-jar when the reverse authentication arrives, ack the challenge,
// then forward the learned secret back to the server.
func HandshakeClient(ctx context.Context, t Transport, gss *GlobalSocketState, self ServiceID) error {
	selfJSON, err := json.Marshal(self)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, string(selfJSON)); err != nil {
		return newErr(ErrSocketClosed, err)
	}

	hashText, ok, err := t.Recv(ctx)
	if err != nil {
		return newErr(ErrSocketClosed, err)
	}
	if !ok {
		return newErr(ErrSocketClosed, nil)
	}
	hashBytes, err := hex.DecodeString(hashText)
	if err != nil || len(hashBytes) != 32 {
		return newErr(ErrJSON, fmt.Errorf("invalid challenge hash %q", hashText))
	}
	var challenge Challenge
	copy(challenge[:], hashBytes)

	expect := gss.ExpectACookie(challenge)

	if err := t.Send(ctx, ""); err != nil {
		return newErr(ErrTimedOut, err)
	}

	var secret Secret
	select {
	case secret = <-expect:
	case <-time.After(clientCookieTimeout):
		return newErr(ErrTimedOut, nil)
	case <-ctx.Done():
		return newErr(ErrTimedOut, ctx.Err())
	}

	if err := t.Send(ctx, hex.EncodeToString(secret[:])); err != nil {
		return newErr(ErrSocketClosed, err)
	}
	return nil
}
