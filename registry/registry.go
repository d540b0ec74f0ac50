// Package registry maintains the deduplicated map of outbound sessions to
// other peers: ServiceURL -> live request channel, so that at most one
// session to a given peer exists at a time and every caller wanting to
// talk to that peer is handed the same channel.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/attest/log"
	"github.com/tos-network/attest/protocol"
)

// ServiceURL identifies a peer by its advertised service endpoint.
type ServiceURL struct {
	Host string
	Port uint16
}

func (s ServiceURL) String() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// OpenState reports what GetConn found or did when asked for a session.
type OpenState int

const (
	// Already means a live session channel was found and reused.
	Already OpenState = iota
	// Newly means no live session existed, so one was just started.
	Newly
)

// Dialer opens the underlying transport to svc. Supplied by the caller so
// registry does not need to know about WebSockets or TLS directly.
type Dialer func(ctx context.Context, svc ServiceURL) (protocol.Transport, error)

// Registry is the process-wide connection map, guarded by a read/write
// lock: reads (the common case, looking up an existing session) take the
// fast path under RLock; only creating or replacing an entry takes the
// write lock.
type Registry struct {
	mu          sync.RWMutex
	connections map[ServiceURL]protocol.ProtocolReceiver

	dial         Dialer
	db           SessionRunner
	gss          *protocol.GlobalSocketState
	selfSvc      ServiceURL
	authenticate Authenticator
	handshake    func(ctx context.Context, t protocol.Transport, gss *protocol.GlobalSocketState, self protocol.ServiceID) error
}

// SessionRunner starts a session's RunProtocol loop once a transport is
// connected and handshaken, blocking until the session ends.
type SessionRunner interface {
	RunSession(ctx context.Context, t protocol.Transport, reqs protocol.ProtocolReceiver) error
}

// New creates an empty registry. dial opens new outbound transports; db
// runs sessions to completion once a transport exists.
func New(dial Dialer, db SessionRunner, gss *protocol.GlobalSocketState, self ServiceURL) *Registry {
	return &Registry{
		connections: make(map[ServiceURL]protocol.ProtocolReceiver),
		dial:        dial,
		db:          db,
		gss:         gss,
		selfSvc:     self,
		handshake:   protocol.HandshakeClient,
	}
}

// connAlreadyExists is the fast read-locked path: return the channel if
// one is registered for svc.
func (r *Registry) connAlreadyExists(svc ServiceURL) (protocol.ProtocolReceiver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.connections[svc]
	return ch, ok
}

// connAlreadyExistsOrCreate is the slow write-locked path: if the entry is
// missing, insert a fresh channel and start a connecting worker; report
// which happened via OpenState.
func (r *Registry) connAlreadyExistsOrCreate(ctx context.Context, svc ServiceURL) (protocol.ProtocolReceiver, OpenState) {
	if ch, ok := r.connAlreadyExists(svc); ok {
		return ch, Already
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.connections[svc]; ok {
		return ch, Already
	}

	reqs := make(protocol.ProtocolReceiver, 100)
	r.connections[svc] = reqs
	go r.runWorker(ctx, svc, reqs)
	return reqs, Newly
}

// GetConn returns the request channel for svc. If none is registered it
// registers a fresh buffered channel and starts a worker that dials and
// handshakes in the background. It returns at once and does not wait for
// the session to start; requests sent meanwhile queue in the channel's
// buffer.
func (r *Registry) GetConn(ctx context.Context, svc ServiceURL) protocol.ProtocolReceiver {
	if ch, ok := r.connAlreadyExists(svc); ok {
		return ch
	}
	ch, _ := r.connAlreadyExistsOrCreate(ctx, svc)
	return ch
}

// runWorker retries the underlying connect once a second until it
// succeeds, then hands the transport to RunSession. When RunSession
// returns, the entry is removed so a later GetConn reconnects fresh.
func (r *Registry) runWorker(ctx context.Context, svc ServiceURL, reqs protocol.ProtocolReceiver) {
	defer func() {
		r.mu.Lock()
		delete(r.connections, svc)
		r.mu.Unlock()
	}()

	var t protocol.Transport
	for {
		conn, err := r.dial(ctx, svc)
		if err == nil {
			t = conn
			break
		}
		log.Debug("registry: retrying connect", "svc", svc.String(), "err", err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}

	if err := r.handshake(ctx, t, r.gss, protocol.ServiceID{Host: r.selfSvc.Host, Port: r.selfSvc.Port}); err != nil {
		log.Debug("registry: handshake failed", "svc", svc.String(), "err", err)
		t.Close()
		return
	}

	if err := r.db.RunSession(ctx, t, reqs); err != nil {
		log.Debug("registry: session ended", "svc", svc.String(), "err", err)
	}
}

// AlreadyConnected implements protocol.PeerDirectory for the server side
// of the handshake: a reverse connection already open to the claimed
// identity means this new socket is a duplicate.
func (r *Registry) AlreadyConnected(ctx context.Context, svc protocol.ServiceID) bool {
	_, ok := r.connAlreadyExists(ServiceURL{Host: svc.Host, Port: svc.Port})
	return ok
}

// Authenticator posts a challenge secret to svc's out-of-band
// authenticate endpoint, proving this side reaches the identity the
// client claimed independently of the socket that claimed it.
type Authenticator func(ctx context.Context, secret protocol.Secret, svc protocol.ServiceID) error

// WithAuthenticator attaches the out-of-band poster used by Authenticate;
// production wiring supplies an HTTP POST, tests a stub.
func (r *Registry) WithAuthenticator(a Authenticator) *Registry {
	r.authenticate = a
	return r
}

// Authenticate implements the remainder of protocol.PeerDirectory.
func (r *Registry) Authenticate(ctx context.Context, secret protocol.Secret, svc protocol.ServiceID) error {
	if r.authenticate == nil {
		return fmt.Errorf("registry: no authenticator configured")
	}
	return r.authenticate(ctx, secret, svc)
}
