package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/attest/protocol"
)

type stubRunner struct {
	ran chan struct{}
}

func (s *stubRunner) RunSession(ctx context.Context, t protocol.Transport, reqs protocol.ProtocolReceiver) error {
	close(s.ran)
	<-ctx.Done()
	return ctx.Err()
}

type stubTransport struct{}

func (stubTransport) Send(ctx context.Context, text string) error    { return nil }
func (stubTransport) Recv(ctx context.Context) (string, bool, error) { return "", false, nil }
func (stubTransport) Close() error                                  { return nil }

// noopHandshake skips the real client handshake, which is exercised on its
// own in the protocol package; these tests care only about dial retry and
// connection reuse bookkeeping.
func noopHandshake(ctx context.Context, t protocol.Transport, gss *protocol.GlobalSocketState, self protocol.ServiceID) error {
	return nil
}

func TestGetConnReusesOpenSession(t *testing.T) {
	dialCount := 0
	dial := func(ctx context.Context, svc ServiceURL) (protocol.Transport, error) {
		dialCount++
		return stubTransport{}, nil
	}
	runner := &stubRunner{ran: make(chan struct{})}
	gss := protocol.NewGlobalSocketState()
	r := New(dial, runner, gss, ServiceURL{Host: "127.0.0.1", Port: 9000})
	r.handshake = noopHandshake

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := ServiceURL{Host: "peer.example", Port: 8765}
	ch1 := r.GetConn(ctx, svc)
	<-runner.ran

	ch2 := r.GetConn(ctx, svc)
	require.Equal(t, ch1, ch2)
	require.Equal(t, 1, dialCount)
}

func TestGetConnRetriesDialUntilSuccess(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context, svc ServiceURL) (protocol.Transport, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return stubTransport{}, nil
	}
	runner := &stubRunner{ran: make(chan struct{})}
	gss := protocol.NewGlobalSocketState()
	r := New(dial, runner, gss, ServiceURL{Host: "127.0.0.1", Port: 9000})
	r.handshake = noopHandshake

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := ServiceURL{Host: "peer.example", Port: 8765}
	r.GetConn(ctx, svc)

	select {
	case <-runner.ran:
	case <-ctx.Done():
		t.Fatal("session never started despite eventual dial success")
	}
	require.GreaterOrEqual(t, attempts, 3)
}
