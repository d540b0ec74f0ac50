package protocol

import (
	"context"
	"sync"
)

// pipeTransport is an in-process Transport used by tests to connect two
// Sessions without a real socket.
type pipeTransport struct {
	out    chan string
	in     chan string
	once   sync.Once
	closed chan struct{}
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := make(chan string, 16)
	b := make(chan string, 16)
	left := &pipeTransport{out: a, in: b, closed: make(chan struct{})}
	right := &pipeTransport{out: b, in: a, closed: make(chan struct{})}
	return left, right
}

func (p *pipeTransport) Send(ctx context.Context, text string) error {
	select {
	case p.out <- text:
		return nil
	case <-p.closed:
		return context.Canceled
	}
}

func (p *pipeTransport) Recv(ctx context.Context) (string, bool, error) {
	select {
	case text, ok := <-p.in:
		if !ok {
			return "", false, nil
		}
		return text, true, nil
	case <-p.closed:
		return "", false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
