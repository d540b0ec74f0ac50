// Package fetch implements the per-peer fetch pipeline: three cooperating
// tasks sharing two channels that keep a peer's chains converging with
// ours — poll its latest tips, authenticate and insert what arrives, and
// chase down whatever ancestor or tip hashes that insertion reveals we
// don't have yet. The three tasks are supervised as a unit: whichever one
// exits first, successfully or not, tears the other two down so a fresh
// session starts the pipeline clean.
package fetch

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set"
	"golang.org/x/sync/errgroup"

	"github.com/tos-network/attest/attestdb"
	"github.com/tos-network/attest/banlist"
	"github.com/tos-network/attest/envelope"
	"github.com/tos-network/attest/log"
	"github.com/tos-network/attest/protocol"
)

// Defaults for the pipeline's two timers, per spec.md §5.
const (
	DefaultTipFetchDelay      = 15 * time.Second
	DefaultAttachTipsInterval = 30 * time.Second
	tipFetchJitterMax         = time.Second
	channelBuffer             = 64
)

// envelopeBatch is a group of envelopes arriving together for the
// processor, optionally paired with a release callback that frees the
// missing_envelope_fetcher's in-flight bookkeeping for the hashes that
// produced this batch — the Go stand-in for the Rust source's
// drop-triggered NotifyOnDrop cancellation token (design notes §9).
type envelopeBatch struct {
	envelopes []envelope.Envelope
	release   func()
}

// Pipeline is one peer's fetch pipeline: the three tasks of spec.md §4.4
// bound to a single outgoing request channel and the shared database.
type Pipeline struct {
	// Service labels this peer for logging only.
	Service string
	// Reqs is the outgoing request channel handed back by the connection
	// registry for this peer's session.
	Reqs protocol.ProtocolReceiver
	DB   *attestdb.DB
	// Bans receives a ban entry whenever this peer sends an envelope
	// that fails self-authentication. May be nil to disable banning.
	Bans *banlist.List
	// AllowUnsolicitedTips gates whether ConstraintCheck/ConstraintNotNull
	// failures chase an envelope's genesis hash even though nothing
	// asked for it, per original_source/.../fetch_peer.rs.
	AllowUnsolicitedTips bool

	// TipFetchDelay and AttachTipsInterval default to the constants
	// above when zero.
	TipFetchDelay      time.Duration
	AttachTipsInterval time.Duration
}

// Run drives the pipeline until ctx is cancelled or one of the three
// tasks returns, at which point the other two are cancelled and Run
// returns that task's error (nil on a clean shutdown).
func (p *Pipeline) Run(ctx context.Context) error {
	delay := p.TipFetchDelay
	if delay == 0 {
		delay = DefaultTipFetchDelay
	}
	tick := p.AttachTipsInterval
	if tick == 0 {
		tick = DefaultAttachTipsInterval
	}

	toProcess := make(chan envelopeBatch, channelBuffer)
	toResolve := make(chan []envelope.Hash, channelBuffer)
	inFlight := mapset.NewSet()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	// exits receives each task's result before its deferred cancel runs, so
	// the first value in it belongs to the task that exited first.
	exits := make(chan error, 3)

	g.Go(func() error {
		defer cancel()
		err := latestTipFetcher(cctx, p.Reqs, toProcess, delay)
		log.Warn("fetch: latest tip fetcher exited", "svc", p.Service, "err", err)
		exits <- err
		return err
	})
	g.Go(func() error {
		defer cancel()
		err := envelopeProcessor(cctx, p.DB, p.Bans, p.Service, toProcess, toResolve, p.AllowUnsolicitedTips, tick)
		log.Warn("fetch: envelope processor exited", "svc", p.Service, "err", err)
		exits <- err
		return err
	})
	g.Go(func() error {
		defer cancel()
		err := missingEnvelopeFetcher(cctx, p.Reqs, toProcess, toResolve, inFlight)
		log.Warn("fetch: missing envelope fetcher exited", "svc", p.Service, "err", err)
		exits <- err
		return err
	})

	g.Wait()
	return <-exits
}

// doRequest issues req over reqs and waits for its matching response,
// the shared plumbing all three tasks use to talk to the session's
// internal-request side.
func doRequest(ctx context.Context, reqs protocol.ProtocolReceiver, req protocol.AttestRequest) (protocol.AttestResponse, error) {
	reply := make(chan protocol.AttestResponse, 1)
	select {
	case reqs <- protocol.InternalRequest{Request: req, Response: reply}:
	case <-ctx.Done():
		return protocol.AttestResponse{}, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return protocol.AttestResponse{}, ctx.Err()
	}
}
