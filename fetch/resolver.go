package fetch

import (
	"context"

	mapset "github.com/deckarep/golang-set"

	"github.com/tos-network/attest/envelope"
	"github.com/tos-network/attest/protocol"
)

// missingEnvelopeFetcher consumes batches of unknown hashes from
// toResolve, issues a SpecificTips request for each, and forwards the
// response back into toProcess. inFlight tracks hashes currently being
// resolved so a hash already in flight isn't double-counted; the batch
// handed to the processor carries a release callback that clears its
// entries whether or not the processor actually consumes them, the Go
// equivalent of the Rust source's drop-triggered cancellation token.
func missingEnvelopeFetcher(ctx context.Context, reqs protocol.ProtocolReceiver, toProcess chan<- envelopeBatch, toResolve <-chan []envelope.Hash, inFlight mapset.Set) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tips, ok := <-toResolve:
			if !ok {
				return nil
			}
			if err := resolveOne(ctx, reqs, toProcess, tips, inFlight); err != nil {
				return err
			}
		}
	}
}

func resolveOne(ctx context.Context, reqs protocol.ProtocolReceiver, toProcess chan<- envelopeBatch, tips []envelope.Hash, inFlight mapset.Set) error {
	for _, h := range tips {
		inFlight.Add(h)
	}
	release := func() {
		for _, h := range tips {
			inFlight.Remove(h)
		}
	}

	resp, err := doRequest(ctx, reqs, protocol.AttestRequest{SpecificTips: &protocol.SpecificTips{Tips: tips}})
	if err != nil {
		release()
		return err
	}
	if resp.SpecificTips == nil {
		release()
		return protocolErrorf("missing_envelope_fetcher: response missing SpecificTips variant")
	}

	select {
	case toProcess <- envelopeBatch{envelopes: resp.SpecificTips.Tips, release: release}:
		return nil
	case <-ctx.Done():
		release()
		return ctx.Err()
	}
}
