package fetch

import (
	"context"
	"math/rand"
	"time"

	"github.com/tos-network/attest/protocol"
)

// latestTipFetcher loops forever asking the peer for its latest tips and
// forwarding whatever it returns into toProcess, sleeping tipFetchDelay
// plus a uniform 0-1s jitter between requests so peers sharing the same
// delay don't all poll each other in lockstep.
func latestTipFetcher(ctx context.Context, reqs protocol.ProtocolReceiver, toProcess chan<- envelopeBatch, delay time.Duration) error {
	for {
		resp, err := doRequest(ctx, reqs, protocol.AttestRequest{LatestTips: &protocol.LatestTips{}})
		if err != nil {
			return err
		}
		if resp.LatestTips == nil {
			return protocolErrorf("latest_tip_fetcher: response missing LatestTips variant")
		}

		select {
		case toProcess <- envelopeBatch{envelopes: resp.LatestTips.Tips}:
		case <-ctx.Done():
			return ctx.Err()
		}

		jitter := time.Duration(rand.Int63n(int64(tipFetchJitterMax)))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
