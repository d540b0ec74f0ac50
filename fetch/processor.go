package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set"
	"golang.org/x/time/rate"

	"github.com/tos-network/attest/attestdb"
	"github.com/tos-network/attest/banlist"
	"github.com/tos-network/attest/envelope"
	"github.com/tos-network/attest/log"
)

// envelopeProcessor consumes batches of envelopes (fresh from the tip
// fetcher or from the missing-envelope resolver), authenticates and
// inserts each one, and forwards whatever ancestor/tip hashes remain
// unknown to toResolve. A periodic tick also runs AttachTips to promote
// anything that was parked as pending and has since become resolvable;
// the tick is rate-limited to at most once per interval, mirroring the
// source's MissedTickBehavior::Skip (a tick that fires while the
// previous one is still "in effect" is simply dropped, not queued).
func envelopeProcessor(
	ctx context.Context,
	db *attestdb.DB,
	bans *banlist.List,
	svc string,
	fromFetchers <-chan envelopeBatch,
	toResolve chan<- []envelope.Hash,
	allowUnsolicitedTips bool,
	attachInterval time.Duration,
) error {
	limiter := rate.NewLimiter(rate.Every(attachInterval), 1)
	ticker := time.NewTicker(attachInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !limiter.Allow() {
				continue
			}
			if err := runAttachTips(ctx, db, svc); err != nil {
				return err
			}
		case batch, ok := <-fromFetchers:
			if !ok {
				return nil
			}
			if err := handleBatch(ctx, db, bans, svc, batch, toResolve, allowUnsolicitedTips); err != nil {
				return err
			}
		}
	}
}

func runAttachTips(ctx context.Context, db *attestdb.DB, svc string) error {
	h, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	n, err := h.AttachTips()
	if err != nil {
		h.Rollback()
		log.Debug("fetch: attach_tips failed", "svc", svc, "err", err)
		return nil
	}
	if err := h.Commit(); err != nil {
		return err
	}
	if n > 0 {
		log.Debug("fetch: attach_tips promoted pending envelopes", "svc", svc, "count", n)
	}
	return nil
}

// handleBatch mirrors original_source/.../fetch_peer.rs's handle_envelope:
// authenticate, insert (as genesis or as a chain continuation), collect
// every tip/ancestor hash the batch references, then ask the database
// which of those are still unknown and forward that set downstream.
func handleBatch(
	ctx context.Context,
	db *attestdb.DB,
	bans *banlist.List,
	svc string,
	batch envelopeBatch,
	toResolve chan<- []envelope.Hash,
	allowUnsolicitedTips bool,
) error {
	if batch.release != nil {
		defer batch.release()
	}
	if len(batch.envelopes) == 0 {
		return nil
	}

	h, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	allTips := mapset.NewSet()
	for _, env := range batch.envelopes {
		log.Debug("fetch: processing envelope", "svc", svc, "height", env.Header.Height)

		authentic, err := envelope.SelfAuthenticate(env)
		if err != nil {
			log.Warn("fetch: message validation failed", "svc", svc, "err", err)
			if bans != nil {
				bans.Ban(svc, err)
			}
			continue
		}

		if err := insertOne(h, svc, authentic, allTips, allowUnsolicitedTips); err != nil {
			h.Rollback()
			return err
		}

		if env.Header.Ancestors != nil {
			allTips.Add(env.Header.Ancestors.PrevMsg)
		}
		for _, t := range env.Header.Tips {
			allTips.Add(t.Hash)
		}
	}

	hashes := make([]envelope.Hash, 0, allTips.Cardinality())
	for _, v := range allTips.ToSlice() {
		hashes = append(hashes, v.(envelope.Hash))
	}
	missing, err := h.MessageNotExistsIt(hashes)
	if err != nil {
		h.Rollback()
		return err
	}
	if err := h.Commit(); err != nil {
		return err
	}

	if len(missing) > 0 {
		select {
		case toResolve <- missing:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// insertOne inserts a single authenticated envelope, reinterpreting
// constraint failures as the spec's normal control flow rather than
// aborting the batch.
func insertOne(h *attestdb.Handle, svc string, authentic envelope.Authentic, allTips mapset.Set, allowUnsolicitedTips bool) error {
	env := authentic.Inner()

	if env.Header.Ancestors == nil && env.Header.Height == 0 {
		nickname := fmt.Sprintf("peer-%s", env.Header.Key.String()[:12])
		if _, err := h.InsertUserByGenesisEnvelope(nickname, authentic); err != nil {
			var ce *attestdb.ConstraintError
			if errors.As(err, &ce) {
				if ce.Kind == attestdb.ConstraintUnique {
					log.Trace("fetch: already have this chain", "svc", svc, "key", env.Header.Key.String())
					return nil
				}
				log.Warn("fetch: unexpected constraint on genesis insert", "svc", svc, "kind", ce.Kind.String())
				return nil
			}
			return err
		}
		log.Trace("fetch: created new genesis from peer", "svc", svc, "key", env.Header.Key.String())
		return nil
	}

	if err := h.TryInsertAuthenticatedEnvelope(authentic); err != nil {
		var ce *attestdb.ConstraintError
		if errors.As(err, &ce) {
			switch ce.Kind {
			case attestdb.ConstraintCheck, attestdb.ConstraintNotNull:
				if allowUnsolicitedTips {
					if gh, gerr := envelope.GenesisHash(env); gerr == nil {
						log.Debug("fetch: unsolicited tip received", "svc", svc, "genesis", gh.String())
						allTips.Add(gh)
					}
				}
			case attestdb.ConstraintUnique:
				// Duplicate; nothing more to do.
			}
			return nil
		}
		return err
	}
	return nil
}
