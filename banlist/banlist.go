// Package banlist tracks peers whose envelopes have failed
// self-authentication. The fetch pipeline's envelope processor adds
// entries; Banned answers lookups, and no package here consults it
// before dialing. The spec's envelope
// processor says "log and optionally ban" on a failed self_authenticate
// (spec.md §4.4 step a) but specifies no store; this is the supplemented
// decision, recorded in DESIGN.md.
package banlist

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/tos-network/attest/log"
)

// defaultSize bounds the ban list at 1024 entries, matching the teacher's
// own use of this dependency for bounded signature/address caches
// elsewhere in the gtos lineage.
const defaultSize = 1024

// List is an LRU-bounded set of banned service identities, keyed by their
// "host:port" string. It is safe for concurrent use; the underlying cache
// does its own locking.
type List struct {
	cache *lru.Cache
}

// New returns an empty ban list bounded at 1024 entries.
func New() *List {
	cache, err := lru.New(defaultSize)
	if err != nil {
		// Only fails for a non-positive size, which defaultSize never is.
		panic(err)
	}
	return &List{cache: cache}
}

// Ban records svc as having sent at least one envelope that failed
// self-authentication.
func (l *List) Ban(svc string, reason error) {
	log.Warn("banlist: banning peer", "svc", svc, "reason", reason)
	l.cache.Add(svc, struct{}{})
}

// Banned reports whether svc has been banned.
func (l *List) Banned(svc string) bool {
	return l.cache.Contains(svc)
}
