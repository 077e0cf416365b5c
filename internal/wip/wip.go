// Package wip implements the work-in-progress table from spec.md §4.7: a
// small hash table keyed by message-ID hash mod 1024, used to reject
// concurrent arrivals of the same ID from different peers within a hold
// window.
//
// Adapted from the teacher's history.MsgIdItemCache sharded-map idiom
// (history_MsgIdItemCache.go), generalized from a single-puller cache to
// the concurrent-peer race table spec.md requires.
package wip

import (
	"sync"
	"time"

	"github.com/go-while/go-pugleaf/internal/hashtoken"
)

const buckets = 1024

// DefaultHoldWindow is the default hold window from spec.md §3 (5s).
const DefaultHoldWindow = 5 * time.Second

// ChannelID identifies the claiming channel; the reactor's Channel.fd is
// a natural choice, kept abstract here so this package has no dependency
// on the reactor.
type ChannelID int

// entry is one WIP claim.
type entry struct {
	channel ChannelID
	claimed time.Time
}

// Table is the work-in-progress claim table.
type Table struct {
	hold time.Duration
	mu   [buckets]sync.Mutex
	m    [buckets]map[hashtoken.Hash]entry
}

// New returns an empty Table with the given hold window (DefaultHoldWindow
// if zero).
func New(hold time.Duration) *Table {
	if hold <= 0 {
		hold = DefaultHoldWindow
	}
	t := &Table{hold: hold}
	for i := range t.m {
		t.m[i] = make(map[hashtoken.Hash]entry)
	}
	return t
}

func bucketOf(h hashtoken.Hash) int {
	return h.Bucket(buckets)
}

// InProgress reports whether hash is already claimed by a different
// channel within the hold window. If add is true and no conflicting claim
// exists, it also claims hash for channel (spec.md §4.7's
// inprogress(id, channel, add) contract).
func (t *Table) InProgress(hash hashtoken.Hash, channel ChannelID, add bool) bool {
	b := bucketOf(hash)
	t.mu[b].Lock()
	defer t.mu[b].Unlock()

	now := time.Now()
	if e, ok := t.m[b][hash]; ok {
		if now.Sub(e.claimed) < t.hold {
			if e.channel == channel {
				return false // same channel re-checking its own claim
			}
			return true // claimed by someone else, still fresh
		}
		// aged out passively; fall through to reclaim
		delete(t.m[b], hash)
	}
	if add {
		t.m[b][hash] = entry{channel: channel, claimed: now}
	}
	return false
}

// Free removes a claim, e.g. once the article has been fully received and
// filed (or rejected) so a retry from another peer is not needlessly
// blocked until the hold window expires.
func (t *Table) Free(hash hashtoken.Hash) {
	b := bucketOf(hash)
	t.mu[b].Lock()
	delete(t.m[b], hash)
	t.mu[b].Unlock()
}

// Reap drops any claims older than the hold window across all buckets;
// the reactor may call this periodically, though claims also age out
// passively on next lookup per spec.md §3.
func (t *Table) Reap() {
	now := time.Now()
	for i := range t.m {
		t.mu[i].Lock()
		for h, e := range t.m[i] {
			if now.Sub(e.claimed) >= t.hold {
				delete(t.m[i], h)
			}
		}
		t.mu[i].Unlock()
	}
}
