package danmaku

import (
	"log/slog"
	"time"
)

// dedupKey identifies a message for deduplication. Monetary messages key on
// (sender name, text) so two senders paying with the same text stay
// distinct; everything else keys on text alone.
type dedupKey struct {
	sender string
	text   string
}

type dedupEntry struct {
	key     dedupKey
	ts      time.Time
	verdict bool // blacklist verdict computed when the entry was admitted
}

// DedupQueue is a two-tier windowed deduplicator. Tier 1 suppresses
// repeats of recently observed messages; entries that age out of tier 1
// migrate into tier 2 with their blacklist verdict attached, so storms of
// near-repeated text skip regex evaluation for the longer tier-2 window.
type DedupQueue struct {
	dedupWindow     time.Duration
	blacklistWindow time.Duration

	filterQueue []dedupEntry
	filterSeen  map[dedupKey]struct{}

	blacklistQueue []dedupEntry
	blacklistSeen  map[dedupKey]bool

	now func() time.Time
}

// NewDedupQueue returns a queue with the given windows. A dedupWindow of
// zero or less disables tier 1: every message runs the blacklist afresh.
func NewDedupQueue(dedupWindow, blacklistWindow time.Duration) *DedupQueue {
	return &DedupQueue{
		dedupWindow:     dedupWindow,
		blacklistWindow: blacklistWindow,
		filterSeen:      make(map[dedupKey]struct{}),
		blacklistSeen:   make(map[dedupKey]bool),
		now:             time.Now,
	}
}

func messageKey(msg *Message) dedupKey {
	if msg.IsMonetary() && msg.SenderName != "" {
		return dedupKey{sender: msg.SenderName, text: msg.Text}
	}
	return dedupKey{text: msg.Text}
}

// clean performs lazy window maintenance: expired tier-1 entries migrate to
// tier 2, expired tier-2 entries are dropped.
func (q *DedupQueue) clean() {
	now := q.now()

	for len(q.filterQueue) > 0 && now.Sub(q.filterQueue[0].ts) > q.dedupWindow {
		e := q.filterQueue[0]
		q.filterQueue = q.filterQueue[1:]
		delete(q.filterSeen, e.key)
		q.blacklistQueue = append(q.blacklistQueue, e)
		q.blacklistSeen[e.key] = e.verdict
	}

	for len(q.blacklistQueue) > 0 && now.Sub(q.blacklistQueue[0].ts) > q.blacklistWindow {
		e := q.blacklistQueue[0]
		q.blacklistQueue = q.blacklistQueue[1:]
		delete(q.blacklistSeen, e.key)
	}
}

// Add records the message and reports whether it must be suppressed,
// either as a tier-1 duplicate or by a (possibly cached) blacklist
// verdict. The message is mutated in place if the blacklist rewrites the
// sender name.
func (q *DedupQueue) Add(msg *Message, blacklist *BlacklistService) bool {
	q.clean()
	key := messageKey(msg)

	if q.dedupWindow > 0 {
		if _, seen := q.filterSeen[key]; seen {
			slog.Info("Duplicate message filtered", "text", truncate(msg.Text, 20))
			return true
		}
	}

	if verdict, cached := q.blacklistSeen[key]; cached {
		return verdict
	}

	verdict := false
	if blacklist != nil && blacklist.ShouldFilter(msg) {
		verdict = true
	}

	if q.dedupWindow > 0 {
		q.filterQueue = append(q.filterQueue, dedupEntry{key: key, ts: q.now(), verdict: verdict})
		q.filterSeen[key] = struct{}{}
	}

	return verdict
}
