package danmaku

import (
	"log/slog"
	"sync"
	"time"
)

// Filter is the synchronous decision pipeline consulted on every broadcast:
// blacklist matching plus per-channel two-tier deduplication. The decision
// completes before the broadcast returns; nothing here suspends.
type Filter struct {
	mu        sync.Mutex
	blacklist *BlacklistService
	queues    map[string]*DedupQueue

	dedupWindow     time.Duration
	blacklistWindow time.Duration
}

// NewFilter builds a filter over the given blacklist service. Emote and
// gift messages bypass dedup and take the direct blacklist path.
func NewFilter(blacklist *BlacklistService, dedupWindow, blacklistWindow time.Duration) *Filter {
	return &Filter{
		blacklist:       blacklist,
		queues:          make(map[string]*DedupQueue),
		dedupWindow:     dedupWindow,
		blacklistWindow: blacklistWindow,
	}
}

// ShouldFilter reports whether the message must be suppressed on the given
// channel. May rewrite msg.SenderName in place.
func (f *Filter) ShouldFilter(channel string, msg *Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !msg.HasText() {
		if f.blacklist != nil {
			return f.blacklist.ShouldFilter(msg)
		}
		return false
	}

	q, ok := f.queues[channel]
	if !ok {
		q = NewDedupQueue(f.dedupWindow, f.blacklistWindow)
		f.queues[channel] = q
	}
	return q.Add(msg, f.blacklist)
}

// Close releases the filter's held resources (the blacklist watcher).
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blacklist != nil {
		f.blacklist.Close()
		f.blacklist = nil
		slog.Info("Danmaku filter closed")
	}
}
