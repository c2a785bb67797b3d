package danmaku

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// crownMarker is appended to text of special messages before fan-out.
const crownMarker = "👑"

// ConnectionManager owns the WebSocket session registry: viewers grouped
// by channel and a flat set of upstreams. All registry mutations are
// serialized with the manager mutex; fan-out iterates over a snapshot so
// failed sessions can be pruned after the loop.
type ConnectionManager struct {
	mu        sync.Mutex
	viewers   map[string]map[*Session]struct{}
	upstreams map[*Session]struct{}

	filter  *Filter
	metrics *Metrics
}

// NewConnectionManager builds a manager over the given filter. The filter
// may be nil, in which case every message passes.
func NewConnectionManager(filter *Filter, metrics *Metrics) *ConnectionManager {
	return &ConnectionManager{
		viewers:   make(map[string]map[*Session]struct{}),
		upstreams: make(map[*Session]struct{}),
		filter:    filter,
		metrics:   metrics,
	}
}

// ConnectViewer registers a viewer session on a channel.
func (cm *ConnectionManager) ConnectViewer(s *Session, channel string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	set, ok := cm.viewers[channel]
	if !ok {
		set = make(map[*Session]struct{})
		cm.viewers[channel] = set
	}
	set[s] = struct{}{}
	cm.metrics.ViewersConnected.WithLabelValues(channel).Inc()
	slog.Info("Viewer connected", "session", s.ID(), "channel", channel)
}

// ConnectUpstream registers an upstream session.
func (cm *ConnectionManager) ConnectUpstream(s *Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.upstreams[s] = struct{}{}
	cm.metrics.UpstreamsConnected.Inc()
	slog.Info("Upstream connected", "session", s.ID())
}

// DisconnectViewer removes a viewer from a channel. Removing a session
// that is already gone is a no-op. Empty channels are pruned.
func (cm *ConnectionManager) DisconnectViewer(s *Session, channel string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.removeViewerLocked(s, channel)
}

func (cm *ConnectionManager) removeViewerLocked(s *Session, channel string) {
	set, ok := cm.viewers[channel]
	if !ok {
		return
	}
	if _, present := set[s]; !present {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(cm.viewers, channel)
	}
	cm.metrics.ViewersConnected.WithLabelValues(channel).Dec()
	slog.Info("Viewer disconnected", "session", s.ID(), "channel", channel)
}

// DisconnectUpstream removes an upstream session. Idempotent.
func (cm *ConnectionManager) DisconnectUpstream(s *Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, present := cm.upstreams[s]; !present {
		return
	}
	delete(cm.upstreams, s)
	cm.metrics.UpstreamsConnected.Dec()
	slog.Info("Upstream disconnected", "session", s.ID())
}

// viewerSnapshot copies the channel's viewer set for lock-free iteration.
func (cm *ConnectionManager) viewerSnapshot(channel string) []*Session {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	set := cm.viewers[channel]
	if len(set) == 0 {
		return nil
	}
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	return sessions
}

// shouldFilter consults the filter, treating a panic as "pass": the system
// prefers delivering over censoring on bugs.
func (cm *ConnectionManager) shouldFilter(channel string, msg *Message) (blocked bool) {
	if cm.filter == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Filter panicked, passing message through", "channel", channel, "panic", r)
			blocked = false
		}
	}()
	return cm.filter.ShouldFilter(channel, msg)
}

// BroadcastMessage fans a message out to every viewer of the channel.
// The filter runs synchronously before any send; one viewer's send failure
// never prevents delivery to the rest, and failed sessions are pruned
// after the iteration completes.
func (cm *ConnectionManager) BroadcastMessage(channel string, msg *Message) {
	sessions := cm.viewerSnapshot(channel)
	if len(sessions) == 0 {
		return
	}

	if cm.shouldFilter(channel, msg) {
		cm.metrics.BlockedTotal.WithLabelValues(channel).Inc()
		return
	}

	if msg.IsSpecial && msg.HasText() {
		msg.Text += crownMarker
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to serialize message", "channel", channel, "error", err)
		return
	}
	cm.metrics.BroadcastTotal.WithLabelValues(channel, string(msg.Type)).Inc()
	cm.sendToAll(channel, sessions, payload)
}

// controlFrame is the wrapper viewers receive for control directives.
type controlFrame struct {
	Type    string  `json:"type"`
	Control Control `json:"control"`
}

// BroadcastControl wraps a control directive and sends it to every viewer
// of the channel with the same failure-collection policy as messages.
func (cm *ConnectionManager) BroadcastControl(channel string, ctrl *Control) {
	sessions := cm.viewerSnapshot(channel)
	if len(sessions) == 0 {
		return
	}
	payload, err := json.Marshal(controlFrame{Type: "control", Control: *ctrl})
	if err != nil {
		slog.Error("Failed to serialize control", "channel", channel, "error", err)
		return
	}
	cm.sendToAll(channel, sessions, payload)
}

func (cm *ConnectionManager) sendToAll(channel string, sessions []*Session, payload []byte) {
	var failed []*Session
	for _, s := range sessions {
		if err := s.SendText(payload); err != nil {
			slog.Warn("Viewer send failed", "session", s.ID(), "channel", channel, "error", err)
			cm.metrics.SendFailures.Inc()
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		cm.DisconnectViewer(s, channel)
	}
}

// DisconnectAll closes every viewer then every upstream, swallowing
// per-socket errors, and finally shuts down the filter's held resources.
func (cm *ConnectionManager) DisconnectAll() {
	cm.mu.Lock()
	for channel, set := range cm.viewers {
		for s := range set {
			s.Close()
			cm.metrics.ViewersConnected.WithLabelValues(channel).Dec()
		}
		delete(cm.viewers, channel)
	}
	for s := range cm.upstreams {
		s.Close()
		cm.metrics.UpstreamsConnected.Dec()
		delete(cm.upstreams, s)
	}
	cm.mu.Unlock()

	if cm.filter != nil {
		cm.filter.Close()
	}
	slog.Info("All danmaku connections closed")
}
