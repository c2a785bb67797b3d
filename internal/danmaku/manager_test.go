package danmaku

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionPair spins up a loopback WebSocket and returns the server-side
// session together with the client side of the same connection.
func sessionPair(t *testing.T) (*Session, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	sessCh := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessCh <- NewSession(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case sess := <-sessCh:
		t.Cleanup(func() { sess.Close() })
		return sess, client
	case <-time.After(2 * time.Second):
		t.Fatal("no server-side session")
		return nil, nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func assertNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	// Peek on the raw connection: a websocket-level read error (including
	// a deadline timeout) permanently poisons a gorilla Conn for all
	// subsequent reads.
	raw := conn.UnderlyingConn()
	raw.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, err := raw.Read(make([]byte, 1))
	raw.SetReadDeadline(time.Time{})
	assert.Error(t, err, "expected no frame")
}

func newTestManager(filter *Filter) *ConnectionManager {
	return NewConnectionManager(filter, NewMetrics(prometheus.NewRegistry()))
}

func TestBroadcastFanOut(t *testing.T) {
	cm := newTestManager(nil)

	sessA1, clientA1 := sessionPair(t)
	sessA2, clientA2 := sessionPair(t)
	sessB, clientB := sessionPair(t)
	cm.ConnectViewer(sessA1, "a")
	cm.ConnectViewer(sessA2, "a")
	cm.ConnectViewer(sessB, "b")

	cm.BroadcastMessage("a", &Message{Type: MessagePlain, Text: "hi", Position: PositionScroll})

	for _, client := range []*websocket.Conn{clientA1, clientA2} {
		var got Message
		require.NoError(t, json.Unmarshal(readFrame(t, client), &got))
		assert.Equal(t, "hi", got.Text)
	}
	assertNoFrame(t, clientB)
}

func TestBroadcastAppendsCrownForSpecial(t *testing.T) {
	cm := newTestManager(nil)
	sess, client := sessionPair(t)
	cm.ConnectViewer(sess, "a")

	cm.BroadcastMessage("a", &Message{
		Type: MessagePlain, Text: "hi", Position: PositionScroll, IsSpecial: true,
	})

	var got Message
	require.NoError(t, json.Unmarshal(readFrame(t, client), &got))
	assert.Equal(t, "hi"+crownMarker, got.Text)
	assert.True(t, got.IsSpecial)
}

func TestBroadcastControlWrapper(t *testing.T) {
	cm := newTestManager(nil)
	sess, client := sessionPair(t)
	cm.ConnectViewer(sess, "a")

	cm.BroadcastControl("a", &Control{Type: ControlSetOpacity, Value: 30})

	var frame struct {
		Type    string  `json:"type"`
		Control Control `json:"control"`
	}
	require.NoError(t, json.Unmarshal(readFrame(t, client), &frame))
	assert.Equal(t, "control", frame.Type)
	assert.Equal(t, ControlSetOpacity, frame.Control.Type)
	assert.Equal(t, 30.0, frame.Control.Value)
}

func TestBroadcastConsultsFilter(t *testing.T) {
	patternFile, userFile := writeBlacklistFiles(t, "spam\n", "")
	blacklist := NewBlacklistService()
	blacklist.Reload(patternFile, userFile)
	cm := newTestManager(NewFilter(blacklist, 5*time.Second, 20*time.Second))

	sess, client := sessionPair(t)
	cm.ConnectViewer(sess, "a")

	cm.BroadcastMessage("a", &Message{Type: MessagePlain, Text: "spam here", Position: PositionScroll})
	assertNoFrame(t, client)

	cm.BroadcastMessage("a", &Message{Type: MessagePlain, Text: "fine", Position: PositionScroll})
	var got Message
	require.NoError(t, json.Unmarshal(readFrame(t, client), &got))
	assert.Equal(t, "fine", got.Text)
}

func TestBroadcastPrunesFailedSessions(t *testing.T) {
	cm := newTestManager(nil)
	dead, _ := sessionPair(t)
	live, liveClient := sessionPair(t)
	cm.ConnectViewer(dead, "a")
	cm.ConnectViewer(live, "a")

	// Kill one socket server-side so its next send fails immediately.
	dead.Close()

	cm.BroadcastMessage("a", &Message{Type: MessagePlain, Text: "hi", Position: PositionScroll})

	// The healthy viewer still got the message.
	var got Message
	require.NoError(t, json.Unmarshal(readFrame(t, liveClient), &got))
	assert.Equal(t, "hi", got.Text)

	// The dead session was pruned after iteration.
	cm.mu.Lock()
	_, present := cm.viewers["a"][dead]
	count := len(cm.viewers["a"])
	cm.mu.Unlock()
	assert.False(t, present)
	assert.Equal(t, 1, count)
}

func TestDisconnectViewerIdempotent(t *testing.T) {
	cm := newTestManager(nil)
	sess, _ := sessionPair(t)
	cm.ConnectViewer(sess, "a")

	cm.DisconnectViewer(sess, "a")
	cm.DisconnectViewer(sess, "a") // no-op

	cm.mu.Lock()
	_, channelExists := cm.viewers["a"]
	cm.mu.Unlock()
	assert.False(t, channelExists, "empty channels are pruned")
}

func TestBroadcastShortCircuitsWithoutViewers(t *testing.T) {
	cm := newTestManager(NewFilter(nil, time.Second, time.Second))
	cm.BroadcastMessage("empty", &Message{Type: MessagePlain, Text: "hi", Position: PositionScroll})
	cm.BroadcastControl("empty", &Control{Type: ControlClearDanmaku})
}

func TestDisconnectAll(t *testing.T) {
	cm := newTestManager(nil)
	v, vClient := sessionPair(t)
	u, uClient := sessionPair(t)
	cm.ConnectViewer(v, "a")
	cm.ConnectUpstream(u)

	cm.DisconnectAll()

	cm.mu.Lock()
	assert.Empty(t, cm.viewers)
	assert.Empty(t, cm.upstreams)
	cm.mu.Unlock()

	// Both client sides observe the close.
	for _, client := range []*websocket.Conn{vClient, uClient} {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := client.ReadMessage()
		assert.Error(t, err)
	}

	// Idempotent.
	cm.DisconnectAll()
}
