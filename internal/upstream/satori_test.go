package upstream

import (
	"context"
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

	"github.com/nekocast/danmaku/internal/config"
	"github.com/nekocast/danmaku/internal/danmaku"
)

// viewerFor attaches a real viewer socket to the manager and returns its
// client side, so tests can observe what a bridge broadcasts.
func viewerFor(t *testing.T, manager *danmaku.ConnectionManager, channel string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	sessCh := make(chan *danmaku.Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessCh <- danmaku.NewSession(conn)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case sess := <-sessCh:
		manager.ConnectViewer(sess, channel)
		t.Cleanup(func() { manager.DisconnectViewer(sess, channel) })
	case <-time.After(2 * time.Second):
		t.Fatal("no server-side session")
	}
	return client
}

func readBroadcast(t *testing.T, conn *websocket.Conn) *danmaku.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg danmaku.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func assertNoBroadcast(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "expected no broadcast")
}

func newSatoriClient(groupMap map[string]string, manager *danmaku.ConnectionManager) *SatoriClient {
	cfg := &config.SatoriConfig{GroupMap: groupMap}
	return &SatoriClient{
		cfg:     cfg,
		manager: manager,
		builder: &danmaku.Builder{TrailingColor: cfg.TrailingColorEnabled()},
	}
}

func eventBody(t *testing.T, event map[string]any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return data
}

func TestParseContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []danmaku.Element
	}{
		{
			name:    "plain text",
			content: "hello world",
			want:    []danmaku.Element{danmaku.TextElement("hello world")},
		},
		{
			name:    "single image",
			content: `<img src="https://example.com/a.png"/>`,
			want:    []danmaku.Element{danmaku.ImageElement("https://example.com/a.png")},
		},
		{
			name:    "text and image",
			content: `look <img src="https://example.com/a.png"/> there`,
			want: []danmaku.Element{
				danmaku.TextElement("look "),
				danmaku.ImageElement("https://example.com/a.png"),
				danmaku.TextElement(" there"),
			},
		},
		{
			name:    "entities unescaped",
			content: "a &amp; b",
			want:    []danmaku.Element{danmaku.TextElement("a & b")},
		},
		{
			name:    "image without src dropped",
			content: `<img alt="x"/>`,
			want:    nil,
		},
		{
			name:    "unknown tag stripped but text kept",
			content: "<b>bold</b>",
			want:    []danmaku.Element{danmaku.TextElement("bold")},
		},
		{
			name:    "empty",
			content: "",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseContent(tt.content))
		})
	}
}

func TestHandleEventBroadcastsMappedGroup(t *testing.T) {
	manager := danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))
	viewer := viewerFor(t, manager, "main")
	c := newSatoriClient(map[string]string{"12345": "main"}, manager)

	c.handleEvent(context.Background(), eventBody(t, map[string]any{
		"type":    "message-created",
		"channel": map[string]any{"id": "12345"},
		"user":    map[string]any{"id": "u1", "name": "alice"},
		"message": map[string]any{"id": "m1", "content": "hello"},
	}))

	msg := readBroadcast(t, viewer)
	assert.Equal(t, danmaku.MessagePlain, msg.Type)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "alice", msg.SenderName)
}

func TestHandleEventIgnoresUnmappedChannel(t *testing.T) {
	manager := danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))
	viewer := viewerFor(t, manager, "main")
	c := newSatoriClient(map[string]string{"12345": "main"}, manager)

	c.handleEvent(context.Background(), eventBody(t, map[string]any{
		"type":    "message-created",
		"channel": map[string]any{"id": "99999"},
		"user":    map[string]any{"id": "u1", "name": "alice"},
		"message": map[string]any{"id": "m1", "content": "hello"},
	}))
	assertNoBroadcast(t, viewer)
}

func TestHandleEventIgnoresOtherEventTypes(t *testing.T) {
	manager := danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))
	viewer := viewerFor(t, manager, "main")
	c := newSatoriClient(map[string]string{"12345": "main"}, manager)

	c.handleEvent(context.Background(), eventBody(t, map[string]any{
		"type":    "guild-member-added",
		"channel": map[string]any{"id": "12345"},
	}))
	assertNoBroadcast(t, viewer)
}

func TestHandleEventNameFallback(t *testing.T) {
	tests := []struct {
		name  string
		event map[string]any
		want  string
	}{
		{
			name: "member nick wins",
			event: map[string]any{
				"member": map[string]any{"nick": "room-nick"},
				"user":   map[string]any{"id": "u1", "nick": "global-nick", "name": "alice"},
			},
			want: "room-nick",
		},
		{
			name: "user nick next",
			event: map[string]any{
				"user": map[string]any{"id": "u1", "nick": "global-nick", "name": "alice"},
			},
			want: "global-nick",
		},
		{
			name: "user name next",
			event: map[string]any{
				"user": map[string]any{"id": "u1", "name": "alice"},
			},
			want: "alice",
		},
		{
			name:  "anonymous fallback",
			event: map[string]any{"user": map[string]any{"id": "u1"}},
			want:  anonymousName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))
			viewer := viewerFor(t, manager, "main")
			c := newSatoriClient(map[string]string{"12345": "main"}, manager)

			event := map[string]any{
				"type":    "message-created",
				"channel": map[string]any{"id": "12345"},
				"message": map[string]any{"id": "m1", "content": "hi"},
			}
			for k, v := range tt.event {
				event[k] = v
			}
			c.handleEvent(context.Background(), eventBody(t, event))
			assert.Equal(t, tt.want, readBroadcast(t, viewer).SenderName)
		})
	}
}

func TestEndpointJoinsPath(t *testing.T) {
	c := &SatoriClient{cfg: &config.SatoriConfig{Host: "chat.internal", Port: 5140, Path: "/satori/"}}
	assert.Equal(t, "ws://chat.internal:5140/satori/v1/events", c.endpoint())

	c.cfg.Path = ""
	assert.Equal(t, "ws://chat.internal:5140/v1/events", c.endpoint())
}
