package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nekocast/danmaku/internal/danmaku"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway is meant to be embedded behind arbitrary overlay pages.
	CheckOrigin: func(*http.Request) bool { return true },
}

// closeWithPolicy rejects a freshly upgraded socket with close code 1008.
func closeWithPolicy(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

// handleUpstream serves the authenticated control socket. Frames are
// parsed as packets; malformed frames get an error reply but keep the
// connection, and every message packet is force-flagged special.
func (s *Server) handleUpstream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Upstream upgrade failed", "error", err)
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		closeWithPolicy(conn, "Missing authorization token")
		return
	}
	if s.upstreamToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.upstreamToken)) != 1 {
		closeWithPolicy(conn, "Invalid token")
		return
	}

	session := danmaku.NewSession(conn)
	s.manager.ConnectUpstream(session)
	defer func() {
		s.manager.DisconnectUpstream(session)
		session.Close()
	}()

	for {
		data, err := session.ReadText()
		if err != nil {
			return
		}

		packet, err := danmaku.ParsePacket(data)
		if err != nil {
			slog.Error("Failed to process upstream frame", "session", session.ID(), "error", err)
			reply, _ := json.Marshal(map[string]string{
				"error": fmt.Sprintf("Invalid message format: %v", err),
			})
			if err := session.SendText(reply); err != nil {
				return
			}
			continue
		}

		if packet.Control != nil {
			s.manager.BroadcastControl(packet.Channel, packet.Control)
			continue
		}

		// Upstream-originated danmaku are always special.
		packet.Danmaku.IsSpecial = true
		s.manager.BroadcastMessage(packet.Channel, packet.Danmaku)
	}
}

// handleViewer serves the viewer socket: register on the channel, then
// read purely to detect disconnect. All received content is discarded.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Viewer upgrade failed", "channel", channel, "error", err)
		return
	}

	session := danmaku.NewSession(conn)
	s.manager.ConnectViewer(session, channel)
	defer func() {
		s.manager.DisconnectViewer(session, channel)
		session.Close()
	}()

	for {
		if _, err := session.ReadText(); err != nil {
			return
		}
	}
}
