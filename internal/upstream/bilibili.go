package upstream

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"

	"github.com/nekocast/danmaku/internal/config"
	"github.com/nekocast/danmaku/internal/danmaku"
)

// Bilibili live frame opcodes.
const (
	bliveOpHeartbeat      = 2
	bliveOpHeartbeatReply = 3
	bliveOpNotification   = 5
	bliveOpAuth           = 7
	bliveOpAuthReply      = 8
)

// Body encodings carried in the frame header version field.
const (
	bliveVerRaw    = 0
	bliveVerInt    = 1
	bliveVerZlib   = 2
	bliveVerBrotli = 3
)

const (
	bliveHeaderLen  = 16
	bliveHeartbeat  = 30 * time.Second
	danmuInfoURL    = "https://api.live.bilibili.com/xlive/web-room/v1/index/getDanmuInfo?id=%d"
	bliveDefaultWSS = "broadcastlv.chat.bilibili.com"
)

// BilibiliClient maintains one live-room connection per configured room
// and broadcasts its danmaku on the mapped channel.
type BilibiliClient struct {
	cfg     *config.BilibiliConfig
	manager *danmaku.ConnectionManager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartBilibili launches one bridge goroutine per configured room.
func StartBilibili(cfg *config.BilibiliConfig, manager *danmaku.ConnectionManager) *BilibiliClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &BilibiliClient{cfg: cfg, manager: manager, cancel: cancel}
	for roomID, channel := range cfg.RoomIDs {
		c.wg.Add(1)
		go c.runRoom(ctx, roomID, channel)
		slog.Info("Bilibili room client starting", "room_id", roomID, "channel", channel)
	}
	return c
}

// Stop terminates all room clients and waits for them.
func (c *BilibiliClient) Stop() {
	c.cancel()
	c.wg.Wait()
	slog.Info("Bilibili client stopped")
}

func (c *BilibiliClient) runRoom(ctx context.Context, roomID int64, channel string) {
	defer c.wg.Done()
	for {
		if err := c.serveRoom(ctx, roomID, channel); err != nil && ctx.Err() == nil {
			slog.Warn("Bilibili room connection lost, reconnecting",
				"room_id", roomID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

type danmuInfo struct {
	Code int `json:"code"`
	Data struct {
		Token    string `json:"token"`
		HostList []struct {
			Host    string `json:"host"`
			WSSPort int    `json:"wss_port"`
		} `json:"host_list"`
	} `json:"data"`
}

// fetchDanmuInfo resolves the broadcast host and auth token for a room.
// The SESSDATA cookie, when configured, unlocks uncensored sender names.
func (c *BilibiliClient) fetchDanmuInfo(ctx context.Context, roomID int64) (*danmuInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(danmuInfoURL, roomID), nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.SessData != "" {
		req.AddCookie(&http.Cookie{Name: "SESSDATA", Value: c.cfg.SessData})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("danmu info status %d", resp.StatusCode)
	}
	var info danmuInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	if info.Code != 0 {
		return nil, fmt.Errorf("danmu info code %d", info.Code)
	}
	return &info, nil
}

func (c *BilibiliClient) serveRoom(ctx context.Context, roomID int64, channel string) error {
	info, err := c.fetchDanmuInfo(ctx, roomID)
	if err != nil {
		return fmt.Errorf("fetching danmu info: %w", err)
	}

	host := bliveDefaultWSS
	port := 443
	if len(info.Data.HostList) > 0 {
		host = info.Data.HostList[0].Host
		port = info.Data.HostList[0].WSSPort
	}

	endpoint := fmt.Sprintf("wss://%s:%d/sub", host, port)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(op uint32, body []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.BinaryMessage, encodeFrame(op, body))
	}

	auth, _ := json.Marshal(map[string]any{
		"uid":      0,
		"roomid":   roomID,
		"protover": 3,
		"platform": "web",
		"type":     2,
		"key":      info.Data.Token,
	})
	if err := send(bliveOpAuth, auth); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(bliveHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := send(bliveOpHeartbeat, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()
	go func() {
		<-hbCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrames(data, channel)
	}
}

// encodeFrame wraps a body in the 16-byte live frame header.
func encodeFrame(op uint32, body []byte) []byte {
	buf := make([]byte, bliveHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(bliveHeaderLen+len(body)))
	binary.BigEndian.PutUint16(buf[4:6], bliveHeaderLen)
	binary.BigEndian.PutUint16(buf[6:8], 1) // protocol version
	binary.BigEndian.PutUint32(buf[8:12], op)
	binary.BigEndian.PutUint32(buf[12:16], 1) // sequence
	copy(buf[bliveHeaderLen:], body)
	return buf
}

// handleFrames walks every frame packed into one WebSocket message,
// inflating zlib/brotli bodies into further nested frames.
func (c *BilibiliClient) handleFrames(data []byte, channel string) {
	for len(data) >= bliveHeaderLen {
		packLen := binary.BigEndian.Uint32(data[0:4])
		ver := binary.BigEndian.Uint16(data[6:8])
		op := binary.BigEndian.Uint32(data[8:12])
		if packLen < bliveHeaderLen || int(packLen) > len(data) {
			slog.Warn("Malformed bilibili frame, dropping buffer", "pack_len", packLen)
			return
		}
		body := data[bliveHeaderLen:packLen]
		data = data[packLen:]

		if op != bliveOpNotification {
			continue
		}
		switch ver {
		case bliveVerZlib:
			inflated, err := inflateZlib(body)
			if err != nil {
				slog.Warn("Failed to inflate zlib frame", "error", err)
				continue
			}
			c.handleFrames(inflated, channel)
		case bliveVerBrotli:
			inflated, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
			if err != nil {
				slog.Warn("Failed to inflate brotli frame", "error", err)
				continue
			}
			c.handleFrames(inflated, channel)
		default:
			c.handleNotification(body, channel)
		}
	}
}

func inflateZlib(body []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *BilibiliClient) handleNotification(body []byte, channel string) {
	var head struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return
	}

	switch {
	// DANMU_MSG sometimes carries a colon-separated suffix.
	case head.Cmd == "DANMU_MSG" || len(head.Cmd) > 9 && head.Cmd[:10] == "DANMU_MSG:":
		msg := parseDanmuMsg(body)
		if msg != nil {
			c.manager.BroadcastMessage(channel, msg)
		}
	case head.Cmd == "SUPER_CHAT_MESSAGE":
		msg := parseSuperChatMsg(body)
		if msg != nil {
			c.manager.BroadcastMessage(channel, msg)
		}
	}
}

// parseDanmuMsg extracts text and sender from the positional info array.
func parseDanmuMsg(body []byte) *danmaku.Message {
	var payload struct {
		Info []json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Info) < 3 {
		return nil
	}

	var text string
	if err := json.Unmarshal(payload.Info[1], &text); err != nil || text == "" {
		return nil
	}

	var userInfo []json.RawMessage
	if err := json.Unmarshal(payload.Info[2], &userInfo); err != nil || len(userInfo) < 2 {
		return nil
	}
	var uid int64
	var uname string
	json.Unmarshal(userInfo[0], &uid)
	json.Unmarshal(userInfo[1], &uname)

	return &danmaku.Message{
		Type:       danmaku.MessagePlain,
		Text:       text,
		SenderID:   strconv.FormatInt(uid, 10),
		SenderName: uname,
		Position:   danmaku.PositionScroll,
	}
}

func parseSuperChatMsg(body []byte) *danmaku.Message {
	var payload struct {
		Data struct {
			Message  string `json:"message"`
			UID      int64  `json:"uid"`
			Price    int    `json:"price"` // yuan
			Time     int    `json:"time"`  // display seconds
			UserInfo struct {
				Uname string `json:"uname"`
			} `json:"user_info"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Data.Message == "" {
		return nil
	}

	return &danmaku.Message{
		Type:       danmaku.MessageSuperchat,
		Text:       payload.Data.Message,
		SenderID:   strconv.FormatInt(payload.Data.UID, 10),
		SenderName: payload.Data.UserInfo.Uname,
		Duration:   max(payload.Data.Time, 1),
		Cost:       payload.Data.Price * 100,
		IsSpecial:  true,
	}
}
