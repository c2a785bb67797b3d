package upstream

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekocast/danmaku/internal/danmaku"
)

func bliveFrame(op uint32, ver uint16, body []byte) []byte {
	buf := encodeFrame(op, body)
	binary.BigEndian.PutUint16(buf[6:8], ver)
	return buf
}

func danmuMsgBody(text, uname string, uid int64) []byte {
	payload := map[string]any{
		"cmd": "DANMU_MSG",
		"info": []any{
			[]any{}, // display settings, unused
			text,
			[]any{uid, uname},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

func TestEncodeFrameHeader(t *testing.T) {
	body := []byte(`{"key":"tok"}`)
	frame := encodeFrame(bliveOpAuth, body)

	require.Len(t, frame, bliveHeaderLen+len(body))
	assert.Equal(t, uint32(bliveHeaderLen+len(body)), binary.BigEndian.Uint32(frame[0:4]))
	assert.Equal(t, uint16(bliveHeaderLen), binary.BigEndian.Uint16(frame[4:6]))
	assert.Equal(t, uint32(bliveOpAuth), binary.BigEndian.Uint32(frame[8:12]))
	assert.Equal(t, body, frame[bliveHeaderLen:])
}

func TestParseDanmuMsg(t *testing.T) {
	msg := parseDanmuMsg(danmuMsgBody("hello", "alice", 42))
	require.NotNil(t, msg)
	assert.Equal(t, danmaku.MessagePlain, msg.Type)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "42", msg.SenderID)
	assert.Equal(t, "alice", msg.SenderName)
	assert.Equal(t, danmaku.PositionScroll, msg.Position)
	assert.False(t, msg.IsSpecial)
}

func TestParseDanmuMsgMalformed(t *testing.T) {
	assert.Nil(t, parseDanmuMsg([]byte(`{"cmd":"DANMU_MSG"}`)))
	assert.Nil(t, parseDanmuMsg([]byte(`{"cmd":"DANMU_MSG","info":[[],""]}`)))
	assert.Nil(t, parseDanmuMsg([]byte(`not json`)))
}

func TestParseSuperChatMsg(t *testing.T) {
	body := []byte(`{
		"cmd": "SUPER_CHAT_MESSAGE",
		"data": {
			"message": "great stream",
			"uid": 7,
			"price": 30,
			"time": 60,
			"user_info": {"uname": "bob"}
		}
	}`)
	msg := parseSuperChatMsg(body)
	require.NotNil(t, msg)
	assert.Equal(t, danmaku.MessageSuperchat, msg.Type)
	assert.Equal(t, "great stream", msg.Text)
	assert.Equal(t, "7", msg.SenderID)
	assert.Equal(t, "bob", msg.SenderName)
	assert.Equal(t, 60, msg.Duration)
	assert.Equal(t, 3000, msg.Cost, "price is yuan, cost is cents")
	assert.True(t, msg.IsSpecial)
}

func TestParseSuperChatMsgDurationFloor(t *testing.T) {
	body := []byte(`{"data":{"message":"x","uid":1,"price":1,"time":0,"user_info":{"uname":"a"}}}`)
	msg := parseSuperChatMsg(body)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.Duration)
}

func TestParseSuperChatMsgEmptyMessage(t *testing.T) {
	assert.Nil(t, parseSuperChatMsg([]byte(`{"data":{"message":""}}`)))
}

func TestHandleFramesRawNotification(t *testing.T) {
	manager := danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))
	viewer := viewerFor(t, manager, "live")
	c := &BilibiliClient{manager: manager}

	c.handleFrames(bliveFrame(bliveOpNotification, bliveVerRaw, danmuMsgBody("hi", "alice", 1)), "live")

	msg := readBroadcast(t, viewer)
	assert.Equal(t, "hi", msg.Text)
}

func TestHandleFramesZlib(t *testing.T) {
	manager := danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))
	viewer := viewerFor(t, manager, "live")
	c := &BilibiliClient{manager: manager}

	inner := bliveFrame(bliveOpNotification, bliveVerRaw, danmuMsgBody("compressed", "alice", 1))
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(inner)
	zw.Close()

	c.handleFrames(bliveFrame(bliveOpNotification, bliveVerZlib, buf.Bytes()), "live")
	assert.Equal(t, "compressed", readBroadcast(t, viewer).Text)
}

func TestHandleFramesBrotli(t *testing.T) {
	manager := danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))
	viewer := viewerFor(t, manager, "live")
	c := &BilibiliClient{manager: manager}

	// Two frames packed into one compressed body.
	inner := append(
		bliveFrame(bliveOpNotification, bliveVerRaw, danmuMsgBody("first", "a", 1)),
		bliveFrame(bliveOpNotification, bliveVerRaw, danmuMsgBody("second", "b", 2))...,
	)
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	bw.Write(inner)
	bw.Close()

	c.handleFrames(bliveFrame(bliveOpNotification, bliveVerBrotli, buf.Bytes()), "live")
	assert.Equal(t, "first", readBroadcast(t, viewer).Text)
	assert.Equal(t, "second", readBroadcast(t, viewer).Text)
}

func TestHandleFramesSkipsNonNotificationOps(t *testing.T) {
	manager := danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))
	viewer := viewerFor(t, manager, "live")
	c := &BilibiliClient{manager: manager}

	c.handleFrames(bliveFrame(bliveOpHeartbeatReply, bliveVerInt, []byte{0, 0, 0, 9}), "live")
	c.handleFrames(bliveFrame(bliveOpAuthReply, bliveVerRaw, []byte(`{"code":0}`)), "live")
	assertNoBroadcast(t, viewer)
}

func TestHandleFramesDropsMalformedBuffer(t *testing.T) {
	c := &BilibiliClient{manager: danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))}

	// Declared length exceeds the buffer; must bail without panicking.
	frame := bliveFrame(bliveOpNotification, bliveVerRaw, []byte("x"))
	binary.BigEndian.PutUint32(frame[0:4], 9999)
	c.handleFrames(frame, "live")

	// Truncated header.
	c.handleFrames([]byte{0, 1, 2}, "live")
}

func TestHandleNotificationCmdDispatch(t *testing.T) {
	manager := danmaku.NewConnectionManager(nil, danmaku.NewMetrics(prometheus.NewRegistry()))
	viewer := viewerFor(t, manager, "live")
	c := &BilibiliClient{manager: manager}

	// Suffixed command variant still parses.
	body := danmuMsgBody("suffixed", "alice", 1)
	body = bytes.Replace(body, []byte(`"DANMU_MSG"`), []byte(`"DANMU_MSG:4:0:2:2:2:0"`), 1)
	c.handleNotification(body, "live")
	assert.Equal(t, "suffixed", readBroadcast(t, viewer).Text)

	// Unknown commands are ignored.
	c.handleNotification([]byte(`{"cmd":"INTERACT_WORD"}`), "live")
	assertNoBroadcast(t, viewer)
}
