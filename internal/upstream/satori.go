// Package upstream implements the bridge clients that pull comments from
// external chat sources and feed them into the connection manager.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/html"

	"github.com/nekocast/danmaku/internal/config"
	"github.com/nekocast/danmaku/internal/danmaku"
)

// Satori protocol opcodes.
const (
	satoriOpEvent    = 0
	satoriOpPing     = 1
	satoriOpPong     = 2
	satoriOpIdentify = 3
	satoriOpReady    = 4
)

const (
	satoriHeartbeat = 10 * time.Second
	reconnectDelay  = 5 * time.Second
)

// anonymousName labels senders with no usable display name.
const anonymousName = "匿名"

type satoriFrame struct {
	Op   int             `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`
}

type satoriEvent struct {
	Type    string `json:"type"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	User struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Nick string `json:"nick"`
	} `json:"user"`
	Member struct {
		Nick string `json:"nick"`
	} `json:"member"`
	Message struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	} `json:"message"`
}

// SatoriClient consumes message-created events from a Satori event bus and
// broadcasts them on the channels configured in the group map.
type SatoriClient struct {
	cfg     *config.SatoriConfig
	manager *danmaku.ConnectionManager
	builder *danmaku.Builder

	cancel context.CancelFunc
	done   chan struct{}
}

// StartSatori launches the bridge. It reconnects with a fixed delay until
// Stop is called.
func StartSatori(cfg *config.SatoriConfig, manager *danmaku.ConnectionManager, emotes danmaku.EmoteResolver) *SatoriClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &SatoriClient{
		cfg:     cfg,
		manager: manager,
		builder: &danmaku.Builder{
			TrailingColor: cfg.TrailingColorEnabled(),
			Emotes:        emotes,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	slog.Info("Satori client starting", "host", cfg.Host, "port", cfg.Port)
	return c
}

// Stop terminates the bridge and waits for its goroutine.
func (c *SatoriClient) Stop() {
	c.cancel()
	<-c.done
	slog.Info("Satori client stopped")
}

func (c *SatoriClient) run(ctx context.Context) {
	defer close(c.done)
	for {
		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Satori connection lost, reconnecting", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *SatoriClient) endpoint() string {
	path := strings.TrimSuffix(c.cfg.Path, "/")
	return fmt.Sprintf("ws://%s:%d%s/v1/events", c.cfg.Host, c.cfg.Port, path)
}

func (c *SatoriClient) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dialing satori: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(frame satoriFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(frame)
	}

	identify, _ := json.Marshal(map[string]string{"token": c.cfg.Token})
	if err := send(satoriFrame{Op: satoriOpIdentify, Body: identify}); err != nil {
		return fmt.Errorf("sending identify: %w", err)
	}

	// Heartbeat until the read loop fails or the context ends.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(satoriHeartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := send(satoriFrame{Op: satoriOpPing}); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	// Close the socket when the context ends so ReadMessage unblocks.
	go func() {
		<-hbCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame satoriFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed satori frame", "error", err)
			continue
		}
		switch frame.Op {
		case satoriOpReady:
			slog.Info("Satori connection ready")
		case satoriOpEvent:
			c.handleEvent(ctx, frame.Body)
		case satoriOpPong:
		}
	}
}

func (c *SatoriClient) handleEvent(ctx context.Context, body json.RawMessage) {
	var event satoriEvent
	if err := json.Unmarshal(body, &event); err != nil {
		slog.Warn("Malformed satori event", "error", err)
		return
	}
	if event.Type != "message-created" {
		return
	}

	channel, ok := c.cfg.GroupMap[event.Channel.ID]
	if !ok {
		slog.Warn("Message from unmapped satori channel", "channel_id", event.Channel.ID)
		return
	}

	name := event.Member.Nick
	if name == "" {
		name = event.User.Nick
	}
	if name == "" {
		name = event.User.Name
	}
	if name == "" {
		name = anonymousName
	}

	elements := parseContent(event.Message.Content)
	msg := c.builder.Build(ctx, event.User.ID, name, elements)
	if msg == nil {
		return
	}
	c.manager.BroadcastMessage(channel, msg)
}

// parseContent splits Satori message markup into text and image elements.
// Unknown tags are dropped; text entities are unescaped by the tokenizer.
func parseContent(content string) []danmaku.Element {
	var elements []danmaku.Element
	tokenizer := html.NewTokenizer(strings.NewReader(content))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return elements
		case html.TextToken:
			text := string(tokenizer.Text())
			if text != "" {
				elements = append(elements, danmaku.TextElement(text))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data != "img" {
				continue
			}
			for _, attr := range token.Attr {
				if attr.Key == "src" && attr.Val != "" {
					elements = append(elements, danmaku.ImageElement(attr.Val))
					break
				}
			}
		}
	}
}
