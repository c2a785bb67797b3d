// Package danmaku implements the core of the danmaku gateway: the typed
// message model, the directive parser, the blacklist/dedup filter pipeline,
// and the WebSocket connection manager.
package danmaku

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the danmaku message variants.
type MessageType string

const (
	MessagePlain     MessageType = "plain"
	MessageEmote     MessageType = "emote"
	MessageSuperchat MessageType = "superchat"
	MessageGift      MessageType = "gift"
)

// Position controls where a plain danmaku is rendered.
type Position string

const (
	PositionScroll Position = "scroll"
	PositionTop    Position = "top"
	PositionBottom Position = "bottom"
)

// Message is the tagged sum of all danmaku variants. Which fields are
// meaningful depends on Type; Validate enforces the per-variant field sets
// and MarshalJSON emits only the fields of the active variant.
type Message struct {
	Type MessageType

	// Common envelope fields.
	SenderID   string
	SenderName string
	IsSpecial  bool

	// plain + superchat
	Text string

	// plain
	Color    string
	Size     int
	Position Position

	// emote
	EmoteKey string

	// superchat
	Duration int // display duration in seconds

	// gift
	GiftName string
	Quantity int

	// superchat + gift, in cents. Never trusted from parsed text.
	Cost int
}

// HasText reports whether the variant carries a text body. Only text-bearing
// messages participate in deduplication and text blacklist matching.
func (m *Message) HasText() bool {
	return m.Type == MessagePlain || m.Type == MessageSuperchat
}

// IsMonetary reports whether the message represents a paid interaction.
func (m *Message) IsMonetary() bool {
	return m.Type == MessageSuperchat || m.Type == MessageGift
}

// Validate checks per-variant invariants and fills defaults, so every
// message observed past ingress is well-formed.
func (m *Message) Validate() error {
	switch m.Type {
	case MessagePlain:
		if m.Text == "" {
			return fmt.Errorf("plain message requires text")
		}
		switch m.Position {
		case PositionScroll, PositionTop, PositionBottom:
		case "":
			m.Position = PositionScroll
		default:
			return fmt.Errorf("invalid position %q", m.Position)
		}
	case MessageEmote:
		if m.EmoteKey == "" {
			return fmt.Errorf("emote message requires emote_key")
		}
	case MessageSuperchat:
		if m.Text == "" {
			return fmt.Errorf("superchat message requires text")
		}
		if m.Duration < 1 {
			return fmt.Errorf("superchat duration must be >= 1, got %d", m.Duration)
		}
		if m.Cost < 0 {
			return fmt.Errorf("superchat cost must be >= 0, got %d", m.Cost)
		}
	case MessageGift:
		if m.GiftName == "" {
			return fmt.Errorf("gift message requires gift_name")
		}
		if m.Quantity < 1 {
			return fmt.Errorf("gift quantity must be >= 1, got %d", m.Quantity)
		}
		if m.Cost < 0 {
			return fmt.Errorf("gift cost must be >= 0, got %d", m.Cost)
		}
	case "":
		return fmt.Errorf("message type missing")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Wire shapes. One struct per variant so serialized messages carry exactly
// the fields of their variant.

type messageEnvelope struct {
	Type       MessageType `json:"type"`
	SenderID   string      `json:"sender_id,omitempty"`
	SenderName string      `json:"sender_name,omitempty"`
	IsSpecial  bool        `json:"is_special"`
}

type plainWire struct {
	messageEnvelope
	Text     string   `json:"text"`
	Color    string   `json:"color,omitempty"`
	Size     int      `json:"size,omitempty"`
	Position Position `json:"position"`
}

type emoteWire struct {
	messageEnvelope
	EmoteKey string `json:"emote_key"`
}

type superchatWire struct {
	messageEnvelope
	Text     string `json:"text"`
	Duration int    `json:"duration"`
	Cost     int    `json:"cost"`
}

type giftWire struct {
	messageEnvelope
	GiftName string `json:"gift_name"`
	Quantity int    `json:"quantity"`
	Cost     int    `json:"cost"`
}

func (m *Message) envelope() messageEnvelope {
	return messageEnvelope{
		Type:       m.Type,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		IsSpecial:  m.IsSpecial,
	}
}

// MarshalJSON serializes the active variant only.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessagePlain:
		pos := m.Position
		if pos == "" {
			pos = PositionScroll
		}
		return json.Marshal(plainWire{
			messageEnvelope: m.envelope(),
			Text:            m.Text,
			Color:           m.Color,
			Size:            m.Size,
			Position:        pos,
		})
	case MessageEmote:
		return json.Marshal(emoteWire{messageEnvelope: m.envelope(), EmoteKey: m.EmoteKey})
	case MessageSuperchat:
		return json.Marshal(superchatWire{
			messageEnvelope: m.envelope(),
			Text:            m.Text,
			Duration:        m.Duration,
			Cost:            m.Cost,
		})
	case MessageGift:
		return json.Marshal(giftWire{
			messageEnvelope: m.envelope(),
			GiftName:        m.GiftName,
			Quantity:        m.Quantity,
			Cost:            m.Cost,
		})
	default:
		return nil, fmt.Errorf("cannot marshal message of unknown type %q", m.Type)
	}
}

// messageWire is the union of all variant fields, used for decoding.
type messageWire struct {
	Type       MessageType `json:"type"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	IsSpecial  bool        `json:"is_special"`
	Text       string      `json:"text"`
	Color      string      `json:"color"`
	Size       int         `json:"size"`
	Position   Position    `json:"position"`
	EmoteKey   string      `json:"emote_key"`
	Duration   int         `json:"duration"`
	GiftName   string      `json:"gift_name"`
	Quantity   int         `json:"quantity"`
	Cost       int         `json:"cost"`
}

// UnmarshalJSON decodes and validates a message, filling variant defaults.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Type:       w.Type,
		SenderID:   w.SenderID,
		SenderName: w.SenderName,
		IsSpecial:  w.IsSpecial,
		Text:       w.Text,
		Color:      w.Color,
		Size:       w.Size,
		Position:   w.Position,
		EmoteKey:   w.EmoteKey,
		Duration:   w.Duration,
		GiftName:   w.GiftName,
		Quantity:   w.Quantity,
		Cost:       w.Cost,
	}
	return m.Validate()
}

// Packet is one frame from an upstream: exactly one of Danmaku or Control.
type Packet struct {
	Channel string   `json:"channel"`
	Danmaku *Message `json:"danmaku,omitempty"`
	Control *Control `json:"control,omitempty"`
}

// Validate enforces the exactly-one-payload invariant.
func (p *Packet) Validate() error {
	if p.Channel == "" {
		return fmt.Errorf("packet requires a channel")
	}
	if p.Danmaku == nil && p.Control == nil {
		return fmt.Errorf("packet must include danmaku or control payload")
	}
	if p.Danmaku != nil && p.Control != nil {
		return fmt.Errorf("packet must include only one of danmaku or control")
	}
	return nil
}

// ParsePacket decodes and validates a raw upstream frame.
func ParsePacket(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
