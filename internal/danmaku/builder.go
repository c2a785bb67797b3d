package danmaku

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// ElementKind distinguishes the parts of an upstream rich-text payload.
type ElementKind int

const (
	ElementText ElementKind = iota
	ElementImage
)

// Element is one segment of an upstream message: either text or an image
// reference. Adapters translate their protocol framing into element lists.
type Element struct {
	Kind ElementKind
	Text string // ElementText
	Src  string // ElementImage
}

// TextElement returns a text element.
func TextElement(text string) Element { return Element{Kind: ElementText, Text: text} }

// ImageElement returns an image element.
func ImageElement(src string) Element { return Element{Kind: ElementImage, Src: src} }

var (
	scPattern   = regexp.MustCompile(`(?i)^/sc(?:\s+(\d+))?\s+(.+)$`)
	giftPattern = regexp.MustCompile(`(?i)^/gift\s+(.+?)(?:\s+(\d+))?\s*$`)

	positionToken = regexp.MustCompile(`^/(置顶|置底)$`)
	colorToken    = regexp.MustCompile(`^#[0-9a-fA-F]{3}(?:[0-9a-fA-F]{3})?$`)
	trailingColor = regexp.MustCompile(`^(.+?)\s*(#[0-9a-fA-F]{6})$`)
)

// EmoteResolver turns an image URL into a cache key. Single-image messages
// are dropped when resolution fails.
type EmoteResolver interface {
	Resolve(ctx context.Context, url, user string) (string, error)
}

// Builder turns upstream element lists into typed messages.
type Builder struct {
	// TrailingColor honors a bare trailing #RRGGBB on plain messages, the
	// rule the chat-bus adapter uses. Inline colors always follow the
	// prefix/suffix rule regardless of this flag.
	TrailingColor bool

	// Emotes resolves image elements into emoji cache keys. When nil,
	// image messages are dropped.
	Emotes EmoteResolver
}

// Classify decides which message variant an element list produces.
// Returns ok=false for payloads that cannot become a message: an empty
// list, or images mixed with text.
func Classify(elements []Element) (MessageType, bool) {
	if len(elements) == 0 {
		return "", false
	}
	if elements[0].Kind == ElementImage {
		if len(elements) != 1 {
			return "", false
		}
		return MessageEmote, true
	}
	for _, el := range elements {
		if el.Kind != ElementText {
			return "", false
		}
	}
	text := strings.TrimSpace(joinText(elements))
	switch {
	case scPattern.MatchString(text):
		return MessageSuperchat, true
	case giftPattern.MatchString(text):
		return MessageGift, true
	default:
		return MessagePlain, true
	}
}

// Build constructs a message from an upstream element list. Returns nil
// when the payload cannot become a message. Monetary fields are never
// taken from text: cost is always zero here.
func (b *Builder) Build(ctx context.Context, senderID, senderName string, elements []Element) *Message {
	kind, ok := Classify(elements)
	if !ok {
		return nil
	}

	msg := &Message{SenderID: senderID, SenderName: senderName}
	text := strings.TrimSpace(joinText(elements))

	switch kind {
	case MessageEmote:
		if b.Emotes == nil {
			return nil
		}
		key, err := b.Emotes.Resolve(ctx, elements[0].Src, senderID)
		if err != nil || key == "" {
			return nil
		}
		msg.Type = MessageEmote
		msg.EmoteKey = key

	case MessageSuperchat:
		duration, body, ok := parseSuperchat(text)
		if !ok {
			// Degrade to plain rather than failing the packet.
			msg.Type = MessagePlain
			msg.Text = text
			msg.Position = PositionScroll
			break
		}
		msg.Type = MessageSuperchat
		msg.Text = body
		msg.Duration = duration

	case MessageGift:
		name, qty, ok := parseGift(text)
		if !ok {
			msg.Type = MessagePlain
			msg.Text = text
			msg.Position = PositionScroll
			break
		}
		msg.Type = MessageGift
		msg.GiftName = name
		msg.Quantity = qty

	default: // plain
		msg.Type = MessagePlain
		body := text
		if b.TrailingColor {
			if m := trailingColor.FindStringSubmatch(body); m != nil {
				msg.Color = m[2]
				body = strings.TrimSpace(m[1])
			}
		}
		parsed, ok := parseDirectives(body)
		if !ok {
			// Interior directives: keep the original text untouched.
			msg.Text = body
			msg.Position = PositionScroll
			break
		}
		msg.Text = parsed.text
		msg.Position = parsed.position
		if parsed.color != "" {
			msg.Color = parsed.color
		}
	}

	if err := msg.Validate(); err != nil {
		// Monetary parses degrade to plain rather than failing the packet.
		if msg.IsMonetary() && text != "" {
			plain := &Message{
				Type:       MessagePlain,
				SenderID:   senderID,
				SenderName: senderName,
				Text:       text,
				Position:   PositionScroll,
			}
			return plain
		}
		return nil
	}
	return msg
}

func joinText(elements []Element) string {
	var sb strings.Builder
	for _, el := range elements {
		if el.Kind == ElementText {
			sb.WriteString(el.Text)
		}
	}
	return sb.String()
}

type directiveResult struct {
	text     string
	position Position
	color    string
}

// parseDirectives extracts position and color tokens that form a contiguous
// prefix or suffix (or both) of the trimmed input. Returns ok=false when a
// directive token sits in the interior, in which case the caller keeps the
// original text.
func parseDirectives(text string) (directiveResult, bool) {
	res := directiveResult{text: text, position: PositionScroll}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return res, true
	}

	directive := make([]bool, len(fields))
	any := false
	for i, f := range fields {
		if positionToken.MatchString(f) || colorToken.MatchString(f) {
			directive[i] = true
			any = true
		}
	}
	if !any {
		return res, true
	}

	// The non-directive tokens must form one contiguous run.
	first, last := -1, -1
	for i, d := range directive {
		if !d {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 {
		// Nothing but directives: no message body.
		return res, false
	}
	for i := first; i <= last; i++ {
		if directive[i] {
			return res, false
		}
	}

	for i, f := range fields {
		if !directive[i] {
			continue
		}
		switch {
		case f == "/置顶":
			res.position = PositionTop
		case f == "/置底":
			res.position = PositionBottom
		default:
			res.color = f
		}
	}
	res.text = strings.Join(fields[first:last+1], " ")
	return res, true
}

// parseSuperchat parses "/sc [duration] <text>". Missing duration defaults
// to 10 seconds.
func parseSuperchat(text string) (duration int, body string, ok bool) {
	m := scPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, "", false
	}
	duration = 10
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, "", false
		}
		duration = n
	}
	return duration, m[2], true
}

// parseGift parses "/gift <name> [qty]". Missing quantity defaults to 1.
func parseGift(text string) (name string, quantity int, ok bool) {
	m := giftPattern.FindStringSubmatch(text)
	if m == nil {
		return "", 0, false
	}
	quantity = 1
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return "", 0, false
		}
		quantity = n
	}
	return m[1], quantity, true
}
