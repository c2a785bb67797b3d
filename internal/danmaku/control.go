package danmaku

import (
	"encoding/json"
	"fmt"
)

// ControlType discriminates overlay control directives.
type ControlType string

const (
	ControlSetOpacity   ControlType = "set_opacity"
	ControlClearDanmaku ControlType = "clear_danmaku"
	ControlPauseDanmaku ControlType = "pause_danmaku"
	ControlSetFontSize  ControlType = "set_font_size"
	ControlHideDanmaku  ControlType = "hide_danmaku"
)

// Control is a directive sent to viewers to change overlay rendering state.
// Out-of-range values are clamped at ingress rather than rejected.
type Control struct {
	Type ControlType

	Value  float64 // set_opacity, clamped to [0,100]
	Paused bool    // pause_danmaku
	Size   int     // set_font_size, clamped to [1,100]
	Hidden bool    // hide_danmaku
}

// Validate checks the discriminator and clamps variant values.
func (c *Control) Validate() error {
	switch c.Type {
	case ControlSetOpacity:
		c.Value = min(max(c.Value, 0), 100)
	case ControlSetFontSize:
		c.Size = min(max(c.Size, 1), 100)
	case ControlClearDanmaku, ControlPauseDanmaku, ControlHideDanmaku:
	case "":
		return fmt.Errorf("control type missing")
	default:
		return fmt.Errorf("unknown control type %q", c.Type)
	}
	return nil
}

type opacityWire struct {
	Type  ControlType `json:"type"`
	Value float64     `json:"value"`
}

type pauseWire struct {
	Type   ControlType `json:"type"`
	Paused bool        `json:"paused"`
}

type fontSizeWire struct {
	Type ControlType `json:"type"`
	Size int         `json:"size"`
}

type hideWire struct {
	Type   ControlType `json:"type"`
	Hidden bool        `json:"hidden"`
}

type bareWire struct {
	Type ControlType `json:"type"`
}

// MarshalJSON emits only the fields of the active control variant.
func (c Control) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ControlSetOpacity:
		return json.Marshal(opacityWire{Type: c.Type, Value: c.Value})
	case ControlPauseDanmaku:
		return json.Marshal(pauseWire{Type: c.Type, Paused: c.Paused})
	case ControlSetFontSize:
		return json.Marshal(fontSizeWire{Type: c.Type, Size: c.Size})
	case ControlHideDanmaku:
		return json.Marshal(hideWire{Type: c.Type, Hidden: c.Hidden})
	case ControlClearDanmaku:
		return json.Marshal(bareWire{Type: c.Type})
	default:
		return nil, fmt.Errorf("cannot marshal control of unknown type %q", c.Type)
	}
}

type controlWire struct {
	Type   ControlType `json:"type"`
	Value  float64     `json:"value"`
	Paused bool        `json:"paused"`
	Size   int         `json:"size"`
	Hidden bool        `json:"hidden"`
}

// UnmarshalJSON decodes a control directive and clamps its values.
func (c *Control) UnmarshalJSON(data []byte) error {
	var w controlWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Control{Type: w.Type, Value: w.Value, Paused: w.Paused, Size: w.Size, Hidden: w.Hidden}
	return c.Validate()
}
