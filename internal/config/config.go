// Package config loads the gateway configuration. A missing or malformed
// file is never fatal: the loader logs and falls back to defaults so the
// server still comes up for local development.
package config

import (
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration document.
type Config struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Danmaku DanmakuConfig `yaml:"danmaku"`
}

// DanmakuConfig configures the gateway core and its upstream bridges.
type DanmakuConfig struct {
	Upstream *UpstreamConfig `yaml:"upstream"`
	Satori   *SatoriConfig   `yaml:"satori"`
	Bilibili *BilibiliConfig `yaml:"bilibili"`

	// DedupWindow is the tier-1 duplicate-suppression window in seconds.
	// Zero or negative disables dedup; absent means the default.
	DedupWindow *int `yaml:"dedup_window"`

	// BlacklistWindow is the tier-2 verdict-memoization window in seconds.
	BlacklistWindow int `yaml:"blacklist_window"`

	BlacklistFile      string `yaml:"blacklist_file"`
	ForbiddenUsersFile string `yaml:"forbidden_users_file"`
}

// UpstreamConfig authorizes the trusted control socket.
type UpstreamConfig struct {
	Token string `yaml:"token"`
}

// SatoriConfig connects the chat-bus bridge.
type SatoriConfig struct {
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Path     string            `yaml:"path"`
	Token    string            `yaml:"token"`
	GroupMap map[string]string `yaml:"group_map"`

	// TrailingColor honors a bare trailing #RRGGBB on plain messages from
	// this bridge. Defaults to on.
	TrailingColor *bool `yaml:"trailing_color"`
}

// TrailingColorEnabled resolves the tri-state flag.
func (c *SatoriConfig) TrailingColorEnabled() bool {
	return c.TrailingColor == nil || *c.TrailingColor
}

// DedupWindowSeconds resolves the window, defaulting to 5 seconds.
func (d *DanmakuConfig) DedupWindowSeconds() int {
	if d.DedupWindow == nil {
		return 5
	}
	return *d.DedupWindow
}

// BilibiliConfig connects the live-room bridge. RoomIDs maps a live room
// to the danmaku channel its messages broadcast on.
type BilibiliConfig struct {
	RoomIDs  map[int64]string `yaml:"room_ids"`
	SessData string           `yaml:"sess_data"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 8000,
		Danmaku: DanmakuConfig{
			BlacklistWindow:    20,
			BlacklistFile:      "assets_danmaku/blacklist.txt",
			ForbiddenUsersFile: "assets_danmaku/forbidden_users.txt",
		},
	}
}

// Load reads a YAML config file. Missing file or parse error falls back to
// defaults with a log line; unset fields are filled from defaults.
func Load(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Config file not found, using defaults", "path", path)
		return Default()
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Error("Failed to parse config, using defaults", "path", path, "error", err)
		return Default()
	}

	cfg.applyDefaults()
	slog.Info("Loaded config", "path", path)
	return &cfg
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	d := &c.Danmaku
	if d.BlacklistWindow == 0 {
		d.BlacklistWindow = def.Danmaku.BlacklistWindow
	}
	if d.BlacklistFile == "" {
		d.BlacklistFile = def.Danmaku.BlacklistFile
	}
	if d.ForbiddenUsersFile == "" {
		d.ForbiddenUsersFile = def.Danmaku.ForbiddenUsersFile
	}
}
