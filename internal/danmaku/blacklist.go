package danmaku

import (
	"bufio"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
)

// blacklistState is one immutable compiled snapshot. Reloads build a fresh
// state off to the side and publish it with a single pointer swap, so a
// decision never observes a half-loaded pattern set.
type blacklistState struct {
	patterns       []*regexp.Regexp
	forbiddenUsers map[string]struct{}
}

var emptyBlacklistState = &blacklistState{forbiddenUsers: map[string]struct{}{}}

// BlacklistService decides whether a message is blocked or rewritten based
// on regex patterns and a forbidden sender-id set, both hot-reloadable.
type BlacklistService struct {
	state   atomic.Pointer[blacklistState]
	watcher *Watcher // set by StartWatcher, closed with the service
}

// NewBlacklistService returns a service with an empty snapshot.
func NewBlacklistService() *BlacklistService {
	s := &BlacklistService{}
	s.state.Store(emptyBlacklistState)
	return s
}

// Reload reads both files and atomically publishes the new snapshot.
// Invalid regex lines are logged and skipped; a missing file counts as
// empty. Reload never fails: the worst outcome is an empty snapshot.
func (s *BlacklistService) Reload(patternFile, userFile string) {
	next := &blacklistState{forbiddenUsers: map[string]struct{}{}}

	for _, line := range loadLines(patternFile) {
		re, err := regexp.Compile("(?i)" + line)
		if err != nil {
			slog.Error("Invalid blacklist regex, skipping", "pattern", line, "error", err)
			continue
		}
		next.patterns = append(next.patterns, re)
	}
	for _, line := range loadLines(userFile) {
		next.forbiddenUsers[line] = struct{}{}
	}

	s.state.Store(next)
	slog.Info("Loaded blacklist",
		"patterns", len(next.patterns),
		"forbidden_users", len(next.forbiddenUsers))
}

// ShouldFilter reports whether the message must be suppressed. Monetary
// messages whose sender name matches a pattern are rewritten in place
// (matched substrings replaced with asterisks of equal length) but not
// blocked.
func (s *BlacklistService) ShouldFilter(msg *Message) bool {
	st := s.state.Load()

	if msg.SenderID != "" {
		if _, ok := st.forbiddenUsers[msg.SenderID]; ok {
			slog.Info("Message blocked by forbidden user", "sender_id", msg.SenderID)
			return true
		}
	}

	if msg.IsMonetary() && msg.SenderName != "" {
		for _, re := range st.patterns {
			if re.MatchString(msg.SenderName) {
				slog.Info("Sender name masked by blacklist pattern",
					"sender_name", msg.SenderName, "pattern", re.String())
				msg.SenderName = re.ReplaceAllStringFunc(msg.SenderName, func(m string) string {
					return strings.Repeat("*", len([]rune(m)))
				})
			}
		}
	}

	if !msg.HasText() || msg.Text == "" {
		return false
	}
	for _, re := range st.patterns {
		if re.MatchString(msg.Text) {
			slog.Info("Message blocked by blacklist pattern", "text", truncate(msg.Text, 20))
			return true
		}
	}
	return false
}

// Close stops the file watcher if one is attached.
func (s *BlacklistService) Close() {
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
		slog.Info("Blacklist watcher stopped")
	}
}

// loadLines reads a newline-delimited file, dropping blanks and # comments.
// A missing file is logged and treated as empty.
func loadLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("Blacklist file not found", "path", path)
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		slog.Error("Failed to read blacklist file", "path", path, "error", err)
	}
	return lines
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
