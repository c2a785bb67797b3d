package danmaku

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single frame write may block.
const writeWait = 10 * time.Second

// Session wraps one WebSocket connection. All writes are serialized through
// the session mutex so fan-out and error replies never interleave frames.
// Closing the socket is what terminates the owning handler goroutine; the
// registry itself never closes sessions except during DisconnectAll.
type Session struct {
	id   string
	conn *websocket.Conn

	mu   sync.Mutex
	once sync.Once
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn) *Session {
	return &Session{id: uuid.NewString(), conn: conn}
}

// ID returns the session's log-correlation id.
func (s *Session) ID() string { return s.id }

// SendText writes one text frame with a write deadline.
func (s *Session) SendText(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadText blocks for the next text frame. Viewer handlers use this purely
// to detect disconnect; the payload is discarded by the caller.
func (s *Session) ReadText() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

// Close closes the underlying socket. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}
