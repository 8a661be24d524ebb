package gateway

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsStream adapts a WebSocket connection to the byte-stream interfaces the
// protocol session consumes. Each inbound message is treated as a chunk of
// the command stream with a newline appended, so clients may send one command
// per message without terminating it themselves. Each outbound write becomes
// one text message; the session already serializes writes.
type wsStream struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	current io.Reader
	pending bool // newline owed after the current message drains

	writeMu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

// Read implements io.Reader over the sequence of inbound messages. A closed
// connection surfaces as io.EOF so the session loop ends the way it would on
// a closed pipe.
func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if s.current == nil {
			if s.pending {
				s.pending = false
				if len(p) == 0 {
					return 0, nil
				}
				p[0] = '\n'
				return 1, nil
			}

			_, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.current = r
		}

		n, err := s.current.Read(p)
		if err == io.EOF {
			s.current = nil
			s.pending = true
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write implements io.Writer: one call, one text message.
func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close frame and closes the connection.
func (s *wsStream) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
