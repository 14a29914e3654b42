package push

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Session is one live websocket connection belonging to an authenticated
// user. A user with several devices holds several sessions.
type Session struct {
	id     string
	userID int64

	// gorilla/websocket allows a single concurrent writer per connection.
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ Client = (*Session)(nil)

func NewSession(userID int64, conn *websocket.Conn) *Session {
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
	}
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) User() int64 { return s.userID }

// Send writes one message to the session, bounded by a write deadline so a
// stalled peer cannot block a dispatch cycle.
func (s *Session) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

func (s *Session) Close() error {
	return s.conn.Close()
}
