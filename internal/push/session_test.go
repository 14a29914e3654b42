package push

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestSession(t *testing.T) *Session {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return NewSession(1, conn)
}

func TestSessionSendFailsAfterClose(t *testing.T) {
	s := dialTestSession(t)

	require.NoError(t, s.Send(NewItemsMessage(10, nil)))

	require.NoError(t, s.Close())
	// Every failure on the dead connection surfaces, including the deadline
	// setup preceding the write.
	assert.Error(t, s.Send(NewItemsMessage(10, nil)))
}

func TestSessionIdentity(t *testing.T) {
	a := dialTestSession(t)
	b := dialTestSession(t)
	defer a.Close()
	defer b.Close()

	assert.Equal(t, int64(1), a.User())
	assert.NotEmpty(t, a.SessionID())
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}
