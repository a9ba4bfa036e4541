package server

import (
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// wsHandle is the session's view of its websocket. Closing it sends a
// normal close frame before tearing down the connection.
type wsHandle struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (h wsHandle) Close() error {
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(h.writeWait))
	return h.conn.Close()
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
