// Package testhelpers provides websocket and envelope helpers shared by the
// relay's tests.
package testhelpers

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// WebSocketURL turns an httptest server URL into the relay's websocket URL.
func WebSocketURL(t *testing.T, serverURL string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

// ConnectWebSocket dials the relay offering token as a bearer subprotocol.
// The origin header is set to origin. The handshake response is returned
// even on failure so that callers can check the status code.
func ConnectWebSocket(wsURL, origin, token string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if token != "" {
		dialer.Subprotocols = []string{"bearer", token}
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect is ConnectWebSocket that fails the test on error and closes
// the connection at cleanup.
func MustConnect(t *testing.T, wsURL, origin, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(wsURL, origin, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEnvelope encodes and writes one envelope.
func SendEnvelope(t *testing.T, conn *websocket.Conn, p protocol.Payload) protocol.Envelope {
	t.Helper()
	env := protocol.New(p)
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	return env
}

// ReceiveEnvelope reads and decodes the next envelope within timeout.
func ReceiveEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

// ReceiveProfile reads the next envelope and requires it to carry a profile.
func ReceiveProfile(t *testing.T, conn *websocket.Conn) protocol.Profile {
	t.Helper()
	env := ReceiveEnvelope(t, conn, 2*time.Second)
	p, ok := env.Payload.(protocol.Profile)
	require.True(t, ok, "expected profile envelope, got %s", env.Type())
	return p
}

// ReceiveMessage reads the next envelope and requires it to carry a chat message.
func ReceiveMessage(t *testing.T, conn *websocket.Conn) protocol.ChatMessage {
	t.Helper()
	env := ReceiveEnvelope(t, conn, 2*time.Second)
	msg, ok := env.Payload.(protocol.ChatMessage)
	require.True(t, ok, "expected message envelope, got %s", env.Type())
	return msg
}

// ExpectNoMessage fails the test if anything other than a timeout or a
// normal close arrives within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, received %s", data)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

// ExpectClosed waits for the server to close the connection.
func ExpectClosed(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
	}
}

// ChatMessage builds a message from the given identity.
func ChatMessage(from uuid.UUID, profile protocol.Profile, channel, body string) protocol.ChatMessage {
	return protocol.ChatMessage{
		MessageID:      uuid.New(),
		Body:           body,
		Timestamp:      time.Now().UnixMilli(),
		SenderClientID: from,
		SenderProfile:  profile,
		Channel:        channel,
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
