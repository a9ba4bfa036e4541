package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/router"
	th "github.com/Tyrowin/chatrelay/internal/testhelpers"
)

var identities = map[string]protocol.Profile{
	"tok-1": {Name: "Ann", Email: "ann@x.com", PictureURL: "http://x/ann.png"},
	"tok-2": {Name: "Bob", Email: "bob@x.com", PictureURL: "http://x/bob.png"},
	"tok-3": {Name: "Cat", Email: "cat@x.com", PictureURL: "http://x/cat.png"},
}

type relay struct {
	server  *httptest.Server
	manager *Manager
	router  *router.Router
	wsURL   string
}

func testConfig() *config.Config {
	return &config.Config{
		Port:            ":0",
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  4096,
		SendBufferSize:  64,
		WriteWait:       time.Second,
		PongWait:        5 * time.Second,
		PingInterval:    4 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		HistoryLimit:    50,
		RateLimit:       config.RateLimitConfig{Burst: 100, RefillInterval: time.Second},
		Auth: config.AuthConfig{
			Verifier:      config.VerifierStatic,
			VerifyTimeout: time.Second,
			MaxAttempts:   3,
			HandshakeAuth: true,
			TokenQueryKey: "token",
		},
		Channels:   config.DefaultChannels(),
		Identities: identities,
	}
}

func newRelay(t *testing.T, customize func(cfg *config.Config)) *relay {
	t.Helper()
	cfg := testConfig()
	if customize != nil {
		customize(cfg)
	}

	log := zap.NewNop()
	set, err := router.NewChannelSet(cfg.Channels)
	require.NoError(t, err)
	r := router.New(log, set, router.NewMemoryLog())
	gateway := auth.NewGateway(log, auth.NewStaticVerifier(cfg.Identities), cfg.Auth.VerifyTimeout, cfg.Auth.MaxAttempts)

	m := NewManager(cfg, log, r, gateway)
	go m.Run()
	srv := httptest.NewServer(SetupRoutes(m))
	t.Cleanup(func() {
		srv.Close()
		_ = m.Shutdown(2 * time.Second)
	})

	return &relay{server: srv, manager: m, router: r, wsURL: th.WebSocketURL(t, srv.URL)}
}

func (rl *relay) connect(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	return th.MustConnect(t, rl.wsURL, rl.server.URL, token)
}

// authenticated connects with a known token and consumes the profile
// envelope the relay answers with.
func (rl *relay) authenticated(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := rl.connect(t, token)
	require.Equal(t, identities[token], th.ReceiveProfile(t, conn))
	return conn
}

func (rl *relay) waitForSessions(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return rl.manager.Count() == n },
		2*time.Second, 10*time.Millisecond)
}

func TestHandshake_RejectedWithoutToken(t *testing.T) {
	rl := newRelay(t, nil)

	conn, resp, err := th.ConnectWebSocket(rl.wsURL, rl.server.URL, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Nil(t, conn)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, rl.manager.Count())
}

func TestHandshake_DisallowedOrigin(t *testing.T) {
	rl := newRelay(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"https://chat.example.com"}
	})

	_, resp, err := th.ConnectWebSocket(rl.wsURL, "https://evil.example.com", "tok-1")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = th.ConnectWebSocket(rl.wsURL, "", "tok-1")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandshake_AuthenticatesExactlyOnce(t *testing.T) {
	req := require.New(t)
	rl := newRelay(t, nil)

	// Given a client connecting with a valid bearer token
	conn := rl.connect(t, "tok-1")
	req.Equal("bearer", conn.Subprotocol())

	// Then exactly one profile envelope arrives
	req.Equal(identities["tok-1"], th.ReceiveProfile(t, conn))

	// And a later auth envelope does not produce a second one
	th.SendEnvelope(t, conn, protocol.AuthPayload{Token: "tok-2"})
	th.ExpectNoMessage(t, conn, 200*time.Millisecond)
}

func TestAuthEnvelope_WhenHandshakeAuthDisabled(t *testing.T) {
	req := require.New(t)
	rl := newRelay(t, func(cfg *config.Config) { cfg.Auth.HandshakeAuth = false })

	conn := rl.connect(t, "tok-1")
	th.ExpectNoMessage(t, conn, 150*time.Millisecond)

	// a failed attempt keeps the session open for a retry
	th.SendEnvelope(t, conn, protocol.AuthPayload{Token: "wrong"})
	th.ExpectNoMessage(t, conn, 150*time.Millisecond)

	th.SendEnvelope(t, conn, protocol.AuthPayload{Token: "tok-2"})
	req.Equal(identities["tok-2"], th.ReceiveProfile(t, conn))
}

func TestAuth_TooManyAttemptsClosesSession(t *testing.T) {
	rl := newRelay(t, func(cfg *config.Config) { cfg.Auth.MaxAttempts = 2 })

	// the handshake token is the first failed attempt
	conn := rl.connect(t, "bogus")
	rl.waitForSessions(t, 1)
	th.SendEnvelope(t, conn, protocol.AuthPayload{Token: "still-bogus"})

	th.ExpectClosed(t, conn, 2*time.Second)
	rl.waitForSessions(t, 0)
}

func TestPublish_BroadcastToAllAuthenticated(t *testing.T) {
	req := require.New(t)
	rl := newRelay(t, nil)

	a := rl.authenticated(t, "tok-1")
	b := rl.authenticated(t, "tok-2")
	c := rl.authenticated(t, "tok-3")
	d := rl.connect(t, "unknown-token")
	rl.waitForSessions(t, 4)

	msg := th.ChatMessage(uuid.New(), identities["tok-1"], "random", "hi")
	th.SendEnvelope(t, a, msg)

	req.Equal(msg, th.ReceiveMessage(t, a))
	req.Equal(msg, th.ReceiveMessage(t, b))
	req.Equal(msg, th.ReceiveMessage(t, c))
	th.ExpectNoMessage(t, d, 200*time.Millisecond)

	entries, err := rl.router.History("random", 0)
	req.NoError(err)
	req.Len(entries, 1)
	req.Equal(msg, entries[0].Message)
}

func TestPublish_UnauthenticatedSenderRejected(t *testing.T) {
	req := require.New(t)
	rl := newRelay(t, nil)

	anon := rl.connect(t, "unknown-token")
	b := rl.authenticated(t, "tok-2")
	rl.waitForSessions(t, 2)

	// the anonymous session claims to be Bob
	th.SendEnvelope(t, anon, th.ChatMessage(uuid.New(), identities["tok-2"], "main", "hello"))

	th.ExpectNoMessage(t, b, 300*time.Millisecond)
	entries, err := rl.router.History("main", 0)
	req.NoError(err)
	req.Empty(entries)
}

func TestPublish_IdentityMismatchRejected(t *testing.T) {
	rl := newRelay(t, nil)

	a := rl.authenticated(t, "tok-1")
	b := rl.authenticated(t, "tok-2")

	th.SendEnvelope(t, a, th.ChatMessage(uuid.New(), identities["tok-2"], "main", "I am Bob"))
	th.ExpectNoMessage(t, b, 200*time.Millisecond)
	th.ExpectNoMessage(t, a, 50*time.Millisecond)
}

func TestPublish_SpoofedAndMalformedMessageRejected(t *testing.T) {
	req := require.New(t)
	rl := newRelay(t, nil)

	a := rl.authenticated(t, "tok-1")
	b := rl.authenticated(t, "tok-2")

	// Given ann claims bob's profile in a message whose timestamp and channel are also invalid
	spoofed := fmt.Sprintf(`{"id":%q,"type":"message","payload":{"messageID":%q,"message":"I am Bob",`+
		`"timestamp":"yesterday","userID":%q,"profile":{"name":"Bob","email":"bob@x.com","picture":"http://x/bob.png"},`+
		`"channel":"nowhere"}}`, uuid.NewString(), uuid.NewString(), uuid.NewString())
	req.NoError(a.WriteMessage(websocket.TextMessage, []byte(spoofed)))

	// Then nothing is broadcast or logged and ann's session survives
	th.ExpectNoMessage(t, b, 200*time.Millisecond)
	for _, ch := range config.DefaultChannels() {
		entries, err := rl.router.History(ch.Tag, 0)
		req.NoError(err)
		req.Empty(entries)
	}
	msg := th.ChatMessage(uuid.New(), identities["tok-1"], "main", "genuine")
	th.SendEnvelope(t, a, msg)
	req.Equal(msg, th.ReceiveMessage(t, b))
}

func TestDispatch_DropsInvalidInput(t *testing.T) {
	req := require.New(t)
	rl := newRelay(t, nil)

	a := rl.authenticated(t, "tok-1")
	b := rl.authenticated(t, "tok-2")

	req.NoError(a.WriteMessage(websocket.TextMessage, []byte("not valid json")))
	th.SendEnvelope(t, a, protocol.Profile{Name: "Mallory", Email: "m@x.com", PictureURL: "http://x/m.png"})
	th.SendEnvelope(t, a, th.ChatMessage(uuid.New(), identities["tok-1"], "gossip", "unknown channel"))
	th.ExpectNoMessage(t, b, 200*time.Millisecond)

	// the session survives and can still publish
	msg := th.ChatMessage(uuid.New(), identities["tok-1"], "tech", "still here")
	th.SendEnvelope(t, a, msg)
	req.Equal(msg, th.ReceiveMessage(t, b))
}

func TestPublish_OrderPreservedPerSender(t *testing.T) {
	req := require.New(t)
	rl := newRelay(t, nil)

	a := rl.authenticated(t, "tok-1")
	b := rl.authenticated(t, "tok-2")

	var sent []protocol.ChatMessage
	for i := 0; i < 10; i++ {
		msg := th.ChatMessage(uuid.New(), identities["tok-1"], "main", strings.Repeat("x", i+1))
		msg.Timestamp = int64(1000 - i)
		th.SendEnvelope(t, a, msg)
		sent = append(sent, msg)
	}
	for _, want := range sent {
		req.Equal(want, th.ReceiveMessage(t, b))
	}
}

func TestRateLimit_DropsExcessEnvelopes(t *testing.T) {
	req := require.New(t)
	rl := newRelay(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})

	a := rl.authenticated(t, "tok-1")
	b := rl.authenticated(t, "tok-2")

	var sent []protocol.ChatMessage
	for i := 0; i < 4; i++ {
		sent = append(sent, th.SendEnvelope(t, a, th.ChatMessage(uuid.New(), identities["tok-1"], "main", "spam")).Payload.(protocol.ChatMessage))
	}
	req.Equal(sent[0], th.ReceiveMessage(t, b))
	req.Equal(sent[1], th.ReceiveMessage(t, b))
	th.ExpectNoMessage(t, b, 200*time.Millisecond)
}

func TestDisconnect_RemovesSession(t *testing.T) {
	rl := newRelay(t, nil)

	a := rl.authenticated(t, "tok-1")
	rl.waitForSessions(t, 1)
	require.Equal(t, 1, rl.router.Members())

	require.NoError(t, th.CloseWebSocket(a))
	rl.waitForSessions(t, 0)
	require.Eventually(t, func() bool { return rl.router.Members() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdown_ClosesClients(t *testing.T) {
	rl := newRelay(t, nil)

	a := rl.authenticated(t, "tok-1")
	b := rl.connect(t, "unknown-token")
	rl.waitForSessions(t, 2)

	require.NoError(t, rl.manager.Shutdown(2*time.Second))
	th.ExpectClosed(t, a, 2*time.Second)
	th.ExpectClosed(t, b, 2*time.Second)
	require.Zero(t, rl.manager.Count())
	require.Zero(t, rl.router.Members())

	// connections arriving after shutdown are closed straight away
	late := rl.connect(t, "tok-1")
	th.ExpectClosed(t, late, 2*time.Second)
}

func TestHTTP_Endpoints(t *testing.T) {
	req := require.New(t)
	rl := newRelay(t, nil)

	a := rl.authenticated(t, "tok-1")
	var sent []protocol.ChatMessage
	for i := 0; i < 3; i++ {
		msg := th.ChatMessage(uuid.New(), identities["tok-1"], "social", "m")
		th.SendEnvelope(t, a, msg)
		req.Equal(msg, th.ReceiveMessage(t, a))
		sent = append(sent, msg)
	}

	get := func(t *testing.T, path string) *http.Response {
		t.Helper()
		resp, err := http.Get(rl.server.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	t.Run("health", func(t *testing.T) {
		resp := get(t, "/")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	})

	t.Run("channels", func(t *testing.T) {
		resp := get(t, "/channels")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var channels []router.Channel
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&channels))
		require.Equal(t, config.DefaultChannels(), channels)
	})

	t.Run("history", func(t *testing.T) {
		resp := get(t, "/channels/social/messages?limit=2")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var items []HistoryItem
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
		require.Len(t, items, 2)
		require.Equal(t, uint64(2), items[0].Sequence)
		require.Equal(t, uint64(3), items[1].Sequence)
		env, err := protocol.Decode(items[1].Envelope)
		require.NoError(t, err)
		require.Equal(t, sent[2], env.Payload)
	})

	t.Run("history errors", func(t *testing.T) {
		require.Equal(t, http.StatusNotFound, get(t, "/channels/gossip/messages").StatusCode)
		require.Equal(t, http.StatusBadRequest, get(t, "/channels/main/messages?limit=zero").StatusCode)
	})

	t.Run("websocket endpoint", func(t *testing.T) {
		resp, err := http.Post(rl.server.URL+"/ws", "text/plain", strings.NewReader("test"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

		// a token without websocket headers fails the upgrade itself
		require.Equal(t, http.StatusBadRequest, get(t, "/ws?token=tok-1").StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		require.Equal(t, http.StatusOK, get(t, "/metrics").StatusCode)
	})
}

func TestReadLimit_OversizedFrameClosesSession(t *testing.T) {
	rl := newRelay(t, func(cfg *config.Config) { cfg.MaxMessageSize = 256 })

	a := rl.authenticated(t, "tok-1")
	msg := th.ChatMessage(uuid.New(), identities["tok-1"], "main", strings.Repeat("x", 512))
	th.SendEnvelope(t, a, msg)

	th.ExpectClosed(t, a, 2*time.Second)
	rl.waitForSessions(t, 0)
}
