package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/errs"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/router"
)

const maxHistoryLimit = 500

// HistoryItem is one entry of the channel history response. Envelope holds
// the message in its wire form.
type HistoryItem struct {
	Sequence uint64          `json:"sequence"`
	Envelope json.RawMessage `json:"envelope"`
}

// handshakeToken extracts the bearer credential offered with a websocket
// handshake. It also returns the subprotocol to echo back, if any.
//
// Accepted forms, in order: Sec-WebSocket-Protocol "bearer, <token>" or a
// single "<token>", an "Authorization: Bearer <token>" header, and the
// queryKey query parameter.
func handshakeToken(r *http.Request, queryKey string) (token, subprotocol string) {
	switch protocols := websocket.Subprotocols(r); {
	case len(protocols) >= 2 && strings.EqualFold(protocols[0], "bearer") && protocols[1] != "":
		return protocols[1], protocols[0]
	case len(protocols) == 1 && protocols[0] != "" && !strings.EqualFold(protocols[0], "bearer"):
		return protocols[0], protocols[0]
	}

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, credential, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") && strings.TrimSpace(credential) != "" {
			return strings.TrimSpace(credential), ""
		}
	}

	if queryKey != "" {
		if t := r.URL.Query().Get(queryKey); t != "" {
			return t, ""
		}
	}
	return "", ""
}

// WebSocketHandler upgrades authenticated handshakes and registers the new
// session with the manager. Handshakes without a bearer token are refused
// with 401 before any session exists.
func (m *Manager) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	token, subprotocol := handshakeToken(r, m.cfg.Auth.TokenQueryKey)
	if token == "" {
		metrics.HandshakeRejected.Inc()
		m.log.Warn("Rejected handshake without bearer token", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, errs.ErrHandshakeRejected.Error(), http.StatusUnauthorized)
		return
	}

	var header http.Header
	if subprotocol != "" {
		header = http.Header{"Sec-Websocket-Protocol": {subprotocol}}
	}
	conn, err := m.upgrader.Upgrade(w, r, header)
	if err != nil {
		m.log.Warn("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c, err := newClient(conn, m, r.RemoteAddr, token)
	if err != nil {
		m.log.Warn("Could not open session", zap.Error(err))
		_ = conn.Close()
		return
	}

	// The Run loop launches the pumps.
	m.add(c)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (m *Manager) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatrelay is running! sessions=%d", m.Count())
}

// ChannelsHandler lists the configured channels.
func (m *Manager) ChannelsHandler(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, m.router.Channels().List())
}

// HistoryHandler returns the most recent messages of a channel, oldest
// first. The limit query parameter defaults to the configured history limit.
func (m *Manager) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]

	limit := m.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	limit = min(limit, maxHistoryLimit)

	entries, err := m.router.History(tag, limit)
	if err != nil {
		if errors.Is(err, errs.ErrUnknownChannel) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		m.log.Error("History lookup failed", zap.String("channel", tag), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	items, err := historyItems(entries)
	if err != nil {
		m.log.Error("Encoding history failed", zap.String("channel", tag), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, http.StatusOK, items)
}

func historyItems(entries []router.Entry) ([]HistoryItem, error) {
	items := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		frame, err := protocol.Encode(protocol.Envelope{ID: e.Message.MessageID, Payload: e.Message})
		if err != nil {
			return nil, err
		}
		items = append(items, HistoryItem{Sequence: e.Sequence, Envelope: frame})
	}
	return items, nil
}

func (m *Manager) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.Warn("Error writing JSON response", zap.Error(err))
	}
}
