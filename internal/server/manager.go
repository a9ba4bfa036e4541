package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/router"
)

// Manager owns the set of active sessions. Registration and removal are
// serialized through its Run loop; each registered client gets its own
// read and write pump.
type Manager struct {
	cfg     *config.Config
	log     *zap.Logger
	router  *router.Router
	gateway *auth.Gateway

	upgrader websocket.Upgrader
	origins  *originPolicy

	clients    map[uuid.UUID]*client
	register   chan *client
	unregister chan *client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewManager creates a manager. Run must be started before the websocket
// handler accepts connections.
func NewManager(cfg *config.Config, log *zap.Logger, r *router.Router, gateway *auth.Gateway) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		log:        log,
		router:     r,
		gateway:    gateway,
		origins:    newOriginPolicy(log, cfg.AllowedOrigins),
		clients:    make(map[uuid.UUID]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.origins.check,
	}
	return m
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

// Run starts the manager's event loop. It returns once Shutdown is called.
func (m *Manager) Run() {
	defer close(m.done)

	for {
		select {
		case <-m.ctx.Done():
			m.shutdownClients()
			return

		case c := <-m.register:
			m.mutex.Lock()
			m.clients[c.session.ID()] = c
			count := len(m.clients)
			m.mutex.Unlock()
			m.router.Join(c.session)
			metrics.ActiveSessions.Inc()
			m.log.Info("Client registered",
				zap.String("client_id", c.session.ID().String()),
				zap.String("remote_addr", c.session.RemoteAddr()),
				zap.Int("clients", count))

			m.wg.Add(2)
			go func() {
				defer m.wg.Done()
				c.writePump()
			}()
			go func() {
				defer m.wg.Done()
				c.readPump(m.ctx)
			}()

		case c := <-m.unregister:
			m.remove(c)
		}
	}
}

func (m *Manager) remove(c *client) {
	id := c.session.ID()
	m.mutex.Lock()
	_, ok := m.clients[id]
	delete(m.clients, id)
	count := len(m.clients)
	m.mutex.Unlock()

	// Run must not wait on a peer that stopped reading.
	m.router.Leave(id)
	c.session.Drop()
	if !ok {
		return
	}
	metrics.ActiveSessions.Dec()
	m.log.Info("Client unregistered",
		zap.String("client_id", id.String()),
		zap.String("remote_addr", c.session.RemoteAddr()),
		zap.Int("clients", count))
}

// add hands a freshly upgraded client to the Run loop. Once the manager is
// shutting down the client is closed instead.
func (m *Manager) add(c *client) {
	select {
	case m.register <- c:
	case <-m.ctx.Done():
		_ = c.session.Close()
	}
}

// drop asks the Run loop to forget a client.
func (m *Manager) drop(c *client) {
	select {
	case m.unregister <- c:
	case <-m.done:
		m.router.Leave(c.session.ID())
		_ = c.session.Close()
	}
}

// shutdownClients closes every active session.
func (m *Manager) shutdownClients() {
	m.log.Info("Shutting down all client connections")

	m.mutex.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[uuid.UUID]*client)
	m.mutex.Unlock()

	for _, c := range clients {
		m.router.Leave(c.session.ID())
		c.session.Drop()
		metrics.ActiveSessions.Dec()
	}

	m.log.Info("Closed client connections", zap.Int("count", len(clients)))
}

// Shutdown stops the Run loop, closes every session and waits for the pumps
// to exit or for timeout to elapse.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.log.Info("Initiating manager shutdown")
	m.cancel()
	<-m.done

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		m.log.Info("Manager shutdown completed")
		return nil
	case <-time.After(timeout):
		m.log.Warn("Manager shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
