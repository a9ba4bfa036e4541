// Package session tracks the server-side state of one live client
// connection: its identifier, authentication state, verified profile and
// bounded outbound queue.
package session

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/Tyrowin/chatrelay/internal/errs"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// State is a step of the session lifecycle.
type State int

const (
	Connecting State = iota
	Open
	Authenticating
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is safe for concurrent use. The outbound queue is drained by the
// connection's write pump; Close releases both the queue and the handle.
type Session struct {
	id         uuid.UUID
	remoteAddr string
	handle     io.Closer

	mu          sync.RWMutex
	state       State
	profile     protocol.Profile
	channel     string
	failedAuths int
	outbound    chan []byte
	done        chan struct{}
}

// New creates a session for a freshly accepted connection. handle may be nil
// when the caller owns the connection lifetime.
func New(handle io.Closer, remoteAddr string, bufferSize int) *Session {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Session{
		id:         uuid.New(),
		remoteAddr: remoteAddr,
		handle:     handle,
		state:      Connecting,
		outbound:   make(chan []byte, bufferSize),
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID      { return s.id }
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Outbound returns the queue of encoded frames awaiting delivery. It is
// closed when the session closes.
func (s *Session) Outbound() <-chan []byte { return s.outbound }

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Authenticated() bool {
	return s.State() == Authenticated
}

// Profile returns the attached profile, if any.
func (s *Session) Profile() (protocol.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile, s.state == Authenticated
}

// Open marks the transport handshake as complete.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return errs.ErrSessionClosed
	case Connecting:
		s.state = Open
	}
	return nil
}

// BeginAuthentication records that an auth envelope has been received.
// Repeated attempts while still authenticating are allowed.
func (s *Session) BeginAuthentication() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return errs.ErrSessionClosed
	case Authenticated:
		return errs.ErrAlreadyAuthenticated
	default:
		s.state = Authenticating
		return nil
	}
}

// AttachProfile binds the verified profile and moves the session to
// Authenticated. Only the first call has an effect.
func (s *Session) AttachProfile(p protocol.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return errs.ErrSessionClosed
	case Authenticated:
		return errs.ErrAlreadyAuthenticated
	default:
		s.profile = p
		s.state = Authenticated
		return nil
	}
}

// RecordFailedAuth counts a failed verification and returns the running
// total for this session.
func (s *Session) RecordFailedAuth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedAuths++
	return s.failedAuths
}

// SetChannel stores the channel the client reports as selected. It is
// informational only and never used to filter delivery.
func (s *Session) SetChannel(tag string) {
	s.mu.Lock()
	s.channel = tag
	s.mu.Unlock()
}

func (s *Session) Channel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

// Send encodes the envelope and queues it for the write pump.
func (s *Session) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw queues an already encoded frame. It never blocks: a full queue
// means the peer is not keeping up, so the session is dropped and the send
// fails as if the connection were gone.
func (s *Session) SendRaw(data []byte) error {
	s.mu.RLock()
	if s.state == Closed {
		s.mu.RUnlock()
		return errs.ErrSendOnClosedConnection
	}
	select {
	case s.outbound <- data:
		s.mu.RUnlock()
		return nil
	default:
		s.mu.RUnlock()
	}

	s.Drop()
	return fmt.Errorf("%w: outbound queue full", errs.ErrSendOnClosedConnection)
}

// Close moves the session to Closed and releases the connection handle.
// Calling it more than once is harmless.
func (s *Session) Close() error {
	if !s.markClosed() {
		return nil
	}
	if s.handle != nil {
		return s.handle.Close()
	}
	return nil
}

// Drop moves the session to Closed without waiting for the connection
// handle, which is released on its own goroutine. Callers holding locks
// shared with other sessions use it instead of Close.
func (s *Session) Drop() {
	if !s.markClosed() || s.handle == nil {
		return
	}
	go func() { _ = s.handle.Close() }()
}

// markClosed reports whether this call performed the transition.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return false
	}
	s.state = Closed
	close(s.outbound)
	close(s.done)
	return true
}
