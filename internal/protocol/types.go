// Package protocol defines the relay wire envelope and the closed set of
// payloads it can carry, together with the codec that turns frames into
// validated values.
package protocol

import "github.com/google/uuid"

// Kind is the envelope type tag.
type Kind string

// Recognized envelope kinds. Anything else is a malformed envelope.
const (
	KindAuth    Kind = "auth"
	KindProfile Kind = "profile"
	KindMessage Kind = "message"
)

// Payload is implemented only by AuthPayload, Profile and ChatMessage.
// Dispatch on it with an exhaustive type switch.
type Payload interface {
	Kind() Kind
	sealed()
}

// AuthPayload carries the opaque bearer credential issued by the identity
// provider.
type AuthPayload struct {
	Token string
}

// Profile is the verified identity bound to a session after authentication.
type Profile struct {
	Name       string
	Email      string
	PictureURL string
}

// ChatMessage is a message published to a channel. Timestamp is the
// client-stamped time in milliseconds since the epoch and is never used for
// ordering.
type ChatMessage struct {
	MessageID      uuid.UUID
	Body           string
	Timestamp      int64
	SenderClientID uuid.UUID
	SenderProfile  Profile
	Channel        string
}

func (AuthPayload) Kind() Kind { return KindAuth }
func (Profile) Kind() Kind     { return KindProfile }
func (ChatMessage) Kind() Kind { return KindMessage }

func (AuthPayload) sealed() {}
func (Profile) sealed()     {}
func (ChatMessage) sealed() {}

// Envelope is the outer frame exchanged over a connection. The ID is
// generated by the sender and only used for tracing.
type Envelope struct {
	ID      uuid.UUID
	Payload Payload
}

// New wraps a payload in an envelope with a fresh ID.
func New(p Payload) Envelope {
	return Envelope{ID: uuid.New(), Payload: p}
}

// Type returns the kind of the carried payload, or an empty Kind when the
// envelope has none.
func (e Envelope) Type() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}
