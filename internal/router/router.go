// Package router validates published chat messages, records them in
// per-channel order and fans them out to every authenticated session.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/errs"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/protocol"
)

// Sender is the session a message originates from.
type Sender interface {
	ID() uuid.UUID
	Profile() (protocol.Profile, bool)
}

// Recipient is a member of the broadcast set.
type Recipient interface {
	ID() uuid.UUID
	Authenticated() bool
	SendRaw(data []byte) error
}

// Ack is returned for every accepted publish.
type Ack struct {
	MessageID uuid.UUID
	Channel   string
	Sequence  uint64
	Delivered int
	Failed    int
}

// Router owns the channel logs and the broadcast set. Appends and fan-out
// are serialized by publishMu so that every recipient observes a channel's
// messages in log order.
type Router struct {
	log      *zap.Logger
	channels *ChannelSet
	store    Log

	publishMu sync.Mutex

	membersMu sync.RWMutex
	members   map[uuid.UUID]Recipient
}

func New(log *zap.Logger, channels *ChannelSet, store Log) *Router {
	return &Router{
		log:      log,
		channels: channels,
		store:    store,
		members:  make(map[uuid.UUID]Recipient),
	}
}

func (r *Router) Channels() *ChannelSet { return r.channels }

// Join adds a session to the broadcast set. Only members that are
// authenticated at publish time receive messages.
func (r *Router) Join(m Recipient) {
	r.membersMu.Lock()
	r.members[m.ID()] = m
	r.membersMu.Unlock()
}

// Leave removes a session from the broadcast set.
func (r *Router) Leave(id uuid.UUID) {
	r.membersMu.Lock()
	delete(r.members, id)
	r.membersMu.Unlock()
}

func (r *Router) Members() int {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	return len(r.members)
}

func (r *Router) snapshot() []Recipient {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	return lo.Values(r.members)
}

// History returns up to limit of the most recent entries of a channel.
func (r *Router) History(channel string, limit int) ([]Entry, error) {
	if !r.channels.Contains(channel) {
		return nil, fmt.Errorf("%w: %q", errs.ErrUnknownChannel, channel)
	}
	return r.store.List(channel, limit)
}

// Publish validates msg against the sending session, appends it to its
// channel log and delivers it to every authenticated member. Failed
// deliveries drop the affected member and never fail the publish.
func (r *Router) Publish(ctx context.Context, from Sender, msg protocol.ChatMessage) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	profile, ok := from.Profile()
	if !ok {
		metrics.RejectedPublishes.WithLabelValues("not_authenticated").Inc()
		return Ack{}, errs.ErrNotAuthenticated
	}
	if msg.SenderProfile != profile {
		metrics.RejectedPublishes.WithLabelValues("identity_mismatch").Inc()
		return Ack{}, fmt.Errorf("%w: session %s", errs.ErrIdentityMismatch, from.ID())
	}
	if !r.channels.Contains(msg.Channel) {
		metrics.RejectedPublishes.WithLabelValues("unknown_channel").Inc()
		return Ack{}, fmt.Errorf("%w: %q", errs.ErrUnknownChannel, msg.Channel)
	}

	frame, err := protocol.Encode(protocol.New(msg))
	if err != nil {
		return Ack{}, err
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	seq, err := r.store.Append(msg)
	if err != nil {
		return Ack{}, fmt.Errorf("append to %q: %w", msg.Channel, err)
	}
	metrics.PublishedMessages.WithLabelValues(msg.Channel).Inc()

	ack := Ack{MessageID: msg.MessageID, Channel: msg.Channel, Sequence: seq}
	var failed []uuid.UUID
	for _, m := range r.snapshot() {
		if !m.Authenticated() {
			continue
		}
		if err := m.SendRaw(frame); err != nil {
			ack.Failed++
			failed = append(failed, m.ID())
			metrics.DeliveryFailures.Inc()
			r.log.Warn("Delivery failed",
				zap.String("client_id", m.ID().String()),
				zap.String("channel", msg.Channel),
				zap.Error(err))
			continue
		}
		ack.Delivered++
	}
	for _, id := range failed {
		r.Leave(id)
	}

	r.log.Debug("Message published",
		zap.String("message_id", msg.MessageID.String()),
		zap.String("channel", msg.Channel),
		zap.Uint64("sequence", seq),
		zap.Int("delivered", ack.Delivered),
		zap.Int("failed", ack.Failed))
	return ack, nil
}
