package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/chatrelay/internal/errs"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/session"
)

var defaultChannels = []Channel{
	{Tag: "main", Description: "General discussion"},
	{Tag: "tech", Description: "Technology"},
	{Tag: "social", Description: "Social"},
	{Tag: "support", Description: "Support"},
	{Tag: "random", Description: "Random"},
}

func newRouter(t *testing.T) *Router {
	t.Helper()
	set, err := NewChannelSet(defaultChannels)
	require.NoError(t, err)
	return New(zaptest.NewLogger(t), set, NewMemoryLog())
}

func profileFor(name string) protocol.Profile {
	return protocol.Profile{Name: name, Email: name + "@x.com", PictureURL: "http://x/" + name + ".png"}
}

// member joins a session to the router, authenticated when name is non-empty.
func member(t *testing.T, r *Router, name string, buffer int) *session.Session {
	t.Helper()
	s := session.New(nil, "test", buffer)
	require.NoError(t, s.Open())
	if name != "" {
		require.NoError(t, s.AttachProfile(profileFor(name)))
	}
	r.Join(s)
	return s
}

func messageFrom(s *session.Session, channel, body string, ts int64) protocol.ChatMessage {
	p, _ := s.Profile()
	return protocol.ChatMessage{
		MessageID:      uuid.New(),
		Body:           body,
		Timestamp:      ts,
		SenderClientID: s.ID(),
		SenderProfile:  p,
		Channel:        channel,
	}
}

func received(s *session.Session) []protocol.ChatMessage {
	var out []protocol.ChatMessage
	for {
		select {
		case data, ok := <-s.Outbound():
			if !ok {
				return out
			}
			env, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			if msg, ok := env.Payload.(protocol.ChatMessage); ok {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func TestPublish_BroadcastsToAuthenticatedOnly(t *testing.T) {
	req := require.New(t)
	r := newRouter(t)
	a := member(t, r, "ann", 8)
	b := member(t, r, "bob", 8)
	c := member(t, r, "cat", 8)
	d := member(t, r, "", 8)

	msg := messageFrom(a, "random", "hello", 1)
	ack, err := r.Publish(context.Background(), a, msg)
	req.NoError(err)
	req.Equal(uint64(1), ack.Sequence)
	req.Equal(3, ack.Delivered)
	req.Zero(ack.Failed)

	req.Equal([]protocol.ChatMessage{msg}, received(b))
	req.Equal([]protocol.ChatMessage{msg}, received(c))
	req.Equal([]protocol.ChatMessage{msg}, received(a))
	req.Empty(received(d))
}

func TestPublish_NotFilteredByRecipientChannel(t *testing.T) {
	req := require.New(t)
	r := newRouter(t)
	a := member(t, r, "ann", 8)
	b := member(t, r, "bob", 8)
	b.SetChannel("social")

	msg := messageFrom(a, "tech", "kernel news", 1)
	_, err := r.Publish(context.Background(), a, msg)
	req.NoError(err)
	req.Equal([]protocol.ChatMessage{msg}, received(b))
}

func TestPublish_UnauthenticatedSenderRejected(t *testing.T) {
	req := require.New(t)
	r := newRouter(t)
	anon := member(t, r, "", 8)
	b := member(t, r, "bob", 8)

	msg := messageFrom(anon, "main", "let me in", 1)
	msg.SenderProfile = profileFor("bob")

	_, err := r.Publish(context.Background(), anon, msg)
	req.ErrorIs(err, errs.ErrNotAuthenticated)
	req.Empty(received(b))
	req.Zero(r.store.Len("main"))
}

func TestPublish_IdentityMismatch(t *testing.T) {
	req := require.New(t)
	r := newRouter(t)
	a := member(t, r, "ann", 8)
	b := member(t, r, "bob", 8)

	spoofed := messageFrom(a, "main", "I am bob", 1)
	spoofed.SenderProfile = profileFor("bob")
	_, err := r.Publish(context.Background(), a, spoofed)
	req.ErrorIs(err, errs.ErrIdentityMismatch)

	// the mismatch wins even when the channel is also invalid
	spoofed.Channel = "nowhere"
	_, err = r.Publish(context.Background(), a, spoofed)
	req.ErrorIs(err, errs.ErrIdentityMismatch)

	req.Empty(received(b))
	req.Zero(r.store.Len("main"))
}

func TestPublish_UnknownChannel(t *testing.T) {
	req := require.New(t)
	r := newRouter(t)
	a := member(t, r, "ann", 8)

	_, err := r.Publish(context.Background(), a, messageFrom(a, "gossip", "psst", 1))
	req.ErrorIs(err, errs.ErrUnknownChannel)
	req.Empty(received(a))
}

func TestPublish_OrderIsArrivalNotTimestamp(t *testing.T) {
	req := require.New(t)
	r := newRouter(t)
	a := member(t, r, "ann", 8)
	b := member(t, r, "bob", 8)

	first := messageFrom(a, "main", "first", 2000)
	second := messageFrom(a, "main", "second", 1000)

	_, err := r.Publish(context.Background(), a, first)
	req.NoError(err)
	_, err = r.Publish(context.Background(), a, second)
	req.NoError(err)

	entries, err := r.History("main", 0)
	req.NoError(err)
	req.Len(entries, 2)
	req.Equal(first, entries[0].Message)
	req.Equal(second, entries[1].Message)
	req.Equal(uint64(1), entries[0].Sequence)
	req.Equal(uint64(2), entries[1].Sequence)

	req.Equal([]protocol.ChatMessage{first, second}, received(b))
}

func TestPublish_ConcurrentSendersNoLossNoDuplicates(t *testing.T) {
	const senders, perSender = 8, 50
	req := require.New(t)
	r := newRouter(t)

	sessions := make([]*session.Session, senders)
	for i := range sessions {
		sessions[i] = member(t, r, fmt.Sprintf("user%d", i), senders*perSender+1)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_, err := r.Publish(context.Background(), s, messageFrom(s, "tech", fmt.Sprintf("%d", j), int64(j)))
				if err != nil {
					t.Errorf("publish: %v", err)
				}
			}
		}(s)
	}
	wg.Wait()

	entries, err := r.History("tech", 0)
	req.NoError(err)
	req.Len(entries, senders*perSender)

	seen := make(map[uuid.UUID]struct{}, len(entries))
	for i, e := range entries {
		req.Equal(uint64(i+1), e.Sequence)
		_, dup := seen[e.Message.MessageID]
		req.False(dup, "duplicate message %s", e.Message.MessageID)
		seen[e.Message.MessageID] = struct{}{}
	}

	// every member observes the log order
	want := make([]protocol.ChatMessage, len(entries))
	for i, e := range entries {
		want[i] = e.Message
	}
	for _, s := range sessions {
		req.Equal(want, received(s))
	}
}

func TestPublish_FailedDeliveryDoesNotAbort(t *testing.T) {
	req := require.New(t)
	r := newRouter(t)
	a := member(t, r, "ann", 8)
	broken := member(t, r, "bob", 1)
	c := member(t, r, "cat", 8)
	// bob stops reading: his single queue slot is already taken
	req.NoError(broken.SendRaw([]byte("backlog")))

	msg := messageFrom(a, "support", "help", 1)
	ack, err := r.Publish(context.Background(), a, msg)
	req.NoError(err)
	req.Equal(2, ack.Delivered)
	req.Equal(1, ack.Failed)
	req.Equal([]protocol.ChatMessage{msg}, received(c))

	// the broken member was dropped from the broadcast set
	req.Equal(2, r.Members())
	req.Equal(session.Closed, broken.State())
}

func TestLeave_StopsDelivery(t *testing.T) {
	req := require.New(t)
	r := newRouter(t)
	a := member(t, r, "ann", 8)
	b := member(t, r, "bob", 8)
	r.Leave(b.ID())

	_, err := r.Publish(context.Background(), a, messageFrom(a, "main", "bye", 1))
	req.NoError(err)
	req.Empty(received(b))
}

func TestHistory_UnknownChannel(t *testing.T) {
	_, err := newRouter(t).History("gossip", 10)
	require.ErrorIs(t, err, errs.ErrUnknownChannel)
}

func TestNewChannelSet_Validation(t *testing.T) {
	req := require.New(t)

	set, err := NewChannelSet(defaultChannels)
	req.NoError(err)
	req.Equal(5, set.Len())
	req.Equal(defaultChannels, set.List())
	ch, ok := set.Lookup("tech")
	req.True(ok)
	req.Equal("Technology", ch.Description)

	_, err = NewChannelSet([]Channel{{Tag: "main"}, {Tag: "main"}})
	req.Error(err)
	_, err = NewChannelSet([]Channel{{Tag: " "}})
	req.Error(err)
}

// stuckHandle models a peer whose connection never finishes closing.
type stuckHandle struct{ release chan struct{} }

func (h stuckHandle) Close() error {
	<-h.release
	return nil
}

func TestPublish_SlowRecipientDoesNotStallOtherPublishers(t *testing.T) {
	req := require.New(t)
	r := newRouter(t)
	a := member(t, r, "ann", 8)
	b := member(t, r, "bob", 8)

	h := stuckHandle{release: make(chan struct{})}
	defer close(h.release)
	slow := session.New(h, "slow", 1)
	req.NoError(slow.Open())
	req.NoError(slow.AttachProfile(profileFor("sam")))
	r.Join(slow)
	req.NoError(slow.SendRaw([]byte("backlog")))

	// Given ann's publish overflows the slow member's queue
	first := make(chan Ack, 1)
	go func() {
		ack, err := r.Publish(context.Background(), a, messageFrom(a, "main", "hello", 1))
		if err != nil {
			t.Errorf("publish: %v", err)
		}
		first <- ack
	}()

	// When bob publishes on an unrelated channel right after
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	ack, err := r.Publish(context.Background(), b, messageFrom(b, "tech", "unrelated", 2))

	// Then neither publish waits for the stuck connection to close
	req.NoError(err)
	req.Less(time.Since(start), 500*time.Millisecond)
	req.Equal(2, ack.Delivered)
	select {
	case firstAck := <-first:
		req.Equal(1, firstAck.Failed+ack.Failed)
	case <-time.After(500 * time.Millisecond):
		req.Fail("first publish blocked on the slow member")
	}
	req.Equal(session.Closed, slow.State())
	req.Equal(2, r.Members())
}
