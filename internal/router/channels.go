package router

import (
	"fmt"
	"strings"
)

// Channel is a statically configured topic.
type Channel struct {
	Tag         string `json:"tag" yaml:"tag"`
	Description string `json:"description" yaml:"description"`
}

// ChannelSet is the immutable, ordered set of configured channels.
type ChannelSet struct {
	ordered []Channel
	byTag   map[string]Channel
}

// NewChannelSet validates the configured channels. Tags must be non-empty
// and unique.
func NewChannelSet(channels []Channel) (*ChannelSet, error) {
	set := &ChannelSet{
		ordered: make([]Channel, 0, len(channels)),
		byTag:   make(map[string]Channel, len(channels)),
	}
	for _, ch := range channels {
		ch.Tag = strings.TrimSpace(ch.Tag)
		if ch.Tag == "" {
			return nil, fmt.Errorf("channel with empty tag")
		}
		if _, dup := set.byTag[ch.Tag]; dup {
			return nil, fmt.Errorf("duplicate channel tag %q", ch.Tag)
		}
		set.byTag[ch.Tag] = ch
		set.ordered = append(set.ordered, ch)
	}
	return set, nil
}

func (s *ChannelSet) Lookup(tag string) (Channel, bool) {
	ch, ok := s.byTag[tag]
	return ch, ok
}

func (s *ChannelSet) Contains(tag string) bool {
	_, ok := s.byTag[tag]
	return ok
}

// List returns the channels in configuration order.
func (s *ChannelSet) List() []Channel {
	return append([]Channel(nil), s.ordered...)
}

func (s *ChannelSet) Len() int { return len(s.ordered) }
