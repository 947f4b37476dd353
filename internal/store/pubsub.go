package store

import (
	"context"
	"sync"
)

// Message mirrors redis.Message for the in-memory pubsub path.
type Message struct {
	Channel string
	Payload string
}

// LocalPubSub is a process-local subscription handed out by PubSubHub when
// Redis is unavailable.
type LocalPubSub struct {
	channels map[string]bool
	msgChan  chan *Message
	closeCh  chan struct{}
	closed   bool
	mu       sync.RWMutex
}

func newLocalPubSub(channels []string) *LocalPubSub {
	channelMap := make(map[string]bool, len(channels))
	for _, ch := range channels {
		channelMap[ch] = true
	}

	return &LocalPubSub{
		channels: channelMap,
		msgChan:  make(chan *Message, 100),
		closeCh:  make(chan struct{}),
	}
}

func (p *LocalPubSub) Channel() <-chan *Message {
	return p.msgChan
}

func (p *LocalPubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.closeCh)
		close(p.msgChan)
	}
	return nil
}

func (p *LocalPubSub) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// send delivers a message without blocking; the subscriber loses ticks it
// cannot keep up with.
func (p *LocalPubSub) send(msg *Message) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.channels[msg.Channel] {
		return
	}

	select {
	case p.msgChan <- msg:
	default:
	}
}

// PubSubHub fans published messages out to local subscribers.
type PubSubHub struct {
	subscribers map[string][]*LocalPubSub
	mu          sync.RWMutex
}

func NewPubSubHub() *PubSubHub {
	return &PubSubHub{
		subscribers: make(map[string][]*LocalPubSub),
	}
}

// Subscribe registers a new subscription for the given channels. It is
// removed from the hub when closed or when ctx is cancelled.
func (h *PubSubHub) Subscribe(ctx context.Context, channels ...string) *LocalPubSub {
	pubsub := newLocalPubSub(channels)

	h.mu.Lock()
	for _, channel := range channels {
		h.subscribers[channel] = append(h.subscribers[channel], pubsub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			pubsub.Close()
		case <-pubsub.closeCh:
		}

		h.mu.Lock()
		defer h.mu.Unlock()

		for _, channel := range channels {
			subs := h.subscribers[channel]
			for i, sub := range subs {
				if sub == pubsub {
					h.subscribers[channel] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(h.subscribers[channel]) == 0 {
				delete(h.subscribers, channel)
			}
		}
	}()

	return pubsub
}

// Publish delivers payload to every subscriber of channel.
func (h *PubSubHub) Publish(channel, payload string) {
	h.mu.RLock()
	subscribers := make([]*LocalPubSub, len(h.subscribers[channel]))
	copy(subscribers, h.subscribers[channel])
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	msg := &Message{Channel: channel, Payload: payload}
	for _, sub := range subscribers {
		if !sub.isClosed() {
			sub.send(msg)
		}
	}
}
