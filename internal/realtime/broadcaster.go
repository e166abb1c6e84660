// Package realtime fans out room events to session participants. The server
// side publishes onto one redis pub/sub channel per room; the hub bridges
// those channels to websocket clients, and RoomView is the reducer each
// client applies events with.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/karaoke-room-system/pkg/events"
)

const channelPrefix = "room:"

// ChannelName returns the redis channel for a room code.
func ChannelName(roomCode string) string {
	return channelPrefix + roomCode
}

// Handlers receives decoded events for one subscription. Nil handlers are
// skipped. OnConnectionStatusChange fires when the underlying redis
// subscription is established or lost.
type Handlers struct {
	OnQueueUpdated           func(events.QueueUpdatedPayload)
	OnSongChanged            func(events.SongChangedPayload)
	OnPlaybackControl        func(events.PlaybackControlPayload)
	OnConnectionStatusChange func(connected bool)
}

// Broadcaster is the per-room fan-out channel. Publishes on one room are
// delivered to that room's subscribers in publish order; subscribing twice to
// the same room reuses the existing redis subscription.
type Broadcaster struct {
	rdb *redis.Client
	log zerolog.Logger

	mu       sync.Mutex
	channels map[string]*roomChannel
	closed   bool
}

type roomChannel struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	subs   map[*Subscription]struct{}
}

// Subscription is a handle onto one room's event stream.
type Subscription struct {
	b        *Broadcaster
	roomCode string
	handlers Handlers
	once     sync.Once
}

func NewBroadcaster(rdb *redis.Client, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		rdb:      rdb,
		log:      log.With().Str("component", "broadcaster").Logger(),
		channels: make(map[string]*roomChannel),
	}
}

// Publish sends one event to every subscriber of the event's room. Delivery
// to subscribers preserves publish order within the room's channel.
func (b *Broadcaster) Publish(ctx context.Context, event events.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, ChannelName(event.RoomCode), raw).Err()
}

// Subscribe attaches handlers to a room's event stream. The first subscriber
// of a room opens the redis subscription; later subscribers share it.
func (b *Broadcaster) Subscribe(ctx context.Context, roomCode string, handlers Handlers) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{b: b, roomCode: roomCode, handlers: handlers}

	ch, ok := b.channels[roomCode]
	if !ok {
		pubsub := b.rdb.Subscribe(ctx, ChannelName(roomCode))
		// Receive forces the SUBSCRIBE handshake so messages published after
		// this call are guaranteed to reach us.
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, err
		}
		runCtx, cancel := context.WithCancel(context.Background())
		ch = &roomChannel{
			pubsub: pubsub,
			cancel: cancel,
			subs:   make(map[*Subscription]struct{}),
		}
		b.channels[roomCode] = ch
		go b.dispatchLoop(runCtx, roomCode, ch)
	}

	ch.subs[sub] = struct{}{}
	if handlers.OnConnectionStatusChange != nil {
		handlers.OnConnectionStatusChange(true)
	}
	return sub, nil
}

// dispatchLoop reads one room's redis channel and dispatches synchronously,
// keeping per-topic FIFO order for every attached subscription.
func (b *Broadcaster) dispatchLoop(ctx context.Context, roomCode string, ch *roomChannel) {
	msgs := ch.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				b.notifyDisconnect(roomCode)
				return
			}
			var event events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn().Err(err).Str("room", roomCode).Msg("dropping undecodable event")
				continue
			}
			b.dispatch(roomCode, event)
		}
	}
}

func (b *Broadcaster) dispatch(roomCode string, event events.Event) {
	b.mu.Lock()
	ch, ok := b.channels[roomCode]
	if !ok {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(ch.subs))
	for s := range ch.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(event, b.log)
	}
}

func (s *Subscription) deliver(event events.Event, log zerolog.Logger) {
	switch event.Type {
	case events.TypeQueueUpdated:
		if s.handlers.OnQueueUpdated == nil {
			return
		}
		payload, err := event.QueueUpdated()
		if err != nil {
			log.Warn().Err(err).Msg("bad queue_updated payload")
			return
		}
		s.handlers.OnQueueUpdated(payload)
	case events.TypeSongChanged:
		if s.handlers.OnSongChanged == nil {
			return
		}
		payload, err := event.SongChanged()
		if err != nil {
			log.Warn().Err(err).Msg("bad song_changed payload")
			return
		}
		s.handlers.OnSongChanged(payload)
	case events.TypePlaybackControl:
		if s.handlers.OnPlaybackControl == nil {
			return
		}
		payload, err := event.PlaybackControl()
		if err != nil {
			log.Warn().Err(err).Msg("bad playback_control payload")
			return
		}
		s.handlers.OnPlaybackControl(payload)
	default:
		log.Warn().Str("type", string(event.Type)).Msg("unknown event type")
	}
}

func (b *Broadcaster) notifyDisconnect(roomCode string) {
	b.mu.Lock()
	ch, ok := b.channels[roomCode]
	if !ok {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(ch.subs))
	for s := range ch.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if s.handlers.OnConnectionStatusChange != nil {
			s.handlers.OnConnectionStatusChange(false)
		}
	}
}

// Close detaches the subscription; the room's redis channel shuts down when
// its last subscription closes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		ch, ok := s.b.channels[s.roomCode]
		if !ok {
			return
		}
		delete(ch.subs, s)
		if len(ch.subs) == 0 {
			ch.cancel()
			_ = ch.pubsub.Close()
			delete(s.b.channels, s.roomCode)
		}
	})
}

// Close shuts down every room channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for code, ch := range b.channels {
		ch.cancel()
		_ = ch.pubsub.Close()
		delete(b.channels, code)
	}
}
