package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/alanyoungcy/perpops/internal/domain"
)

// streamMaxLen caps each channel's history.
const streamMaxLen = 1000

// EventBus is an in-process publish/subscribe bus with a bounded history
// per channel. It stands in for the Redis bus when Redis is disabled;
// subscribers only see events published by the same process.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
}

type subscription struct {
	pattern string
	ch      chan []byte
}

// NewEventBus returns a bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:    make(map[*subscription]struct{}),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// PublishEvent encodes ev as JSON, appends it to the channel's history and
// publishes it.
func (b *EventBus) PublishEvent(ctx context.Context, channel string, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("memory: marshal event %s: %w", ev.Type, err)
	}
	if err := b.StreamAppend(ctx, channel, payload); err != nil {
		return err
	}
	return b.Publish(ctx, channel, payload)
}

// Publish delivers payload to every matching subscriber. A subscriber whose
// buffer is full misses the message.
func (b *EventBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe streams payloads published on channel until ctx is done. A
// channel containing glob characters subscribes to the pattern.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	s := &subscription{pattern: channel, ch: make(chan []byte, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend adds payload to the history of stream, dropping the oldest
// entry once the history is full.
func (b *EventBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{ID: strconv.FormatUint(b.seq, 10), Payload: payload})
	if len(msgs) > streamMaxLen {
		msgs = msgs[len(msgs)-streamMaxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start).
func (b *EventBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := strconv.ParseUint(lastID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: bad id %q", stream, lastID)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if count > 0 && len(out) == count {
			break
		}
		if id, _ := strconv.ParseUint(m.ID, 10, 64); id > after {
			out = append(out, m)
		}
	}
	return out, nil
}

var (
	_ domain.SignalBus      = (*EventBus)(nil)
	_ domain.EventPublisher = (*EventBus)(nil)
)
