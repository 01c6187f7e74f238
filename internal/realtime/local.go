package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"blueshot/api/internal/logger"
)

// Local is an in-process Notifier for single-replica and memory-store runs.
// Slow subscribers drop messages instead of blocking publishers.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[chan Message]struct{}
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[chan Message]struct{})}
}

func (l *Local) Publish(_ context.Context, channel, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		lg := logger.With("realtime")
		lg.Error().Err(err).Str("event", event).Msg("marshal payload")
		return
	}
	msg := Message{Channel: channel, Event: event, Payload: raw, SentAt: time.Now().UTC()}

	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[channel] {
		select {
		case ch <- msg:
		default:
			lg := logger.With("realtime")
			lg.Warn().Str("channel", channel).Str("event", event).Msg("subscriber full, dropping")
		}
	}
}

func (l *Local) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	ch := make(chan Message, 16)
	l.mu.Lock()
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[chan Message]struct{})
	}
	l.subs[channel][ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[channel], ch)
		if len(l.subs[channel]) == 0 {
			delete(l.subs, channel)
		}
		l.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Subscribers reports how many streams listen on channel.
func (l *Local) Subscribers(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[channel])
}
