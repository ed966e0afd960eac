package assistant

import (
	"sync"
	"time"
)

// Event is one observable state change, fanned out to UI subscribers.
type Event struct {
	Type    string    `json:"type"`
	State   string    `json:"state,omitempty"`
	Text    string    `json:"text,omitempty"`
	Speaker string    `json:"speaker,omitempty"`
	Time    time.Time `json:"time"`
}

const (
	EventState      = "state"
	EventTranscript = "transcript"
	EventCommand    = "command"
	EventSpeaker    = "speaker"
	EventReply      = "reply"
	EventError      = "error"
)

// Broker fans events out to any number of subscribers. Publishing never
// blocks; a subscriber that stops draining loses events, not the publisher.
type Broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a listener. The returned cancel must be called to
// release it.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish stamps and delivers e to every live subscriber.
func (b *Broker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
