package builder

import (
	"context"
	"sync"
)

// Notifier receives every accepted state change of a build.
type Notifier interface {
	Notify(ctx context.Context, job Job)
}

// Notifiers fans a change out to several notifiers in order.
type Notifiers []Notifier

func (n Notifiers) Notify(ctx context.Context, job Job) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.Notify(ctx, job)
		}
	}
}

// Broadcaster delivers build changes to in-process subscribers. Subscriber
// channels are closed once the build reaches a terminal status.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan Job]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan Job]struct{})}
}

// Subscribe returns a channel of snapshots for id and a cancel func that is safe to call more than once.
func (b *Broadcaster) Subscribe(id string) (<-chan Job, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Job, 32)
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan Job]struct{})
	}
	b.subs[id][ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id][ch]; !ok {
			return
		}
		delete(b.subs[id], ch)
		if len(b.subs[id]) == 0 {
			delete(b.subs, id)
		}
		close(ch)
	}
	return ch, cancel
}

func (b *Broadcaster) Notify(_ context.Context, job Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[job.ID] {
		select {
		case sub <- job:
		default:
		}
	}
	if job.Status.Terminal() {
		for sub := range b.subs[job.ID] {
			close(sub)
		}
		delete(b.subs, job.ID)
	}
}
