package store

import (
	"sync"
	"time"

	"github.com/shaun/inkwell/internal/metrics"
)

const subscriberBuffer = 64

// broadcaster fans committed changes out to subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Change]string
	closed      bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subscribers: make(map[chan Change]string)}
}

// subscribe registers a subscriber for repositoryID, or for every
// repository when it is empty. The returned func unsubscribes and closes the
// channel; it may be called more than once.
func (b *broadcaster) subscribe(repositoryID string) (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[ch] = repositoryID
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetStoreSubscribers(n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[ch]; ok {
				delete(b.subscribers, ch)
				close(ch)
			}
			n := len(b.subscribers)
			b.mu.Unlock()
			metrics.SetStoreSubscribers(n)
		})
	}
}

func (b *broadcaster) publish(changes ...Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range changes {
		if c.At.IsZero() {
			c.At = time.Now()
		}
		for ch, repo := range b.subscribers {
			if repo != "" && repo != c.RepositoryID {
				continue
			}
			select {
			case ch <- c:
			default:
			}
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	metrics.SetStoreSubscribers(0)
}
