package redis

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Store is the subset of Client a Publisher writes through.
type Store interface {
	WriteAndPublishString(key, field, value string) error
}

// Publisher mirrors fields of one hash. A value equal to the last one
// written for the same field is not written again until the TTL expires, so
// bursts of identical notifications cost one round trip.
type Publisher struct {
	mu    sync.Mutex
	store Store
	key   string
	seen  *cache.Cache
}

// NewPublisher returns a publisher for hash key. A ttl of zero disables
// deduplication.
func NewPublisher(store Store, key string, ttl time.Duration) *Publisher {
	p := &Publisher{store: store, key: key}
	if ttl > 0 {
		p.seen = cache.New(ttl, 2*ttl)
	}
	return p
}

// Key returns the hash name.
func (p *Publisher) Key() string { return p.key }

// Set writes field unless it already holds value.
func (p *Publisher) Set(field, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen != nil {
		if last, ok := p.seen.Get(field); ok && last.(string) == value {
			return nil
		}
	}
	if err := p.store.WriteAndPublishString(p.key, field, value); err != nil {
		if p.seen != nil {
			p.seen.Delete(field)
		}
		return err
	}
	if p.seen != nil {
		p.seen.SetDefault(field, value)
	}
	return nil
}

// Forget drops the dedupe state so the next Set of every field is written.
func (p *Publisher) Forget() {
	if p.seen != nil {
		p.seen.Flush()
	}
}
