package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syntor/fleetcore/pkg/logging"
)

// Publisher writes status documents and removes keys it published before
// that are no longer present, such as dissolved swarms.
type Publisher struct {
	store  Store
	ttl    time.Duration
	logger logging.Logger

	mu        sync.Mutex
	published map[string]bool
}

// NewPublisher creates a Publisher writing to store with ttl
func NewPublisher(store Store, ttl time.Duration, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Publisher{
		store:     store,
		ttl:       ttl,
		logger:    logger,
		published: make(map[string]bool),
	}
}

// Publish encodes every document as JSON and writes them in one batch
func (p *Publisher) Publish(ctx context.Context, docs map[string]interface{}) error {
	entries := make(map[string][]byte, len(docs))
	for key, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", key, err)
		}
		entries[key] = data
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.Put(ctx, entries, p.ttl); err != nil {
		return err
	}

	var stale []string
	for key := range p.published {
		if _, ok := entries[key]; !ok {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		if err := p.store.Delete(ctx, stale...); err != nil {
			p.logger.Warn("stale snapshot cleanup failed", logging.Int("keys", len(stale)), logging.Err(err))
		} else {
			for _, key := range stale {
				delete(p.published, key)
			}
		}
	}
	for key := range entries {
		p.published[key] = true
	}

	p.logger.Debug("snapshots published", logging.Int("keys", len(entries)))
	return nil
}
