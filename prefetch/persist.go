package prefetch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// Models returns a deep copy of the learned models
func (p *Prefetcher) Models() Models {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modelsLocked()
}

func (p *Prefetcher) modelsLocked() Models {
	out := make(Models, len(p.models))
	for location, m := range p.models {
		out[location] = m.clone()
	}
	return out
}

// Save writes the models document under StoreKey. A nil store is a no-op.
func (p *Prefetcher) Save(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	data, err := json.Marshal(p.modelsLocked())
	p.mu.Unlock()
	if err != nil {
		return errors.WrapFatal(err, "prefetch", "Save", "encode models")
	}

	if err := p.store.Put(ctx, p.config.StoreKey, data); err != nil {
		return errors.WrapTransient(err, "prefetch", "Save", "put models")
	}

	p.mu.Lock()
	p.stats.lastSave = p.clock.Now()
	p.mu.Unlock()
	p.logger.Debug("Prediction models saved", "bytes", len(data))
	return nil
}

// Load replaces the models with the persisted document. A missing document
// leaves the models untouched; a corrupt one is reported and ignored.
func (p *Prefetcher) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	data, err := p.store.Get(ctx, p.config.StoreKey)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "prefetch", "Load", "get models")
	}

	var models Models
	if err := json.Unmarshal(data, &models); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err), "prefetch", "Load", "decode models")
	}
	for location, m := range models {
		if m == nil {
			delete(models, location)
			continue
		}
		m.ensure()
	}

	p.mu.Lock()
	p.models = models
	p.mu.Unlock()
	p.logger.Info("Prediction models loaded", "locations", len(models))
	return nil
}

// Reset forgets the models, history and queue, and deletes the persisted
// document.
func (p *Prefetcher) Reset(ctx context.Context) error {
	p.mu.Lock()
	p.models = make(Models)
	p.queue = nil
	p.location = ""
	p.lastPredicted = make(map[string]bool)
	p.fetched = make(map[string]time.Time)
	p.history.Clear()
	p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	if err := p.store.Delete(ctx, p.config.StoreKey); err != nil {
		return errors.WrapTransient(err, "prefetch", "Reset", "delete models")
	}
	return nil
}
