// Package pricing holds the model price sheet fed by catalog events.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/pkg/logger"
)

// ErrNotCatalog means an event of another kind was applied.
var ErrNotCatalog = errors.New("pricing: not a catalog event")

type document struct {
	Models    []model.PricingInfo `json:"models"`
	UpdatedAt int64               `json:"updated_at"`
}

// Catalog is a concurrency-safe snapshot of model pricing. A newer
// document replaces the whole snapshot.
type Catalog struct {
	mu        sync.RWMutex
	models    map[string]model.PricingInfo
	updatedAt time.Time
	logger    *logger.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(log *logger.Logger) *Catalog {
	return &Catalog{
		models: make(map[string]model.PricingInfo),
		logger: logger.OrNop(log),
	}
}

// Apply parses a catalog document and installs it when it is newer than
// the current one. It reports whether the document was installed.
func (c *Catalog) Apply(data []byte) (bool, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("parse catalog: %w", err)
	}
	at := time.Unix(doc.UpdatedAt, 0)

	models := make(map[string]model.PricingInfo, len(doc.Models))
	for _, m := range doc.Models {
		if m.ModelID == "" {
			continue
		}
		models[m.ModelID] = m
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.updatedAt.IsZero() && !at.After(c.updatedAt) {
		return false, nil
	}
	c.models = models
	c.updatedAt = at
	c.logger.Info("pricing catalog updated",
		zap.Int("models", len(models)),
		zap.Time("updated_at", at),
	)
	return true, nil
}

// ApplyEvent applies the content of a catalog event.
func (c *Catalog) ApplyEvent(ev model.RawEvent) (bool, error) {
	if ev.Kind != model.KindModelCatalog {
		return false, ErrNotCatalog
	}
	return c.Apply([]byte(ev.Content))
}

// LoadFile applies a catalog document from disk.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	_, err = c.Apply(data)
	return err
}

// Lookup returns the pricing of a model.
func (c *Catalog) Lookup(modelID string) (*model.PricingInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.models[modelID]
	if !ok {
		return nil, false
	}
	return &p, true
}

// Models lists every model ordered by id.
func (c *Catalog) Models() []model.PricingInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.PricingInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
