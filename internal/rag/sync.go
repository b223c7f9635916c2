package rag

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/models"
)

// ContextReader is the slice of the store the syncer reads from. Bus events
// carry only the key that changed, so the entry is fetched back on arrival.
type ContextReader interface {
	GetContext(ctx context.Context, key string) (*models.ContextEntry, error)
}

// Syncer mirrors shared project context into the retrieval index. Writes
// become searchable without an explicit index_project_context call;
// archiving a key removes its document.
type Syncer struct {
	index  *Index
	source ContextReader
	bus    bus.EventBus
	logger *logger.Logger

	mu   sync.Mutex
	subs []bus.Subscription
}

// NewSyncer builds a syncer; Start wires it to the bus.
func NewSyncer(index *Index, source ContextReader, eventBus bus.EventBus, log *logger.Logger) *Syncer {
	return &Syncer{
		index:  index,
		source: source,
		bus:    eventBus,
		logger: log.WithComponent("rag-sync"),
	}
}

// Start subscribes to context lifecycle events.
func (s *Syncer) Start() error {
	if err := s.subscribe(events.ContextUpdated, s.onUpdated); err != nil {
		return err
	}
	return s.subscribe(events.ContextArchived, s.onArchived)
}

func (s *Syncer) subscribe(subject string, handler bus.EventHandler) error {
	sub, err := s.bus.Subscribe(subject, handler)
	if err != nil {
		return models.Internalf("subscribe rag sync to %s: %v", subject, err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

// Close drops the event subscriptions.
func (s *Syncer) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func (s *Syncer) onUpdated(ctx context.Context, event *bus.Event) error {
	key, _ := event.Data["key"].(string)
	if key == "" {
		return nil
	}
	entry, err := s.source.GetContext(ctx, key)
	if err != nil {
		s.logger.Warn("Context entry not readable for indexing",
			zap.String("key", key), zap.Error(err))
		return nil
	}
	_, err = s.index.Add(ctx, contextDocumentID(key), contextDocumentText(entry), map[string]string{
		"source":     "project_context",
		"key":        key,
		"updated_by": entry.UpdatedBy,
	})
	if err != nil {
		s.logger.Warn("Context entry not indexed",
			zap.String("key", key), zap.Error(err))
		return nil
	}
	s.logger.Debug("Context entry indexed", zap.String("key", key))
	return nil
}

func (s *Syncer) onArchived(ctx context.Context, event *bus.Event) error {
	key, _ := event.Data["key"].(string)
	if key == "" {
		return nil
	}
	if err := s.index.Remove(ctx, contextDocumentID(key)); err != nil {
		s.logger.Warn("Archived context entry not removed from index",
			zap.String("key", key), zap.Error(err))
	}
	return nil
}

func contextDocumentID(key string) string {
	return "context:" + key
}

// contextDocumentText flattens an entry into the text the embedder sees: the
// key, the one-line description when present, then the raw JSON value.
func contextDocumentText(entry *models.ContextEntry) string {
	var b strings.Builder
	b.WriteString(entry.Key)
	if entry.Description != "" {
		b.WriteString(": ")
		b.WriteString(entry.Description)
	}
	b.WriteString("\n")
	b.Write(entry.Value)
	return b.String()
}
