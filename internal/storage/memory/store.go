package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/egress-gateway/internal/core/domain"
	"github.com/tjfontaine/egress-gateway/internal/core/ports"
)

// DefaultCapacity is the number of events kept when New is given zero.
const DefaultCapacity = 10000

// Store is an in-memory implementation of ports.AuditStore. It keeps the most
// recent events up to its capacity.
type Store struct {
	mu       sync.RWMutex
	capacity int
	events   []*domain.AuditEvent
	ids      map[string]struct{}
}

var _ ports.StorageProvider = (*Store)(nil)

// New creates a new in-memory store
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		ids:      make(map[string]struct{}),
	}
}

func (s *Store) AppendAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("audit event id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[event.ID]; exists {
		return fmt.Errorf("audit event %s already exists", event.ID)
	}

	stored := *event
	s.events = append(s.events, &stored)
	s.ids[event.ID] = struct{}{}

	if over := len(s.events) - s.capacity; over > 0 {
		for _, old := range s.events[:over] {
			delete(s.ids, old.ID)
		}
		s.events = append([]*domain.AuditEvent(nil), s.events[over:]...)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, opts ports.ListOptions) ([]*domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.AuditEvent
	for _, e := range s.events {
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		if !opts.Since.IsZero() && e.CreatedAt.Before(opts.Since) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = ports.DefaultListLimit
	}

	start := opts.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]*domain.AuditEvent, 0, end-start)
	for _, e := range matched[start:end] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
