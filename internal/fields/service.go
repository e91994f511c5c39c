package fields

import (
	"log/slog"
	"sync/atomic"
)

// Service holds the live field registry. One writer (the hot-reload
// coordinator), many readers; readers get a stable snapshot via Current and
// never observe a partially updated registry.
type Service struct {
	current atomic.Pointer[Registry]
}

// NewService creates a service seeded with the given registry.
func NewService(initial *Registry) *Service {
	s := &Service{}
	s.current.Store(initial)
	return s
}

// Current returns the live registry snapshot.
func (s *Service) Current() *Registry {
	return s.current.Load()
}

// Swap atomically installs a new registry and returns the previous one.
func (s *Service) Swap(next *Registry) *Registry {
	prev := s.current.Swap(next)
	slog.Info("[FieldRegistry] Swapped registry",
		"old_version", prev.Version, "new_version", next.Version, "fields", next.Len())
	return prev
}
