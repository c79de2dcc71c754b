// Package mock provides an in-memory mock implementation of [profile.Store]
// for use in unit tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/profile"
)

// Compile-time interface assertion.
var _ profile.Store = (*Store)(nil)

// Store is an in-memory [profile.Store]. Profiles are returned in the order
// they were added. Exported *Error fields control return values.
type Store struct {
	mu sync.Mutex

	// GetError is returned by Get.
	GetError error

	// ListError is returned by List.
	ListError error

	profiles []profile.Profile
}

// New creates a Store seeded with the given profiles.
func New(profiles ...profile.Profile) *Store {
	s := &Store{}
	s.profiles = append(s.profiles, profiles...)
	return s
}

// Add appends a profile.
func (s *Store) Add(p profile.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, p)
}

// Get retrieves a profile by ID. Returns (nil, nil) when not found.
func (s *Store) Get(_ context.Context, id string) (*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetError != nil {
		return nil, s.GetError
	}
	for i := range s.profiles {
		if s.profiles[i].ID == id {
			p := s.profiles[i]
			return &p, nil
		}
	}
	return nil, nil
}

// List returns all profiles in insertion order.
func (s *Store) List(_ context.Context) ([]profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListError != nil {
		return nil, s.ListError
	}
	out := make([]profile.Profile, len(s.profiles))
	copy(out, s.profiles)
	return out, nil
}
