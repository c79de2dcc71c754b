// Package profile defines the voice-profile store contract.
//
// A profile is a user-chosen display name plus a short sample of that
// person's voice. Profiles are loaded once at session start and fed to the
// recognition engine during the enrollment phase; voxgate otherwise treats
// the store as opaque.
package profile

import (
	"context"
	"time"
)

// Profile is one stored voice profile.
type Profile struct {
	// ID uniquely identifies the profile.
	ID string

	// Name is the user-chosen display name (e.g. "Alice").
	Name string

	// Audio is the enrollment sample, already converted to the engine's
	// expected format by the caller that stored it.
	Audio []byte

	// CreatedAt is when the profile was stored.
	CreatedAt time.Time
}

// Store provides read access to voice profiles. Voxgate only queries the
// store at session start; creation and deletion are handled elsewhere.
type Store interface {
	// Get retrieves a profile by ID. Returns (nil, nil) when no profile
	// with the given ID exists.
	Get(ctx context.Context, id string) (*Profile, error)

	// List returns all profiles in creation order.
	List(ctx context.Context) ([]Profile, error)
}
