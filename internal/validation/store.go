// Package validation tracks friend codes of found packs while other
// accounts decide whether the pack is still claimable.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStore wraps every backend failure. Callers log it and carry on as if
// no identifier were available.
var ErrStore = errors.New("validation store failure")

// Validity values.
const (
	Invalid = -1
	Pending = 0
	Valid   = 1
)

// IDLength is the number of digits in a friend code.
const IDLength = 16

// Expiry is how long a submitted identifier stays probeable.
const Expiry = 72 * time.Hour

// Store is implemented by every backend.
type Store interface {
	// FetchNextPending returns the oldest pending identifier still under
	// its caps and counts the fetch as a check. ok is false when none.
	FetchNextPending(ctx context.Context) (id string, ok bool, err error)
	// Submit records a new identifier found in a pack of groupSize accounts.
	// It reports false for malformed identifiers.
	Submit(ctx context.Context, id string, groupSize int) (bool, error)
	// SetValidity records a decision. Pending counts one more sighting of
	// the pack by an account that is not its owner.
	SetValidity(ctx context.Context, id string, v int) error
	// GetValidity returns the current state, counting one check while the
	// identifier is pending. ok is false for unknown identifiers.
	GetValidity(ctx context.Context, id string) (v int, ok bool, err error)
	Close() error
}

// ValidID reports whether id looks like a friend code.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// CheckCap is how many checks a pending identifier may receive.
func CheckCap(groupSize int) int {
	return groupSize * 10
}

// ShowCap is how many foreign sightings a pending identifier may receive.
func ShowCap(groupSize int) int {
	switch groupSize {
	case 1:
		return 5
	case 2:
		return 9
	case 3:
		return 15
	case 4:
		return 21
	}
	return groupSize * 5
}

// exhausted reports whether a pending identifier has outlived its caps.
func exhausted(groupSize, checks, shows int, expires, now time.Time) bool {
	return checks > CheckCap(groupSize) || shows > ShowCap(groupSize) || now.After(expires)
}

func checkValidity(v int) error {
	if v != Invalid && v != Pending && v != Valid {
		return fmt.Errorf("%w: invalid validity %d", ErrStore, v)
	}
	return nil
}
