package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/querydeck/querydeck/internal/view"
)

// Entry is a stored canonical result plus its derivation inputs and
// expiry. Saved entries form a second namespace inside the same store:
// they are keyed by a random identifier instead of the parameter-derived
// key, carry a label, and never expire unless given an explicit TTL.
type Entry struct {
	Key        string               `json:"key"`
	ResourceID string               `json:"resource_id"`
	Parameters []view.Parameter     `json:"parameters,omitempty"`
	Filters    map[string]string    `json:"filters,omitempty"`
	Result     view.CanonicalResult `json:"result"`
	Label      string               `json:"label,omitempty"`
	Notes      string               `json:"notes,omitempty"`
	Saved      bool                 `json:"saved,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	ArchivedAt *time.Time           `json:"archived_at,omitempty"`
}

// Store serializes all access to the cached results. A miss is a normal
// outcome and is reported through the found flag, never as an error.
type Store interface {
	// Get returns the entry for key if present and still valid. An entry
	// found expired is evicted as a side effect (lazy expiry) and reported
	// as a miss.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put overwrites any existing entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// Invalidate removes every ephemeral entry for the resource and
	// returns the number removed. Saved entries are kept: they exist so a
	// user can retrieve a specific past result, and a forced refresh must
	// not destroy them.
	Invalidate(ctx context.Context, resourceID string) (int, error)
	// Sweep removes every expired entry and returns the number removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	// ListSaved returns the saved-namespace entries.
	ListSaved(ctx context.Context) ([]Entry, error)
	// Delete removes a single entry by key regardless of namespace.
	Delete(ctx context.Context, key string) error
	// MarkArchived records that a saved entry has been copied to the
	// archive sink.
	MarkArchived(ctx context.Context, key string, at time.Time) error
}

// Valid reports whether the entry is usable at the given instant. An
// absent expiry means the entry never expires.
func Valid(entry Entry, now time.Time) bool {
	return entry.ExpiresAt == nil || now.Before(*entry.ExpiresAt)
}

// Key derives the deterministic cache key for a resource, parameter set
// and filter set. Parameters and filters are canonicalized independently
// before hashing so map iteration order and the callers' parameter order
// never affect the key, and empty and nil collections are equivalent.
func Key(resourceID string, parameters []view.Parameter, filters map[string]string) string {
	canonical := struct {
		Resource   string            `json:"resource"`
		Parameters map[string]string `json:"parameters"`
		Filters    map[string]string `json:"filters"`
	}{
		Resource:   resourceID,
		Parameters: make(map[string]string, len(parameters)),
		Filters:    make(map[string]string, len(filters)),
	}
	for _, parameter := range parameters {
		canonical.Parameters[parameter.Name] = parameter.Value
	}
	for column, predicate := range filters {
		canonical.Filters[column] = predicate
	}

	// encoding/json serializes map keys in sorted order, which is exactly
	// the stable ordering the key needs.
	serialized, err := json.Marshal(canonical)
	if err != nil {
		// The canonical struct holds only strings; Marshal cannot fail.
		serialized = []byte(resourceID)
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}
