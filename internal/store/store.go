// Package store is the durable event queue shared by the inbox-check and
// scheduling passes. It is a pure data layer: uniqueness and time predicates
// only, no scheduling rules.
package store

import (
	"context"
	"time"
)

// Event is one scheduled registration, keyed by (Spec, TenantID).
type Event struct {
	// Spec is the deterministic key built from the calendar date and the
	// time range as they appeared at the source. Unique per tenant.
	Spec     string
	TenantID string

	EventDate string // calendar day, source format preserved ("Mon, Jan 12")
	TimeRange string // "6:00pm - 7:00pm"

	// RegistrationTime is the absolute instant the event becomes joinable.
	RegistrationTime time.Time

	// AdditionalInfo carries free-text caveats surfaced by the page
	// (eligibility tiers and the like). Optional.
	AdditionalInfo string
}

// SpecKey builds the dedup key for a (date, time range) pair.
func SpecKey(eventDate, timeRange string) string {
	return eventDate + "|" + timeRange
}

// Store is the persistence API used by the passes.
type Store interface {
	// Upsert inserts ev, replacing any prior row with the same
	// (Spec, TenantID). Duplicate keys never error the caller.
	Upsert(ctx context.Context, ev Event) error

	// FindByRegistrationTime returns the tenant's events with exactly the
	// given registration instant. Used to detect a stale entry before upsert.
	FindByRegistrationTime(ctx context.Context, at time.Time, tenantID string) ([]Event, error)

	// NextBatchAfter returns all rows sharing the earliest registration
	// instant strictly after now, across all tenants, ordered by tenant id
	// ascending. Empty slice when nothing is scheduled. Same-instant events
	// for different tenants are one unit of concurrent work, which is why
	// this returns the whole batch and not a single row.
	NextBatchAfter(ctx context.Context, now time.Time) ([]Event, error)

	// Remove deletes the row for (eventDate, timeRange, tenantID).
	// Removing a non-existent row is a no-op.
	Remove(ctx context.Context, eventDate, timeRange, tenantID string) error

	// PurgeOlderThan deletes rows whose registration instant is older than
	// now-olderThan and reports how many were removed.
	PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error)

	// ListForTenant returns the tenant's events ordered by registration
	// instant descending. tenantID must be non-empty: there is no
	// cross-tenant listing.
	ListForTenant(ctx context.Context, tenantID string) ([]Event, error)

	Close() error
}

// DefaultRetention is how long completed rows are kept before the
// opportunistic purge removes them.
const DefaultRetention = 8 * 24 * time.Hour
