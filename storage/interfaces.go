package storage

import (
	"context"
	"time"

	"estate-tracker/models"
)

// Catalog is the durable store of currently-known listings per region.
// Every write is individually idempotent: re-applying the same
// operation with the same arguments leaves the row unchanged.
type Catalog interface {
	// ActiveListings loads all rows for the region with is_active=true.
	ActiveListings(ctx context.Context, regionCode string) ([]*models.Listing, error)

	// InsertListing creates a first-sighted listing.
	InsertListing(ctx context.Context, l *models.Listing) error

	// RefreshSeen persists the mutable fields of a listing observed in
	// a snapshot, advances last_seen, and clears missing_since.
	RefreshSeen(ctx context.Context, l *models.Listing) error

	// MarkMissing starts the grace-period countdown. A no-op if the
	// listing is inactive or already counting.
	MarkMissing(ctx context.Context, regionCode, externalID string, asOf time.Time) error

	// Deactivate soft-deletes the listing. Prices are frozen simply by
	// never being written again. A no-op if already inactive.
	Deactivate(ctx context.Context, regionCode, externalID string, asOf time.Time, reason string) error
}

// PriceLedger is the append-only log of price/rent changes; rows are
// never mutated or deleted.
type PriceLedger interface {
	RecordPriceChange(ctx context.Context, rec *models.PriceChangeRecord) error
	PriceHistory(ctx context.Context, regionCode, externalID string) ([]*models.PriceChangeRecord, error)
}

// DeletionLedger is the append-only log of soft-deletions.
type DeletionLedger interface {
	RecordDeletion(ctx context.Context, rec *models.DeletionRecord) error
	RecentDeletions(ctx context.Context, regionCode string, since time.Time) ([]*models.DeletionRecord, error)
}

// StatsStore persists one DailyStat per (region, date) with strict
// overwrite semantics.
type StatsStore interface {
	UpsertDailyStat(ctx context.Context, stat *models.DailyStat) error
	GetDailyStat(ctx context.Context, regionCode string, date time.Time) (*models.DailyStat, error)
}

// Store is the full persistence surface a backend must satisfy.
type Store interface {
	Catalog
	PriceLedger
	DeletionLedger
	StatsStore
	Close() error
}
