package models

import (
	"fmt"
	"time"
)

// PriceChangeRecord is one immutable row of the price ledger, written
// only when a reconciliation observes a price or rent different from
// the persisted value.
type PriceChangeRecord struct {
	ID          int64
	ExternalID  string
	RegionCode  string
	PrevPrice   int64
	NewPrice    int64
	PrevRent    int64
	NewRent     int64
	ChangedDate time.Time
}

// DeletionRecord is one immutable row of the deletion ledger, written
// exactly once at the active→inactive transition.
type DeletionRecord struct {
	ID            int64
	ExternalID    string
	RegionCode    string
	DeletedDate   time.Time
	FirstSeenDate time.Time
	FinalPrice    int64
	FinalRent     int64
}

// DaysActive is how long the listing stayed active, derived from the
// two dates rather than stored twice.
func (d *DeletionRecord) DaysActive() int {
	return DaysBetween(d.FirstSeenDate, d.DeletedDate)
}

// PriceBucket is one bar of the daily price histogram.
type PriceBucket struct {
	Low   int64 `json:"low"`
	High  int64 `json:"high"`
	Count int   `json:"count"`
}

// DailyStat is the per-(region, day) rollup of one reconciliation run.
// Re-aggregating the same key overwrites, never accumulates.
type DailyStat struct {
	RegionCode string
	Date       time.Time

	TotalCount   int
	NewCount     int
	UpdatedCount int
	MissingCount int
	RemovedCount int

	PriceMean float64
	PriceMin  int64
	PriceMax  int64
	AreaMean  float64
	AreaMin   float64
	AreaMax   float64

	PriceBuckets []PriceBucket
}

// ReconciliationResult is the synchronous summary returned to the
// scheduler for every run that is not a configuration error.
type ReconciliationResult struct {
	RunID      string
	RegionCode string
	AsOf       time.Time

	New     int
	Updated int
	Missing int
	Removed int

	// Per-listing problems: validation skips and transient write
	// failures. Never fatal for the run.
	Errors []error
}

// HasErrors reports whether any listing failed or was skipped.
func (r *ReconciliationResult) HasErrors() bool { return len(r.Errors) > 0 }

// ConfigurationError rejects a run before any mutation is attempted.
type ConfigurationError struct {
	Param string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Param, e.Msg)
}

// ValidationError marks one snapshot entry that was dropped without
// affecting the rest of the run.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("snapshot entry %d skipped: %s", e.Index, e.Reason)
}

// TransientWriteError wraps a per-listing persistence failure. The
// listing's last_seen is not advanced, so the next run re-evaluates it.
type TransientWriteError struct {
	ExternalID string
	Op         string
	Err        error
}

func (e *TransientWriteError) Error() string {
	return fmt.Sprintf("%s failed for listing %s: %v", e.Op, e.ExternalID, e.Err)
}

func (e *TransientWriteError) Unwrap() error { return e.Err }
