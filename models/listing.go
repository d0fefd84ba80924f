package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Deletion reasons recorded at the active→inactive transition.
const (
	DeletionReasonNotFound = "not_found"
	DeletionReasonManual   = "manual"
)

// Detail is the opaque source-specific document attached to a listing.
// It is stored and returned verbatim; nothing in this module branches
// on its internal shape.
type Detail map[string]any

// Value marshals the document to JSON for SQL storage.
func (d Detail) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan unmarshals a JSON column value back into the document.
func (d *Detail) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		if len(v) == 0 {
			*d = nil
			return nil
		}
		return json.Unmarshal(v, d)
	case string:
		if v == "" {
			*d = nil
			return nil
		}
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("detail: cannot scan %T", src)
	}
}

// CanonicalListing is one snapshot entry as handed over by the
// collector. ExternalID is stable and unique per source item; nothing
// else about the snapshot (completeness, ordering) is guaranteed.
type CanonicalListing struct {
	ExternalID string  `json:"external_id"`
	TradeType  string  `json:"trade_type"`
	Price      int64   `json:"price"`
	RentPrice  int64   `json:"rent_price"`
	Area       float64 `json:"area"`
	Address    string  `json:"address"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Detail     Detail  `json:"detail,omitempty"`
}

// Listing is the durable, currently-known state of one source item
// within a region. A row is created on first sighting and never
// physically deleted; deactivation keeps it around for audit.
type Listing struct {
	ID         int64
	ExternalID string
	RegionCode string
	TradeType  string
	Price      int64
	RentPrice  int64
	Area       float64
	Address    string
	Lat        float64
	Lng        float64
	Detail     Detail

	FirstSeen      time.Time
	LastSeen       time.Time
	IsActive       bool
	MissingSince   *time.Time
	DeletedAt      *time.Time
	DeletionReason string
}

// DateOf truncates t to its UTC calendar date. All lifecycle
// bookkeeping (first_seen, last_seen, missing_since, deleted_at) is
// whole-day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole days from a to b, both
// normalised to calendar dates.
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)) / (24 * time.Hour))
}
