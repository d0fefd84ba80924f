package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"estate-tracker/models"
	"estate-tracker/storage"
	"estate-tracker/utils"
)

// Reconciler merges one collected snapshot into the durable catalog
// for a region. The source guarantees nothing about snapshot
// completeness, so absence is only ever evidence: a listing has to stay
// missing across gracePeriodDays of runs before it is soft-deleted.
//
// A Reconciler is safe to share across regions, but callers must not
// run two Reconcile calls for the same region concurrently (see
// utils.RegionGuard).
type Reconciler struct {
	store  storage.Store
	logger *utils.Logger
}

// NewReconciler creates a Reconciler on top of the given store.
func NewReconciler(store storage.Store, logger *utils.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Reconcile diffs the snapshot against the region's active listings and
// applies the resulting inserts, refreshes, grace-period marks, and
// soft-deletions one listing at a time.
//
// A non-positive gracePeriodDays aborts before any mutation. Any other
// per-listing problem is recorded in the result and processing
// continues; the call always returns a complete summary. Re-running
// with identical inputs leaves identical persisted state and appends
// no duplicate ledger rows. Ledger rows are appended after the catalog
// row is updated, so a ledger write that fails right after its catalog
// write succeeded is reported in Errors but not retried by a re-run:
// the catalog already reflects the transition.
func (r *Reconciler) Reconcile(ctx context.Context, regionCode string, snapshot []*models.CanonicalListing, asOf time.Time, gracePeriodDays int) (*models.ReconciliationResult, error) {
	if gracePeriodDays <= 0 {
		return nil, &models.ConfigurationError{
			Param: "gracePeriodDays",
			Msg:   fmt.Sprintf("must be positive, got %d", gracePeriodDays),
		}
	}

	asOf = models.DateOf(asOf)
	res := &models.ReconciliationResult{
		RunID:      uuid.NewString(),
		RegionCode: regionCode,
		AsOf:       asOf,
	}

	active, err := r.store.ActiveListings(ctx, regionCode)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: load active listings: %w", regionCode, err)
	}

	activeIndex := make(map[string]*models.Listing, len(active))
	for _, l := range active {
		activeIndex[l.ExternalID] = l
	}

	r.logger.Info("[reconcile] %s run %s: %d active, snapshot of %d, as of %s (grace %dd)",
		regionCode, res.RunID, len(active), len(snapshot), asOf.Format("2006-01-02"), gracePeriodDays)

	seen := make(map[string]struct{}, len(snapshot))

	for i, item := range snapshot {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		externalID := strings.TrimSpace(item.ExternalID)
		if externalID == "" {
			res.Errors = append(res.Errors, &models.ValidationError{Index: i, Reason: "missing external_id"})
			r.logger.Warn("[reconcile] %s: snapshot entry %d has no external_id, skipping", regionCode, i)
			continue
		}
		if _, dup := seen[externalID]; dup {
			r.logger.Debug("[reconcile] %s: duplicate snapshot entry for %s skipped", regionCode, externalID)
			continue
		}
		// Presence in the snapshot is evidence even if the write below
		// fails, so this listing must never enter the missing pass.
		seen[externalID] = struct{}{}

		cur, known := activeIndex[externalID]
		if !known {
			r.insertNew(ctx, res, regionCode, externalID, item, asOf)
			continue
		}
		r.refreshKnown(ctx, res, cur, item, asOf)
	}

	r.sweepAbsent(ctx, res, activeIndex, seen, asOf, gracePeriodDays)

	stat := AggregateDailyStat(regionCode, asOf, snapshot, res)
	if err := r.store.UpsertDailyStat(ctx, stat); err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("daily stat upsert: %w", err))
	}

	r.logger.Info("[reconcile] %s run %s: new=%d updated=%d missing=%d removed=%d errors=%d",
		regionCode, res.RunID, res.New, res.Updated, res.Missing, res.Removed, len(res.Errors))
	return res, nil
}

func (r *Reconciler) insertNew(ctx context.Context, res *models.ReconciliationResult, regionCode, externalID string, item *models.CanonicalListing, asOf time.Time) {
	l := &models.Listing{
		ExternalID: externalID,
		RegionCode: regionCode,
		TradeType:  item.TradeType,
		Price:      item.Price,
		RentPrice:  item.RentPrice,
		Area:       item.Area,
		Address:    item.Address,
		Lat:        item.Lat,
		Lng:        item.Lng,
		Detail:     item.Detail,
		FirstSeen:  asOf,
		LastSeen:   asOf,
		IsActive:   true,
	}
	if err := r.store.InsertListing(ctx, l); err != nil {
		res.Errors = append(res.Errors, &models.TransientWriteError{ExternalID: externalID, Op: "insert", Err: err})
		return
	}
	res.New++
}

func (r *Reconciler) refreshKnown(ctx context.Context, res *models.ReconciliationResult, cur *models.Listing, item *models.CanonicalListing, asOf time.Time) {
	priceChanged := cur.Price != item.Price || cur.RentPrice != item.RentPrice

	next := *cur
	next.TradeType = item.TradeType
	next.Price = item.Price
	next.RentPrice = item.RentPrice
	next.Area = item.Area
	next.Address = item.Address
	next.Lat = item.Lat
	next.Lng = item.Lng
	next.Detail = item.Detail
	next.LastSeen = asOf
	next.MissingSince = nil

	if err := r.store.RefreshSeen(ctx, &next); err != nil {
		res.Errors = append(res.Errors, &models.TransientWriteError{ExternalID: cur.ExternalID, Op: "refresh", Err: err})
		return
	}

	if !priceChanged {
		return
	}
	res.Updated++

	rec := &models.PriceChangeRecord{
		ExternalID:  cur.ExternalID,
		RegionCode:  cur.RegionCode,
		PrevPrice:   cur.Price,
		NewPrice:    item.Price,
		PrevRent:    cur.RentPrice,
		NewRent:     item.RentPrice,
		ChangedDate: asOf,
	}
	if err := r.store.RecordPriceChange(ctx, rec); err != nil {
		res.Errors = append(res.Errors, &models.TransientWriteError{ExternalID: cur.ExternalID, Op: "price-ledger", Err: err})
	}
}

// sweepAbsent walks every active listing that the snapshot did not
// contain: first absence starts the grace countdown, an expired
// countdown soft-deletes, anything in between just counts as missing.
func (r *Reconciler) sweepAbsent(ctx context.Context, res *models.ReconciliationResult, activeIndex map[string]*models.Listing, seen map[string]struct{}, asOf time.Time, gracePeriodDays int) {
	absent := make([]string, 0, len(activeIndex))
	for externalID := range activeIndex {
		if _, ok := seen[externalID]; !ok {
			absent = append(absent, externalID)
		}
	}
	sort.Strings(absent)

	for _, externalID := range absent {
		if ctx.Err() != nil {
			return
		}
		cur := activeIndex[externalID]

		switch {
		case cur.MissingSince == nil:
			if err := r.store.MarkMissing(ctx, cur.RegionCode, externalID, asOf); err != nil {
				res.Errors = append(res.Errors, &models.TransientWriteError{ExternalID: externalID, Op: "mark-missing", Err: err})
				continue
			}
			res.Missing++

		case models.DaysBetween(*cur.MissingSince, asOf) >= gracePeriodDays:
			if err := r.store.Deactivate(ctx, cur.RegionCode, externalID, asOf, models.DeletionReasonNotFound); err != nil {
				res.Errors = append(res.Errors, &models.TransientWriteError{ExternalID: externalID, Op: "deactivate", Err: err})
				continue
			}
			res.Removed++

			rec := &models.DeletionRecord{
				ExternalID:    externalID,
				RegionCode:    cur.RegionCode,
				DeletedDate:   asOf,
				FirstSeenDate: models.DateOf(cur.FirstSeen),
				FinalPrice:    cur.Price,
				FinalRent:     cur.RentPrice,
			}
			if err := r.store.RecordDeletion(ctx, rec); err != nil {
				res.Errors = append(res.Errors, &models.TransientWriteError{ExternalID: externalID, Op: "deletion-ledger", Err: err})
			}
			r.logger.Debug("[reconcile] %s: %s removed after %d active days",
				cur.RegionCode, externalID, rec.DaysActive())

		default:
			// Still inside the grace window; missing_since already set
			// on an earlier run.
			res.Missing++
		}
	}
}
