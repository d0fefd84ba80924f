package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estate-tracker/models"
	"estate-tracker/utils"
)

// memStore is an in-memory storage.Store that mirrors the SQL guard
// clauses of the real backends, with per-listing failure injection.
type memStore struct {
	listings   map[string]*models.Listing
	priceRecs  []*models.PriceChangeRecord
	delRecs    []*models.DeletionRecord
	stats      map[string]*models.DailyStat
	mutations  int
	failInsert map[string]error
	failWrite  map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		listings:   make(map[string]*models.Listing),
		stats:      make(map[string]*models.DailyStat),
		failInsert: make(map[string]error),
		failWrite:  make(map[string]error),
	}
}

func key(regionCode, externalID string) string { return regionCode + "|" + externalID }

func copyListing(l *models.Listing) *models.Listing {
	cp := *l
	if l.MissingSince != nil {
		t := *l.MissingSince
		cp.MissingSince = &t
	}
	if l.DeletedAt != nil {
		t := *l.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

func (m *memStore) ActiveListings(_ context.Context, regionCode string) ([]*models.Listing, error) {
	var out []*models.Listing
	for _, l := range m.listings {
		if l.RegionCode == regionCode && l.IsActive {
			out = append(out, copyListing(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (m *memStore) InsertListing(_ context.Context, l *models.Listing) error {
	if err := m.failInsert[l.ExternalID]; err != nil {
		return err
	}
	m.mutations++
	cp := copyListing(l)
	cp.ID = int64(len(m.listings) + 1)
	m.listings[key(l.RegionCode, l.ExternalID)] = cp
	l.ID = cp.ID
	return nil
}

func (m *memStore) RefreshSeen(_ context.Context, l *models.Listing) error {
	if err := m.failWrite[l.ExternalID]; err != nil {
		return err
	}
	m.mutations++
	cur, ok := m.listings[key(l.RegionCode, l.ExternalID)]
	if !ok || !cur.IsActive || cur.LastSeen.After(models.DateOf(l.LastSeen)) {
		return nil
	}
	cp := copyListing(l)
	cp.ID = cur.ID
	cp.LastSeen = models.DateOf(l.LastSeen)
	m.listings[key(l.RegionCode, l.ExternalID)] = cp
	return nil
}

func (m *memStore) MarkMissing(_ context.Context, regionCode, externalID string, asOf time.Time) error {
	if err := m.failWrite[externalID]; err != nil {
		return err
	}
	m.mutations++
	cur, ok := m.listings[key(regionCode, externalID)]
	if !ok || !cur.IsActive || cur.MissingSince != nil {
		return nil
	}
	d := models.DateOf(asOf)
	cur.MissingSince = &d
	return nil
}

func (m *memStore) Deactivate(_ context.Context, regionCode, externalID string, asOf time.Time, reason string) error {
	if err := m.failWrite[externalID]; err != nil {
		return err
	}
	m.mutations++
	cur, ok := m.listings[key(regionCode, externalID)]
	if !ok || !cur.IsActive {
		return nil
	}
	d := models.DateOf(asOf)
	cur.IsActive = false
	cur.DeletedAt = &d
	cur.DeletionReason = reason
	return nil
}

func (m *memStore) RecordPriceChange(_ context.Context, rec *models.PriceChangeRecord) error {
	m.mutations++
	cp := *rec
	cp.ID = int64(len(m.priceRecs) + 1)
	m.priceRecs = append(m.priceRecs, &cp)
	return nil
}

func (m *memStore) PriceHistory(_ context.Context, regionCode, externalID string) ([]*models.PriceChangeRecord, error) {
	var out []*models.PriceChangeRecord
	for _, rec := range m.priceRecs {
		if rec.RegionCode == regionCode && rec.ExternalID == externalID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) RecordDeletion(_ context.Context, rec *models.DeletionRecord) error {
	m.mutations++
	cp := *rec
	cp.ID = int64(len(m.delRecs) + 1)
	m.delRecs = append(m.delRecs, &cp)
	return nil
}

func (m *memStore) RecentDeletions(_ context.Context, regionCode string, since time.Time) ([]*models.DeletionRecord, error) {
	var out []*models.DeletionRecord
	for _, rec := range m.delRecs {
		if rec.RegionCode == regionCode && !rec.DeletedDate.Before(models.DateOf(since)) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) UpsertDailyStat(_ context.Context, stat *models.DailyStat) error {
	m.mutations++
	cp := *stat
	m.stats[key(stat.RegionCode, stat.Date.Format("2006-01-02"))] = &cp
	return nil
}

func (m *memStore) GetDailyStat(_ context.Context, regionCode string, date time.Time) (*models.DailyStat, error) {
	stat, ok := m.stats[key(regionCode, models.DateOf(date).Format("2006-01-02"))]
	if !ok {
		return nil, errors.New("no daily stat")
	}
	return stat, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) listing(regionCode, externalID string) *models.Listing {
	return m.listings[key(regionCode, externalID)]
}

// ---- fixtures ----

const region = "11680-101"

func day(n int) time.Time {
	return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func seedActive(store *memStore, externalID string, price, rent int64, firstSeen time.Time) {
	store.listings[key(region, externalID)] = &models.Listing{
		ID:         int64(len(store.listings) + 1),
		ExternalID: externalID,
		RegionCode: region,
		TradeType:  "sale",
		Price:      price,
		RentPrice:  rent,
		Area:       84.9,
		FirstSeen:  models.DateOf(firstSeen),
		LastSeen:   models.DateOf(firstSeen),
		IsActive:   true,
	}
}

func canonical(externalID string, price, rent int64) *models.CanonicalListing {
	return &models.CanonicalListing{
		ExternalID: externalID,
		TradeType:  "sale",
		Price:      price,
		RentPrice:  rent,
		Area:       84.9,
		Address:    "역삼동 123-4",
	}
}

func newTestReconciler(store *memStore) *Reconciler {
	return NewReconciler(store, utils.NewLogger())
}

// ---- tests ----

func TestReconcileRejectsNonPositiveGracePeriod(t *testing.T) {
	store := newMemStore()
	seedActive(store, "B", 100, 0, day(-10))
	r := newTestReconciler(store)

	for _, grace := range []int{0, -3} {
		res, err := r.Reconcile(context.Background(), region, []*models.CanonicalListing{canonical("A", 50, 0)}, day(0), grace)
		require.Error(t, err)
		var cfgErr *models.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Nil(t, res)
	}
	assert.Equal(t, 0, store.mutations, "no mutation may happen on a configuration error")
}

func TestReconcileEndToEndExample(t *testing.T) {
	store := newMemStore()
	seedActive(store, "B", 100, 0, day(-10))
	seedActive(store, "C", 300, 0, day(-20))
	r := newTestReconciler(store)

	// Day D: A is brand new, B changed price, C is absent for the
	// first time.
	snapshot := []*models.CanonicalListing{canonical("A", 50, 0), canonical("B", 120, 0)}
	res, err := r.Reconcile(context.Background(), region, snapshot, day(0), 3)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Missing)
	assert.Equal(t, 0, res.Removed)
	assert.Empty(t, res.Errors)

	a := store.listing(region, "A")
	require.NotNil(t, a)
	assert.True(t, a.IsActive)
	assert.Equal(t, models.DateOf(day(0)), a.FirstSeen)
	assert.Equal(t, models.DateOf(day(0)), a.LastSeen)
	assert.Nil(t, a.MissingSince)

	b := store.listing(region, "B")
	assert.Equal(t, int64(120), b.Price)
	assert.Equal(t, models.DateOf(day(0)), b.LastSeen)

	c := store.listing(region, "C")
	require.NotNil(t, c.MissingSince)
	assert.Equal(t, models.DateOf(day(0)), *c.MissingSince)
	assert.True(t, c.IsActive)

	// Days D+1 and D+2: C still absent, still inside the grace window.
	for n := 1; n <= 2; n++ {
		res, err = r.Reconcile(context.Background(), region, snapshot, day(n), 3)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Missing, "day D+%d", n)
		assert.Equal(t, 0, res.Removed, "day D+%d", n)
		assert.True(t, store.listing(region, "C").IsActive)
	}

	// Day D+3: the grace period has elapsed.
	res, err = r.Reconcile(context.Background(), region, snapshot, day(3), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Missing)
	assert.Equal(t, 1, res.Removed)

	c = store.listing(region, "C")
	assert.False(t, c.IsActive)
	require.NotNil(t, c.DeletedAt)
	assert.Equal(t, models.DateOf(day(3)), *c.DeletedAt)
	assert.Equal(t, models.DeletionReasonNotFound, c.DeletionReason)
	assert.Equal(t, int64(300), c.Price, "price frozen at deactivation")

	require.Len(t, store.delRecs, 1)
	rec := store.delRecs[0]
	assert.Equal(t, "C", rec.ExternalID)
	assert.Equal(t, 23, rec.DaysActive(), "(D+3) - first_seen = 20 + 3 days")
	assert.Equal(t, int64(300), rec.FinalPrice)
}

func TestReconcileIdempotence(t *testing.T) {
	store := newMemStore()
	seedActive(store, "B", 100, 50, day(-10))
	r := newTestReconciler(store)

	snapshot := []*models.CanonicalListing{canonical("A", 50, 0), canonical("B", 120, 50)}

	first, err := r.Reconcile(context.Background(), region, snapshot, day(0), 3)
	require.NoError(t, err)
	firstState := fmt.Sprintf("%+v|%+v", store.listing(region, "A"), store.listing(region, "B"))

	res, err := r.Reconcile(context.Background(), region, snapshot, day(0), 3)
	require.NoError(t, err)

	assert.NotEmpty(t, first.RunID)
	assert.NotEqual(t, first.RunID, res.RunID, "each run gets its own id")
	assert.Equal(t, 0, res.New, "A already known on the second pass")
	assert.Equal(t, 0, res.Updated, "B's price already persisted")
	assert.Len(t, store.priceRecs, 1, "no duplicate price change record")
	assert.Empty(t, store.delRecs)

	secondState := fmt.Sprintf("%+v|%+v", store.listing(region, "A"), store.listing(region, "B"))
	assert.Equal(t, firstState, secondState)
}

func TestReconcileRemovalIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedActive(store, "C", 300, 0, day(-20))
	r := newTestReconciler(store)

	for n := 0; n <= 3; n++ {
		_, err := r.Reconcile(context.Background(), region, nil, day(n), 3)
		require.NoError(t, err)
	}
	require.Len(t, store.delRecs, 1)

	// Re-running the removal day changes nothing: C is no longer in
	// the active index.
	res, err := r.Reconcile(context.Background(), region, nil, day(3), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Removed)
	assert.Len(t, store.delRecs, 1)
}

func TestReconcileGracePeriodBoundary(t *testing.T) {
	const grace = 3
	store := newMemStore()
	seedActive(store, "C", 300, 0, day(-5))
	r := newTestReconciler(store)

	// Absent through day grace-1: still active.
	for n := 0; n < grace; n++ {
		res, err := r.Reconcile(context.Background(), region, nil, day(n), grace)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Missing, "day %d", n)
		assert.Equal(t, 0, res.Removed, "day %d", n)
	}
	assert.True(t, store.listing(region, "C").IsActive)

	// Day grace: exactly one deletion record.
	res, err := r.Reconcile(context.Background(), region, nil, day(grace), grace)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)
	assert.False(t, store.listing(region, "C").IsActive)
	assert.Len(t, store.delRecs, 1)
}

func TestReconcileReappearanceCancelsCountdown(t *testing.T) {
	store := newMemStore()
	seedActive(store, "C", 300, 0, day(-5))
	r := newTestReconciler(store)

	// Absent on day 0 and 1.
	for n := 0; n <= 1; n++ {
		_, err := r.Reconcile(context.Background(), region, nil, day(n), 3)
		require.NoError(t, err)
	}
	require.NotNil(t, store.listing(region, "C").MissingSince)

	// Reappears on day 2, inside the window — even with a new price.
	res, err := r.Reconcile(context.Background(), region, []*models.CanonicalListing{canonical("C", 280, 0)}, day(2), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 0, res.Removed)

	c := store.listing(region, "C")
	assert.True(t, c.IsActive)
	assert.Nil(t, c.MissingSince, "reappearance clears the countdown")

	// Absent again on day 3: the countdown restarts from scratch
	// instead of resuming, so nothing is removed.
	res, err = r.Reconcile(context.Background(), region, nil, day(3), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Missing)
	assert.Equal(t, 0, res.Removed)
	require.NotNil(t, store.listing(region, "C").MissingSince)
	assert.Equal(t, models.DateOf(day(3)), *store.listing(region, "C").MissingSince)
}

func TestReconcilePriceAuditCompleteness(t *testing.T) {
	store := newMemStore()
	seedActive(store, "B", 100, 50, day(-10))
	r := newTestReconciler(store)

	// Unchanged price: no record.
	res, err := r.Reconcile(context.Background(), region, []*models.CanonicalListing{canonical("B", 100, 50)}, day(0), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Empty(t, store.priceRecs)

	// Rent-only change still counts as a price transition.
	res, err = r.Reconcile(context.Background(), region, []*models.CanonicalListing{canonical("B", 100, 60)}, day(1), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, store.priceRecs, 1)

	rec := store.priceRecs[0]
	assert.Equal(t, "B", rec.ExternalID)
	assert.Equal(t, int64(100), rec.PrevPrice)
	assert.Equal(t, int64(100), rec.NewPrice)
	assert.Equal(t, int64(50), rec.PrevRent)
	assert.Equal(t, int64(60), rec.NewRent)
	assert.Equal(t, models.DateOf(day(1)), rec.ChangedDate)
}

func TestReconcilePartialFailureIsolation(t *testing.T) {
	store := newMemStore()
	seedActive(store, "B", 100, 0, day(-10))
	seedActive(store, "C", 300, 0, day(-20))
	store.failWrite["B"] = errors.New("connection reset")
	r := newTestReconciler(store)

	snapshot := []*models.CanonicalListing{
		canonical("A", 50, 0),
		canonical("B", 120, 0),
	}
	res, err := r.Reconcile(context.Background(), region, snapshot, day(0), 3)
	require.NoError(t, err, "per-listing failures never abort the call")

	require.Len(t, res.Errors, 1)
	var werr *models.TransientWriteError
	require.ErrorAs(t, res.Errors[0], &werr)
	assert.Equal(t, "B", werr.ExternalID)

	// B's row is untouched and it is not counted or ledgered.
	b := store.listing(region, "B")
	assert.Equal(t, int64(100), b.Price)
	assert.Equal(t, models.DateOf(day(-10)), b.LastSeen)
	assert.Nil(t, b.MissingSince, "a failed write must not start the grace countdown")
	assert.Equal(t, 0, res.Updated)
	assert.Empty(t, store.priceRecs)

	// A and C are still processed to completion.
	assert.Equal(t, 1, res.New)
	assert.NotNil(t, store.listing(region, "A"))
	assert.Equal(t, 1, res.Missing)
	assert.NotNil(t, store.listing(region, "C").MissingSince)
}

func TestReconcileValidationSkip(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store)

	snapshot := []*models.CanonicalListing{
		{ExternalID: "  ", Price: 10},
		canonical("A", 50, 0),
	}
	res, err := r.Reconcile(context.Background(), region, snapshot, day(0), 3)
	require.NoError(t, err)

	require.Len(t, res.Errors, 1)
	var verr *models.ValidationError
	require.ErrorAs(t, res.Errors[0], &verr)
	assert.Equal(t, 0, verr.Index)
	assert.Equal(t, 1, res.New)
}

func TestReconcileDuplicateSnapshotEntriesProcessedOnce(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store)

	snapshot := []*models.CanonicalListing{
		canonical("A", 50, 0),
		canonical("A", 60, 0),
	}
	res, err := r.Reconcile(context.Background(), region, snapshot, day(0), 3)
	require.NoError(t, err)

	assert.Equal(t, 1, res.New)
	assert.Equal(t, int64(50), store.listing(region, "A").Price, "first occurrence wins")
}

func TestReconcileWritesDailyStat(t *testing.T) {
	store := newMemStore()
	seedActive(store, "B", 100, 0, day(-10))
	r := newTestReconciler(store)

	snapshot := []*models.CanonicalListing{canonical("A", 50, 0), canonical("B", 120, 0)}
	res, err := r.Reconcile(context.Background(), region, snapshot, day(0), 3)
	require.NoError(t, err)

	stat, err := store.GetDailyStat(context.Background(), region, day(0))
	require.NoError(t, err)
	assert.Equal(t, 2, stat.TotalCount)
	assert.Equal(t, res.New, stat.NewCount)
	assert.Equal(t, res.Updated, stat.UpdatedCount)
	assert.Equal(t, int64(50), stat.PriceMin)
	assert.Equal(t, int64(120), stat.PriceMax)
}

func TestReconcileContextCancellation(t *testing.T) {
	store := newMemStore()
	seedActive(store, "B", 100, 0, day(-10))
	r := newTestReconciler(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Reconcile(ctx, region, []*models.CanonicalListing{canonical("B", 120, 0)}, day(0), 3)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res, "partial summary is still returned")
	assert.Equal(t, int64(100), store.listing(region, "B").Price, "no write after cancellation")
}
