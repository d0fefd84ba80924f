package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"estate-tracker/models"
)

// dateLayout is how DATE values are stored in SQLite. ISO dates sort
// lexicographically, so the monotonic last_seen guard still works.
const dateLayout = "2006-01-02"

// SQLiteStore is the embedded backend for local runs and tests. It
// mirrors PostgresStore operation for operation; dates are TEXT and
// days_active is computed on insert since SQLite stores dates opaquely.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs
// schema migrations. ":memory:" gives a throwaway in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Single connection: keeps in-memory databases alive and avoids
	// SQLITE_BUSY under the one-writer-per-region model.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id     TEXT    NOT NULL,
			region_code     TEXT    NOT NULL,
			trade_type      TEXT    NOT NULL DEFAULT '',
			price           INTEGER NOT NULL DEFAULT 0,
			rent_price      INTEGER NOT NULL DEFAULT 0,
			area            REAL    NOT NULL DEFAULT 0,
			address         TEXT    NOT NULL DEFAULT '',
			lat             REAL    NOT NULL DEFAULT 0,
			lng             REAL    NOT NULL DEFAULT 0,
			detail          TEXT,
			first_seen      TEXT    NOT NULL,
			last_seen       TEXT    NOT NULL,
			is_active       INTEGER NOT NULL DEFAULT 1,
			missing_since   TEXT,
			deleted_at      TEXT,
			deletion_reason TEXT    NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_active_identity
			ON listings(region_code, external_id) WHERE is_active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_listings_region_active
			ON listings(region_code, is_active)`,
		`CREATE TABLE IF NOT EXISTS price_changes (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id  TEXT    NOT NULL,
			region_code  TEXT    NOT NULL,
			prev_price   INTEGER NOT NULL,
			new_price    INTEGER NOT NULL,
			prev_rent    INTEGER NOT NULL,
			new_rent     INTEGER NOT NULL,
			changed_date TEXT    NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_changes_listing
			ON price_changes(region_code, external_id, changed_date)`,
		`CREATE TABLE IF NOT EXISTS deletion_log (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id     TEXT    NOT NULL,
			region_code     TEXT    NOT NULL,
			deleted_date    TEXT    NOT NULL,
			first_seen_date TEXT    NOT NULL,
			days_active     INTEGER NOT NULL,
			final_price     INTEGER NOT NULL,
			final_rent      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deletion_log_region
			ON deletion_log(region_code, deleted_date)`,
		`CREATE TABLE IF NOT EXISTS daily_stats (
			region_code   TEXT NOT NULL,
			stat_date     TEXT NOT NULL,
			total_count   INTEGER NOT NULL DEFAULT 0,
			new_count     INTEGER NOT NULL DEFAULT 0,
			updated_count INTEGER NOT NULL DEFAULT 0,
			missing_count INTEGER NOT NULL DEFAULT 0,
			removed_count INTEGER NOT NULL DEFAULT 0,
			price_mean    REAL    NOT NULL DEFAULT 0,
			price_min     INTEGER NOT NULL DEFAULT 0,
			price_max     INTEGER NOT NULL DEFAULT 0,
			area_mean     REAL    NOT NULL DEFAULT 0,
			area_min      REAL    NOT NULL DEFAULT 0,
			area_max      REAL    NOT NULL DEFAULT 0,
			price_buckets TEXT,
			PRIMARY KEY (region_code, stat_date)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func fmtDate(t time.Time) string {
	return models.DateOf(t).Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

func (s *SQLiteStore) ActiveListings(ctx context.Context, regionCode string) ([]*models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, region_code, trade_type, price, rent_price,
		       area, address, lat, lng, detail,
		       first_seen, last_seen, is_active, missing_since, deleted_at, deletion_reason
		FROM listings
		WHERE region_code = ? AND is_active = 1
		ORDER BY external_id
	`, regionCode)
	if err != nil {
		return nil, fmt.Errorf("sqlite: active listings: %w", err)
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		l, err := scanSQLiteListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func scanSQLiteListing(rows *sql.Rows) (*models.Listing, error) {
	l := &models.Listing{}
	var firstSeen, lastSeen string
	var missingSince, deletedAt sql.NullString
	if err := rows.Scan(
		&l.ID, &l.ExternalID, &l.RegionCode, &l.TradeType, &l.Price, &l.RentPrice,
		&l.Area, &l.Address, &l.Lat, &l.Lng, &l.Detail,
		&firstSeen, &lastSeen, &l.IsActive, &missingSince, &deletedAt, &l.DeletionReason,
	); err != nil {
		return nil, fmt.Errorf("sqlite: scan listing: %w", err)
	}

	var err error
	if l.FirstSeen, err = parseDate(firstSeen); err != nil {
		return nil, fmt.Errorf("sqlite: first_seen: %w", err)
	}
	if l.LastSeen, err = parseDate(lastSeen); err != nil {
		return nil, fmt.Errorf("sqlite: last_seen: %w", err)
	}
	if missingSince.Valid {
		t, err := parseDate(missingSince.String)
		if err != nil {
			return nil, fmt.Errorf("sqlite: missing_since: %w", err)
		}
		l.MissingSince = &t
	}
	if deletedAt.Valid {
		t, err := parseDate(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("sqlite: deleted_at: %w", err)
		}
		l.DeletedAt = &t
	}
	return l, nil
}

func (s *SQLiteStore) InsertListing(ctx context.Context, l *models.Listing) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO listings (
			external_id, region_code, trade_type, price, rent_price,
			area, address, lat, lng, detail,
			first_seen, last_seen, is_active
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,1)
	`, l.ExternalID, l.RegionCode, l.TradeType, l.Price, l.RentPrice,
		l.Area, l.Address, l.Lat, l.Lng, l.Detail,
		fmtDate(l.FirstSeen), fmtDate(l.LastSeen))
	if err != nil {
		return fmt.Errorf("sqlite: insert listing %s: %w", l.ExternalID, err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) RefreshSeen(ctx context.Context, l *models.Listing) error {
	seen := fmtDate(l.LastSeen)
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings
		   SET trade_type = ?, price = ?, rent_price = ?, area = ?,
		       address = ?, lat = ?, lng = ?, detail = ?,
		       last_seen = ?, missing_since = NULL
		 WHERE region_code = ? AND external_id = ?
		   AND is_active = 1 AND last_seen <= ?
	`, l.TradeType, l.Price, l.RentPrice, l.Area,
		l.Address, l.Lat, l.Lng, l.Detail,
		seen, l.RegionCode, l.ExternalID, seen)
	if err != nil {
		return fmt.Errorf("sqlite: refresh listing %s: %w", l.ExternalID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkMissing(ctx context.Context, regionCode, externalID string, asOf time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings
		   SET missing_since = ?
		 WHERE region_code = ? AND external_id = ?
		   AND is_active = 1 AND missing_since IS NULL
	`, fmtDate(asOf), regionCode, externalID)
	if err != nil {
		return fmt.Errorf("sqlite: mark missing %s: %w", externalID, err)
	}
	return nil
}

func (s *SQLiteStore) Deactivate(ctx context.Context, regionCode, externalID string, asOf time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings
		   SET is_active = 0, deleted_at = ?, deletion_reason = ?
		 WHERE region_code = ? AND external_id = ? AND is_active = 1
	`, fmtDate(asOf), reason, regionCode, externalID)
	if err != nil {
		return fmt.Errorf("sqlite: deactivate %s: %w", externalID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordPriceChange(ctx context.Context, rec *models.PriceChangeRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO price_changes (
			external_id, region_code, prev_price, new_price, prev_rent, new_rent, changed_date
		) VALUES (?,?,?,?,?,?,?)
	`, rec.ExternalID, rec.RegionCode, rec.PrevPrice, rec.NewPrice,
		rec.PrevRent, rec.NewRent, fmtDate(rec.ChangedDate))
	if err != nil {
		return fmt.Errorf("sqlite: record price change %s: %w", rec.ExternalID, err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) PriceHistory(ctx context.Context, regionCode, externalID string) ([]*models.PriceChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, region_code, prev_price, new_price, prev_rent, new_rent, changed_date
		FROM price_changes
		WHERE region_code = ? AND external_id = ?
		ORDER BY changed_date, id
	`, regionCode, externalID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: price history: %w", err)
	}
	defer rows.Close()

	var recs []*models.PriceChangeRecord
	for rows.Next() {
		rec := &models.PriceChangeRecord{}
		var changed string
		if err := rows.Scan(
			&rec.ID, &rec.ExternalID, &rec.RegionCode,
			&rec.PrevPrice, &rec.NewPrice, &rec.PrevRent, &rec.NewRent, &changed,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan price change: %w", err)
		}
		if rec.ChangedDate, err = parseDate(changed); err != nil {
			return nil, fmt.Errorf("sqlite: changed_date: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) RecordDeletion(ctx context.Context, rec *models.DeletionRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deletion_log (
			external_id, region_code, deleted_date, first_seen_date, days_active, final_price, final_rent
		) VALUES (?,?,?,?,?,?,?)
	`, rec.ExternalID, rec.RegionCode, fmtDate(rec.DeletedDate),
		fmtDate(rec.FirstSeenDate), rec.DaysActive(), rec.FinalPrice, rec.FinalRent)
	if err != nil {
		return fmt.Errorf("sqlite: record deletion %s: %w", rec.ExternalID, err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) RecentDeletions(ctx context.Context, regionCode string, since time.Time) ([]*models.DeletionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, region_code, deleted_date, first_seen_date, final_price, final_rent
		FROM deletion_log
		WHERE region_code = ? AND deleted_date >= ?
		ORDER BY deleted_date, id
	`, regionCode, fmtDate(since))
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent deletions: %w", err)
	}
	defer rows.Close()

	var recs []*models.DeletionRecord
	for rows.Next() {
		rec := &models.DeletionRecord{}
		var deleted, firstSeen string
		if err := rows.Scan(
			&rec.ID, &rec.ExternalID, &rec.RegionCode,
			&deleted, &firstSeen, &rec.FinalPrice, &rec.FinalRent,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan deletion: %w", err)
		}
		if rec.DeletedDate, err = parseDate(deleted); err != nil {
			return nil, fmt.Errorf("sqlite: deleted_date: %w", err)
		}
		if rec.FirstSeenDate, err = parseDate(firstSeen); err != nil {
			return nil, fmt.Errorf("sqlite: first_seen_date: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) UpsertDailyStat(ctx context.Context, stat *models.DailyStat) error {
	buckets, err := json.Marshal(stat.PriceBuckets)
	if err != nil {
		return fmt.Errorf("sqlite: marshal price buckets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (
			region_code, stat_date, total_count, new_count, updated_count,
			missing_count, removed_count, price_mean, price_min, price_max,
			area_mean, area_min, area_max, price_buckets
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (region_code, stat_date) DO UPDATE SET
			total_count   = excluded.total_count,
			new_count     = excluded.new_count,
			updated_count = excluded.updated_count,
			missing_count = excluded.missing_count,
			removed_count = excluded.removed_count,
			price_mean    = excluded.price_mean,
			price_min     = excluded.price_min,
			price_max     = excluded.price_max,
			area_mean     = excluded.area_mean,
			area_min      = excluded.area_min,
			area_max      = excluded.area_max,
			price_buckets = excluded.price_buckets
	`, stat.RegionCode, fmtDate(stat.Date), stat.TotalCount, stat.NewCount, stat.UpdatedCount,
		stat.MissingCount, stat.RemovedCount, stat.PriceMean, stat.PriceMin, stat.PriceMax,
		stat.AreaMean, stat.AreaMin, stat.AreaMax, string(buckets))
	if err != nil {
		return fmt.Errorf("sqlite: upsert daily stat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDailyStat(ctx context.Context, regionCode string, date time.Time) (*models.DailyStat, error) {
	stat := &models.DailyStat{}
	var statDate string
	var buckets sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT region_code, stat_date, total_count, new_count, updated_count,
		       missing_count, removed_count, price_mean, price_min, price_max,
		       area_mean, area_min, area_max, price_buckets
		FROM daily_stats
		WHERE region_code = ? AND stat_date = ?
	`, regionCode, fmtDate(date)).Scan(
		&stat.RegionCode, &statDate, &stat.TotalCount, &stat.NewCount, &stat.UpdatedCount,
		&stat.MissingCount, &stat.RemovedCount, &stat.PriceMean, &stat.PriceMin, &stat.PriceMax,
		&stat.AreaMean, &stat.AreaMin, &stat.AreaMax, &buckets,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get daily stat: %w", err)
	}
	if stat.Date, err = parseDate(statDate); err != nil {
		return nil, fmt.Errorf("sqlite: stat_date: %w", err)
	}
	if buckets.Valid && buckets.String != "" {
		if err := json.Unmarshal([]byte(buckets.String), &stat.PriceBuckets); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal price buckets: %w", err)
		}
	}
	return stat, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
