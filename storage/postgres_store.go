package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"estate-tracker/models"
	"estate-tracker/utils"
)

// PostgresStore is the primary backend. Every lifecycle transition is
// a guarded UPDATE, so re-applying a run never moves a row twice.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema
// migrations, and returns a ready-to-use store.
func NewPostgresStore(ctx context.Context, dsn string, logger *utils.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	retry := &utils.RetryConfig{MaxAttempts: 10, BaseDelay: 2 * time.Second, Logger: logger}
	if err := retry.Do(ctx, "postgres ping", func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS listings (
			id              BIGSERIAL PRIMARY KEY,
			external_id     VARCHAR(64)   NOT NULL,
			region_code     VARCHAR(32)   NOT NULL,
			trade_type      VARCHAR(16)   NOT NULL DEFAULT '',
			price           BIGINT        NOT NULL DEFAULT 0,
			rent_price      BIGINT        NOT NULL DEFAULT 0,
			area            NUMERIC(10,2) NOT NULL DEFAULT 0,
			address         TEXT          NOT NULL DEFAULT '',
			lat             DOUBLE PRECISION NOT NULL DEFAULT 0,
			lng             DOUBLE PRECISION NOT NULL DEFAULT 0,
			detail          JSONB,
			first_seen      DATE          NOT NULL,
			last_seen       DATE          NOT NULL,
			is_active       BOOLEAN       NOT NULL DEFAULT TRUE,
			missing_since   DATE,
			deleted_at      DATE,
			deletion_reason VARCHAR(32)   NOT NULL DEFAULT ''
		);

		-- Identity holds among active rows; deactivated rows are kept
		-- as an audit archive.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_active_identity
			ON listings(region_code, external_id) WHERE is_active;
		CREATE INDEX IF NOT EXISTS idx_listings_region_active
			ON listings(region_code, is_active);

		CREATE TABLE IF NOT EXISTS price_changes (
			id           BIGSERIAL PRIMARY KEY,
			external_id  VARCHAR(64) NOT NULL,
			region_code  VARCHAR(32) NOT NULL,
			prev_price   BIGINT      NOT NULL,
			new_price    BIGINT      NOT NULL,
			prev_rent    BIGINT      NOT NULL,
			new_rent     BIGINT      NOT NULL,
			changed_date DATE        NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_price_changes_listing
			ON price_changes(region_code, external_id, changed_date);

		CREATE TABLE IF NOT EXISTS deletion_log (
			id              BIGSERIAL PRIMARY KEY,
			external_id     VARCHAR(64) NOT NULL,
			region_code     VARCHAR(32) NOT NULL,
			deleted_date    DATE        NOT NULL,
			first_seen_date DATE        NOT NULL,
			days_active     INT GENERATED ALWAYS AS (deleted_date - first_seen_date) STORED,
			final_price     BIGINT      NOT NULL,
			final_rent      BIGINT      NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_deletion_log_region
			ON deletion_log(region_code, deleted_date);

		CREATE TABLE IF NOT EXISTS daily_stats (
			region_code   VARCHAR(32) NOT NULL,
			stat_date     DATE        NOT NULL,
			total_count   INT         NOT NULL DEFAULT 0,
			new_count     INT         NOT NULL DEFAULT 0,
			updated_count INT         NOT NULL DEFAULT 0,
			missing_count INT         NOT NULL DEFAULT 0,
			removed_count INT         NOT NULL DEFAULT 0,
			price_mean    DOUBLE PRECISION NOT NULL DEFAULT 0,
			price_min     BIGINT      NOT NULL DEFAULT 0,
			price_max     BIGINT      NOT NULL DEFAULT 0,
			area_mean     DOUBLE PRECISION NOT NULL DEFAULT 0,
			area_min      DOUBLE PRECISION NOT NULL DEFAULT 0,
			area_max      DOUBLE PRECISION NOT NULL DEFAULT 0,
			price_buckets JSONB,
			PRIMARY KEY (region_code, stat_date)
		);
	`)
	return err
}

// ActiveListings loads the region's active rows for the reconciliation
// index.
func (s *PostgresStore) ActiveListings(ctx context.Context, regionCode string) ([]*models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, region_code, trade_type, price, rent_price,
		       area, address, lat, lng, detail,
		       first_seen, last_seen, is_active, missing_since, deleted_at, deletion_reason
		FROM listings
		WHERE region_code = $1 AND is_active = TRUE
		ORDER BY external_id
	`, regionCode)
	if err != nil {
		return nil, fmt.Errorf("postgres: active listings: %w", err)
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		l := &models.Listing{}
		if err := rows.Scan(
			&l.ID, &l.ExternalID, &l.RegionCode, &l.TradeType, &l.Price, &l.RentPrice,
			&l.Area, &l.Address, &l.Lat, &l.Lng, &l.Detail,
			&l.FirstSeen, &l.LastSeen, &l.IsActive, &l.MissingSince, &l.DeletedAt, &l.DeletionReason,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) InsertListing(ctx context.Context, l *models.Listing) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO listings (
			external_id, region_code, trade_type, price, rent_price,
			area, address, lat, lng, detail,
			first_seen, last_seen, is_active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,TRUE)
		RETURNING id
	`, l.ExternalID, l.RegionCode, l.TradeType, l.Price, l.RentPrice,
		l.Area, l.Address, l.Lat, l.Lng, l.Detail,
		models.DateOf(l.FirstSeen), models.DateOf(l.LastSeen),
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("postgres: insert listing %s: %w", l.ExternalID, err)
	}
	return nil
}

// RefreshSeen persists mutable snapshot fields and advances last_seen.
// The last_seen guard keeps the column monotonic even if runs arrive
// out of order.
func (s *PostgresStore) RefreshSeen(ctx context.Context, l *models.Listing) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings
		   SET trade_type = $1, price = $2, rent_price = $3, area = $4,
		       address = $5, lat = $6, lng = $7, detail = $8,
		       last_seen = $9, missing_since = NULL
		 WHERE region_code = $10 AND external_id = $11
		   AND is_active = TRUE AND last_seen <= $9
	`, l.TradeType, l.Price, l.RentPrice, l.Area,
		l.Address, l.Lat, l.Lng, l.Detail,
		models.DateOf(l.LastSeen), l.RegionCode, l.ExternalID)
	if err != nil {
		return fmt.Errorf("postgres: refresh listing %s: %w", l.ExternalID, err)
	}
	return nil
}

func (s *PostgresStore) MarkMissing(ctx context.Context, regionCode, externalID string, asOf time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings
		   SET missing_since = $1
		 WHERE region_code = $2 AND external_id = $3
		   AND is_active = TRUE AND missing_since IS NULL
	`, models.DateOf(asOf), regionCode, externalID)
	if err != nil {
		return fmt.Errorf("postgres: mark missing %s: %w", externalID, err)
	}
	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, regionCode, externalID string, asOf time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE listings
		   SET is_active = FALSE, deleted_at = $1, deletion_reason = $2
		 WHERE region_code = $3 AND external_id = $4 AND is_active = TRUE
	`, models.DateOf(asOf), reason, regionCode, externalID)
	if err != nil {
		return fmt.Errorf("postgres: deactivate %s: %w", externalID, err)
	}
	return nil
}

func (s *PostgresStore) RecordPriceChange(ctx context.Context, rec *models.PriceChangeRecord) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO price_changes (
			external_id, region_code, prev_price, new_price, prev_rent, new_rent, changed_date
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, rec.ExternalID, rec.RegionCode, rec.PrevPrice, rec.NewPrice,
		rec.PrevRent, rec.NewRent, models.DateOf(rec.ChangedDate),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("postgres: record price change %s: %w", rec.ExternalID, err)
	}
	return nil
}

func (s *PostgresStore) PriceHistory(ctx context.Context, regionCode, externalID string) ([]*models.PriceChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, region_code, prev_price, new_price, prev_rent, new_rent, changed_date
		FROM price_changes
		WHERE region_code = $1 AND external_id = $2
		ORDER BY changed_date, id
	`, regionCode, externalID)
	if err != nil {
		return nil, fmt.Errorf("postgres: price history: %w", err)
	}
	defer rows.Close()

	var recs []*models.PriceChangeRecord
	for rows.Next() {
		rec := &models.PriceChangeRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.ExternalID, &rec.RegionCode,
			&rec.PrevPrice, &rec.NewPrice, &rec.PrevRent, &rec.NewRent, &rec.ChangedDate,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan price change: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) RecordDeletion(ctx context.Context, rec *models.DeletionRecord) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO deletion_log (
			external_id, region_code, deleted_date, first_seen_date, final_price, final_rent
		) VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, rec.ExternalID, rec.RegionCode, models.DateOf(rec.DeletedDate),
		models.DateOf(rec.FirstSeenDate), rec.FinalPrice, rec.FinalRent,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("postgres: record deletion %s: %w", rec.ExternalID, err)
	}
	return nil
}

func (s *PostgresStore) RecentDeletions(ctx context.Context, regionCode string, since time.Time) ([]*models.DeletionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, region_code, deleted_date, first_seen_date, final_price, final_rent
		FROM deletion_log
		WHERE region_code = $1 AND deleted_date >= $2
		ORDER BY deleted_date, id
	`, regionCode, models.DateOf(since))
	if err != nil {
		return nil, fmt.Errorf("postgres: recent deletions: %w", err)
	}
	defer rows.Close()

	var recs []*models.DeletionRecord
	for rows.Next() {
		rec := &models.DeletionRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.ExternalID, &rec.RegionCode,
			&rec.DeletedDate, &rec.FirstSeenDate, &rec.FinalPrice, &rec.FinalRent,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan deletion: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UpsertDailyStat overwrites the (region, date) rollup; the second
// writer for a key always wins.
func (s *PostgresStore) UpsertDailyStat(ctx context.Context, stat *models.DailyStat) error {
	buckets, err := json.Marshal(stat.PriceBuckets)
	if err != nil {
		return fmt.Errorf("postgres: marshal price buckets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (
			region_code, stat_date, total_count, new_count, updated_count,
			missing_count, removed_count, price_mean, price_min, price_max,
			area_mean, area_min, area_max, price_buckets
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (region_code, stat_date) DO UPDATE SET
			total_count   = EXCLUDED.total_count,
			new_count     = EXCLUDED.new_count,
			updated_count = EXCLUDED.updated_count,
			missing_count = EXCLUDED.missing_count,
			removed_count = EXCLUDED.removed_count,
			price_mean    = EXCLUDED.price_mean,
			price_min     = EXCLUDED.price_min,
			price_max     = EXCLUDED.price_max,
			area_mean     = EXCLUDED.area_mean,
			area_min      = EXCLUDED.area_min,
			area_max      = EXCLUDED.area_max,
			price_buckets = EXCLUDED.price_buckets
	`, stat.RegionCode, models.DateOf(stat.Date), stat.TotalCount, stat.NewCount, stat.UpdatedCount,
		stat.MissingCount, stat.RemovedCount, stat.PriceMean, stat.PriceMin, stat.PriceMax,
		stat.AreaMean, stat.AreaMin, stat.AreaMax, buckets)
	if err != nil {
		return fmt.Errorf("postgres: upsert daily stat: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDailyStat(ctx context.Context, regionCode string, date time.Time) (*models.DailyStat, error) {
	stat := &models.DailyStat{}
	var buckets []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT region_code, stat_date, total_count, new_count, updated_count,
		       missing_count, removed_count, price_mean, price_min, price_max,
		       area_mean, area_min, area_max, price_buckets
		FROM daily_stats
		WHERE region_code = $1 AND stat_date = $2
	`, regionCode, models.DateOf(date)).Scan(
		&stat.RegionCode, &stat.Date, &stat.TotalCount, &stat.NewCount, &stat.UpdatedCount,
		&stat.MissingCount, &stat.RemovedCount, &stat.PriceMean, &stat.PriceMin, &stat.PriceMax,
		&stat.AreaMean, &stat.AreaMin, &stat.AreaMax, &buckets,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get daily stat: %w", err)
	}
	if len(buckets) > 0 {
		if err := json.Unmarshal(buckets, &stat.PriceBuckets); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal price buckets: %w", err)
		}
	}
	return stat, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
