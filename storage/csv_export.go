package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"estate-tracker/models"
)

// LedgerExporter dumps the two audit ledgers to CSV files for
// out-of-process reporting consumers. Exports are point-in-time reads;
// the ledgers themselves stay append-only in the store.
type LedgerExporter struct {
	dir       string
	prices    PriceLedger
	deletions DeletionLedger
}

// NewLedgerExporter creates the export directory if needed.
func NewLedgerExporter(dir string, prices PriceLedger, deletions DeletionLedger) (*LedgerExporter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("csv: create export dir: %w", err)
	}
	return &LedgerExporter{dir: dir, prices: prices, deletions: deletions}, nil
}

// ExportPriceHistory writes every recorded price change for the given
// listings of one region to <dir>/<region>_price_changes.csv.
func (e *LedgerExporter) ExportPriceHistory(ctx context.Context, regionCode string, externalIDs []string) error {
	path := filepath.Join(e.dir, regionCode+"_price_changes.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("csv: create %q: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"external_id", "region_code", "prev_price", "new_price", "prev_rent", "new_rent", "changed_date",
	}); err != nil {
		return fmt.Errorf("csv: write header: %w", err)
	}

	for _, id := range externalIDs {
		recs, err := e.prices.PriceHistory(ctx, regionCode, id)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			row := []string{
				rec.ExternalID,
				rec.RegionCode,
				strconv.FormatInt(rec.PrevPrice, 10),
				strconv.FormatInt(rec.NewPrice, 10),
				strconv.FormatInt(rec.PrevRent, 10),
				strconv.FormatInt(rec.NewRent, 10),
				models.DateOf(rec.ChangedDate).Format("2006-01-02"),
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("csv: write row: %w", err)
			}
		}
	}

	w.Flush()
	return w.Error()
}

// ExportDeletions writes the region's deletion log since the given
// date to <dir>/<region>_deletions.csv.
func (e *LedgerExporter) ExportDeletions(ctx context.Context, regionCode string, since time.Time) error {
	recs, err := e.deletions.RecentDeletions(ctx, regionCode, since)
	if err != nil {
		return err
	}

	path := filepath.Join(e.dir, regionCode+"_deletions.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("csv: create %q: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		"external_id", "region_code", "deleted_date", "first_seen_date", "days_active", "final_price", "final_rent",
	}); err != nil {
		return fmt.Errorf("csv: write header: %w", err)
	}

	for _, rec := range recs {
		row := []string{
			rec.ExternalID,
			rec.RegionCode,
			models.DateOf(rec.DeletedDate).Format("2006-01-02"),
			models.DateOf(rec.FirstSeenDate).Format("2006-01-02"),
			strconv.Itoa(rec.DaysActive()),
			strconv.FormatInt(rec.FinalPrice, 10),
			strconv.FormatInt(rec.FinalRent, 10),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}
