package main

import (
	"context"
	"os"
	"sort"
	"sync"

	"estate-tracker/collector"
	"estate-tracker/config"
	"estate-tracker/models"
	"estate-tracker/services"
	"estate-tracker/storage"
	"estate-tracker/utils"
)

func main() {
	logger := utils.NewLogger()
	cfg := config.Load()

	logger.Info("=== Estate Tracker reconciliation run starting ===")
	logger.Info("Config — backend: %s | snapshots: %s | grace: %dd | concurrency: %d | run date: %s",
		cfg.StoreBackend, cfg.SnapshotDir, cfg.GracePeriodDays, cfg.MaxConcurrency,
		cfg.RunDate.Format("2006-01-02"))

	ctx := context.Background()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	snapshots, err := collector.DiscoverSnapshots(cfg.SnapshotDir)
	if err != nil {
		logger.Error("Failed to discover snapshots: %v", err)
		os.Exit(1)
	}
	if len(snapshots) == 0 {
		logger.Error("No snapshot files in %s. Exiting.", cfg.SnapshotDir)
		os.Exit(1)
	}

	regions := make([]string, 0, len(snapshots))
	for region := range snapshots {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	logger.Info("Found snapshots for %d region(s)", len(regions))

	loader := collector.NewLoader(logger)
	reconciler := services.NewReconciler(store, logger)
	guard := utils.NewRegionGuard()
	pool := utils.NewWorkerPool(cfg.MaxConcurrency)

	var mu sync.Mutex
	var results []*models.ReconciliationResult
	snapshotIDs := make(map[string][]string)

	for _, region := range regions {
		region := region
		path := snapshots[region]

		pool.Submit(func() {
			if !guard.Acquire(region) {
				logger.Warn("Region %s already being reconciled, skipping", region)
				return
			}
			defer guard.Release(region)

			snapshot, err := loader.LoadSnapshot(path)
			if err != nil {
				logger.Error("Region %s: %v", region, err)
				return
			}

			res, err := reconciler.Reconcile(ctx, region, snapshot, cfg.RunDate, cfg.GracePeriodDays)
			if err != nil {
				logger.Error("Region %s reconcile failed: %v", region, err)
				return
			}

			ids := make([]string, 0, len(snapshot))
			for _, item := range snapshot {
				if item.ExternalID != "" {
					ids = append(ids, item.ExternalID)
				}
			}

			mu.Lock()
			results = append(results, res)
			snapshotIDs[region] = ids
			mu.Unlock()
		})
	}
	pool.Wait()

	if len(results) == 0 {
		logger.Error("All regions failed. Exiting.")
		os.Exit(1)
	}

	stats := make(map[string]*models.DailyStat, len(results))
	for _, res := range results {
		stat, err := store.GetDailyStat(ctx, res.RegionCode, res.AsOf)
		if err != nil {
			logger.Warn("No daily stat for region %s: %v", res.RegionCode, err)
			continue
		}
		stats[res.RegionCode] = stat
	}

	services.PrintRunReport(results, stats)

	if cfg.ExportDir != "" {
		exportLedgers(ctx, cfg, store, results, snapshotIDs, logger)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (storage.Store, error) {
	if cfg.StoreBackend == config.BackendSQLite {
		return storage.NewSQLiteStore(cfg.SQLitePath)
	}
	return storage.NewPostgresStore(ctx, cfg.DSN(), logger)
}

// exportLedgers dumps per-region CSV copies of both ledgers for the
// downstream reporting jobs.
func exportLedgers(ctx context.Context, cfg *config.Config, store storage.Store, results []*models.ReconciliationResult, snapshotIDs map[string][]string, logger *utils.Logger) {
	exporter, err := storage.NewLedgerExporter(cfg.ExportDir, store, store)
	if err != nil {
		logger.Error("Ledger export disabled: %v", err)
		return
	}

	since := cfg.RunDate.AddDate(0, 0, -30)
	for _, res := range results {
		if err := exporter.ExportDeletions(ctx, res.RegionCode, since); err != nil {
			logger.Error("Export deletions for %s: %v", res.RegionCode, err)
		}
		if err := exporter.ExportPriceHistory(ctx, res.RegionCode, snapshotIDs[res.RegionCode]); err != nil {
			logger.Error("Export price history for %s: %v", res.RegionCode, err)
		}
	}
	logger.Info("Ledger CSVs written to %s", cfg.ExportDir)
}
