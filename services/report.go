package services

import (
	"fmt"
	"sort"
	"strings"

	"estate-tracker/models"
)

// PrintRunReport renders the per-region summaries of one scheduled run
// to the terminal. Read-only; reporting collaborators query the store
// directly for anything richer.
func PrintRunReport(results []*models.ReconciliationResult, stats map[string]*models.DailyStat) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  RECONCILIATION SUMMARY\033[0m\n")
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	sorted := make([]*models.ReconciliationResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].RegionCode < sorted[j].RegionCode
	})

	var totalNew, totalUpdated, totalMissing, totalRemoved, totalErrors int

	for _, r := range sorted {
		fmt.Printf("\033[1;33m  Region %s\033[0m  (%s, run %s)\n", r.RegionCode, r.AsOf.Format("2006-01-02"), r.RunID)
		fmt.Printf("  %s\n", thin)
		fmt.Printf("  New      : \033[1;32m%d\033[0m\n", r.New)
		fmt.Printf("  Updated  : \033[1m%d\033[0m\n", r.Updated)
		fmt.Printf("  Missing  : \033[1;33m%d\033[0m\n", r.Missing)
		fmt.Printf("  Removed  : \033[1;31m%d\033[0m\n", r.Removed)

		if stat, ok := stats[r.RegionCode]; ok && stat.TotalCount > 0 {
			fmt.Printf("  Snapshot : %d listings", stat.TotalCount)
			if stat.PriceMax > 0 {
				fmt.Printf("  |  price %.0f avg (%d–%d)", stat.PriceMean, stat.PriceMin, stat.PriceMax)
			}
			fmt.Println()
		}

		if r.HasErrors() {
			fmt.Printf("  \033[1;31mErrors   : %d\033[0m\n", len(r.Errors))
			for _, err := range r.Errors {
				fmt.Printf("    - %v\n", err)
			}
		}
		fmt.Println()

		totalNew += r.New
		totalUpdated += r.Updated
		totalMissing += r.Missing
		totalRemoved += r.Removed
		totalErrors += len(r.Errors)
	}

	fmt.Printf("\033[1;33m  All regions\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  %d new | %d updated | %d missing | %d removed | %d errors\n",
		totalNew, totalUpdated, totalMissing, totalRemoved, totalErrors)
	fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
}
