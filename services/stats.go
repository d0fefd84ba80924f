package services

import (
	"strings"
	"time"

	"estate-tracker/models"
)

// priceBucketCount is the number of equal-width histogram bars in a
// daily stat.
const priceBucketCount = 6

// AggregateDailyStat rolls one reconciliation run up into the
// (region, day) summary row: the run counts plus the price/area
// distribution of the snapshot. It is a pure function; persistence
// (and the overwrite-on-rerun semantics) lives in storage.StatsStore.
func AggregateDailyStat(regionCode string, date time.Time, snapshot []*models.CanonicalListing, res *models.ReconciliationResult) *models.DailyStat {
	stat := &models.DailyStat{
		RegionCode:   regionCode,
		Date:         models.DateOf(date),
		NewCount:     res.New,
		UpdatedCount: res.Updated,
		MissingCount: res.Missing,
		RemovedCount: res.Removed,
	}

	var prices []int64
	var areas []float64
	seen := make(map[string]struct{}, len(snapshot))

	for _, item := range snapshot {
		externalID := strings.TrimSpace(item.ExternalID)
		if externalID == "" {
			continue
		}
		if _, dup := seen[externalID]; dup {
			continue
		}
		seen[externalID] = struct{}{}

		stat.TotalCount++
		if item.Price > 0 {
			prices = append(prices, item.Price)
		}
		if item.Area > 0 {
			areas = append(areas, item.Area)
		}
	}

	if len(prices) > 0 {
		stat.PriceMin = prices[0]
		stat.PriceMax = prices[0]
		var total int64
		for _, p := range prices {
			total += p
			if p < stat.PriceMin {
				stat.PriceMin = p
			}
			if p > stat.PriceMax {
				stat.PriceMax = p
			}
		}
		stat.PriceMean = float64(total) / float64(len(prices))
		stat.PriceBuckets = bucketPrices(prices, stat.PriceMin, stat.PriceMax)
	}

	if len(areas) > 0 {
		stat.AreaMin = areas[0]
		stat.AreaMax = areas[0]
		var total float64
		for _, a := range areas {
			total += a
			if a < stat.AreaMin {
				stat.AreaMin = a
			}
			if a > stat.AreaMax {
				stat.AreaMax = a
			}
		}
		stat.AreaMean = total / float64(len(areas))
	}

	return stat
}

// bucketPrices splits [min, max] into equal-width bars. A degenerate
// range (all prices equal) collapses to a single bar.
func bucketPrices(prices []int64, min, max int64) []models.PriceBucket {
	span := max - min
	if span == 0 {
		return []models.PriceBucket{{Low: min, High: max, Count: len(prices)}}
	}

	width := span / priceBucketCount
	if span%priceBucketCount != 0 {
		width++
	}

	buckets := make([]models.PriceBucket, priceBucketCount)
	for i := range buckets {
		buckets[i].Low = min + int64(i)*width
		buckets[i].High = buckets[i].Low + width
	}
	buckets[priceBucketCount-1].High = max

	for _, p := range prices {
		idx := int((p - min) / width)
		if idx >= priceBucketCount {
			idx = priceBucketCount - 1
		}
		buckets[idx].Count++
	}
	return buckets
}
