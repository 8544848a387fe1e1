package usda

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	DefaultTopN      = 10
	maxSourceRecords = 5
)

// Averager computes nutrition for a search term by fetching detail for the
// top N matches and averaging across them, which damps single-source noise.
//
// Each nutrient is divided by the count of valid candidates that reported a
// positive value for that nutrient, not by the total valid-candidate count.
// A nutrient only one source reported would otherwise be diluted toward
// zero by sources that simply omitted it. Different nutrients in one result
// can therefore have different effective sample sizes.
type Averager struct {
	db   Database
	topN int
}

func NewAverager(db Database, topN int) *Averager {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Averager{db: db, topN: topN}
}

// AverageTopN searches for the term and averages nutrition over the valid
// candidates among the top N hits. A candidate is valid when at least one
// core macro is positive; placeholder rows with all-zero macros are
// discarded, and candidates whose detail fetch fails are skipped. Zero
// valid candidates is an ErrNoNutritionData failure, never an all-zero
// success.
func (a *Averager) AverageTopN(ctx context.Context, searchTerm string) (*AveragedNutrition, error) {
	res, err := a.db.Search(ctx, searchTerm, a.topN)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", searchTerm, err)
	}
	if len(res.Foods) == 0 {
		return nil, fmt.Errorf("no results for %q: %w", searchTerm, ErrNoNutritionData)
	}

	candidates := res.Foods
	if len(candidates) > a.topN {
		candidates = candidates[:a.topN]
	}

	sums := make(map[string]float64, len(NutrientKeys))
	counts := make(map[string]int, len(NutrientKeys))
	sources := make([]SourceRecord, 0, maxSourceRecords)
	valid := 0

	for _, food := range candidates {
		detail, err := a.db.FoodDetails(ctx, food.FDCID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Debug("AVERAGER: skipping candidate", "fdc_id", food.FDCID, "error", err)
			continue
		}
		if !detail.Nutrition.HasCoreMacros() {
			continue
		}

		valid++
		if len(sources) < maxSourceRecords {
			sources = append(sources, SourceRecord{Description: detail.Description, FDCID: detail.FDCID})
		}
		for _, key := range NutrientKeys {
			if v := detail.Nutrition[key]; v > 0 {
				sums[key] += v
				counts[key]++
			}
		}
	}

	if valid == 0 {
		return nil, fmt.Errorf("no usable nutrition in %d results for %q: %w", len(candidates), searchTerm, ErrNoNutritionData)
	}

	averaged := make(Nutrition, len(NutrientKeys))
	for _, key := range NutrientKeys {
		if counts[key] > 0 {
			averaged[key] = sums[key] / float64(counts[key])
		} else {
			averaged[key] = 0.0
		}
	}

	slog.Info("AVERAGER: averaged nutrition",
		"term", searchTerm,
		"valid_results", valid,
		"candidates", len(candidates),
		"total_hits", res.TotalHits,
	)

	return &AveragedNutrition{
		SearchTerm:        searchTerm,
		ValidResultsCount: valid,
		TotalResultsFound: res.TotalHits,
		Nutrition:         averaged,
		SourceRecords:     sources,
	}, nil
}
