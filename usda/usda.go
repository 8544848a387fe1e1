// Package usda talks to the USDA FoodData Central REST API: free-text food
// search, by-identifier nutrition detail, UPC lookup, and top-N nutrition
// averaging across matched records.
package usda

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrNoNutritionData marks lookups that found no usable nutrition: zero
// search hits, a record with no recognized nutrients, or an averaging run
// where every candidate was a placeholder row. Callers must treat this
// distinctly from data that genuinely averages to zero.
var ErrNoNutritionData = errors.New("no nutrition data")

// Database is the query surface the tool layer and the averager depend on.
// Implemented by Client (HTTP) and TestDatabase (canned, in-memory).
type Database interface {
	Search(ctx context.Context, query string, pageSize int) (*SearchResult, error)
	FoodDetails(ctx context.Context, fdcID int) (*FoodDetail, error)
}

// Nutrient keys. Amounts are per 100 g of food; the suffix names the unit.
const (
	KeyCalories  = "calories"
	KeyProtein   = "protein_g"
	KeyFat       = "fat_g"
	KeyCarbs     = "carbs_g"
	KeyFiber     = "fiber_g"
	KeySugar     = "sugar_g"
	KeySodium    = "sodium_mg"
	KeyCalcium   = "calcium_mg"
	KeyIron      = "iron_mg"
	KeyPotassium = "potassium_mg"
	KeyVitaminA  = "vitamin_a_iu"
	KeyVitaminC  = "vitamin_c_mg"
)

// NutrientKeys is the full key set in a fixed order. Iterating this slice
// instead of ranging over the map keeps arithmetic deterministic.
var NutrientKeys = []string{
	KeyCalories, KeyProtein, KeyFat, KeyCarbs, KeyFiber, KeySugar,
	KeySodium, KeyCalcium, KeyIron, KeyPotassium, KeyVitaminA, KeyVitaminC,
}

// Nutrition maps nutrient keys to per-100g amounts. An absent key means the
// source did not report that nutrient, which is not the same as zero.
type Nutrition map[string]float64

// HasCoreMacros reports whether at least one of the four core macros
// (calories, protein, fat, carbs) is positive. Records failing this are
// placeholder rows and carry no usable data.
func (n Nutrition) HasCoreMacros() bool {
	return n[KeyCalories] > 0 || n[KeyProtein] > 0 || n[KeyFat] > 0 || n[KeyCarbs] > 0
}

// Scale returns a copy with every amount multiplied by factor and rounded
// to one decimal. Used for per-portion values: factor = weight_grams / 100.
func (n Nutrition) Scale(factor float64) Nutrition {
	out := make(Nutrition, len(n))
	for _, key := range NutrientKeys {
		if v, ok := n[key]; ok {
			out[key] = round1(v * factor)
		}
	}
	return out
}

// Add accumulates other into n, creating keys as needed.
func (n Nutrition) Add(other Nutrition) {
	for _, key := range NutrientKeys {
		if v, ok := other[key]; ok {
			n[key] += v
		}
	}
}

// Rounded returns a copy with every amount rounded to one decimal.
func (n Nutrition) Rounded() Nutrition {
	out := make(Nutrition, len(n))
	for _, key := range NutrientKeys {
		if v, ok := n[key]; ok {
			out[key] = round1(v)
		}
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// SearchFood is one hit from the search endpoint. Nutrition here comes from
// the abbreviated per-hit nutrient list and may be sparser than the detail
// record for the same FDC ID.
type SearchFood struct {
	FDCID       int       `json:"fdc_id"`
	Description string    `json:"description"`
	DataType    string    `json:"data_type"`
	BrandOwner  string    `json:"brand_owner,omitempty"`
	GTINUPC     string    `json:"gtin_upc,omitempty"`
	Nutrition   Nutrition `json:"nutrition,omitempty"`
}

// SearchResult is the outcome of a search call. Zero hits is a valid
// outcome, not an error.
type SearchResult struct {
	Query     string       `json:"query"`
	TotalHits int          `json:"total_hits"`
	Foods     []SearchFood `json:"foods"`
}

// FoodDetail is the full record for one FDC ID.
type FoodDetail struct {
	FDCID       int       `json:"fdc_id"`
	Description string    `json:"description"`
	DataType    string    `json:"data_type"`
	GTINUPC     string    `json:"gtin_upc,omitempty"`
	Nutrition   Nutrition `json:"nutrition"`
}

// SourceRecord identifies one database record that contributed to an
// averaged result.
type SourceRecord struct {
	Description string `json:"description"`
	FDCID       int    `json:"fdc_id"`
}

// AveragedNutrition is the averager's output: per-nutrient means over the
// valid candidates that reported each nutrient, plus provenance.
type AveragedNutrition struct {
	SearchTerm        string         `json:"search_term"`
	ValidResultsCount int            `json:"valid_results_count"`
	TotalResultsFound int            `json:"total_results_found"`
	Nutrition         Nutrition      `json:"averaged_nutrition"`
	SourceRecords     []SourceRecord `json:"source_records"`
}

// TestDatabase is a canned in-memory Database for tests and offline runs.
type TestDatabase struct {
	SearchResults map[string]*SearchResult
	Details       map[int]*FoodDetail
	SearchErr     error
	DetailsErr    error

	SearchCalls  int
	DetailsCalls int
}

func NewTestDatabase() *TestDatabase {
	return &TestDatabase{
		SearchResults: make(map[string]*SearchResult),
		Details:       make(map[int]*FoodDetail),
	}
}

func (t *TestDatabase) Search(ctx context.Context, query string, pageSize int) (*SearchResult, error) {
	t.SearchCalls++
	if t.SearchErr != nil {
		return nil, t.SearchErr
	}
	if res, ok := t.SearchResults[query]; ok {
		return res, nil
	}
	return &SearchResult{Query: query, Foods: []SearchFood{}}, nil
}

func (t *TestDatabase) FoodDetails(ctx context.Context, fdcID int) (*FoodDetail, error) {
	t.DetailsCalls++
	if t.DetailsErr != nil {
		return nil, t.DetailsErr
	}
	detail, ok := t.Details[fdcID]
	if !ok {
		return nil, fmt.Errorf("food %d: %w", fdcID, ErrNoNutritionData)
	}
	return detail, nil
}
