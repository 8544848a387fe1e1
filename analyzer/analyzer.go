// Package analyzer implements the two-stage meal analysis pipeline: a
// vision identification stage followed by concurrent, tool-calling
// nutrition resolution against the food database.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/atomic"

	"mealscan"
	"mealscan/storage"
	"mealscan/usda"
)

// Fallbacks for zero-valued configuration, matching the documented env
// defaults. A zero concurrency bound or iteration budget would deadlock or
// no-op the pipeline, so construction normalizes them.
const (
	defaultIdentifyTimeout = 30 * time.Second
	defaultResolveTimeout  = 45 * time.Second
	defaultMaxIterations   = 5
	defaultMaxConcurrent   = 5
)

// Analyzer wires a completion client, the nutrition tools, and the
// averager into the full pipeline. Safe for concurrent use; the nutrition
// cache is shared across runs.
type Analyzer struct {
	llm          mealscan.CompletionClient
	toolProvider mealscan.ToolProvider
	averager     *usda.Averager
	identifyCfg  mealscan.IdentifyConfig
	resolveCfg   mealscan.ResolveConfig
	logger       mealscan.ResolutionLogger
	progress     mealscan.ProgressFunc
	cache        cmap.ConcurrentMap[string, *usda.AveragedNutrition]
}

// NewAnalyzer initializes an analyzer. logger and progress may be nil.
func NewAnalyzer(llm mealscan.CompletionClient, toolProvider mealscan.ToolProvider, averager *usda.Averager, identifyCfg mealscan.IdentifyConfig, resolveCfg mealscan.ResolveConfig, logger mealscan.ResolutionLogger, progress mealscan.ProgressFunc) *Analyzer {
	if identifyCfg.Timeout <= 0 {
		identifyCfg.Timeout = defaultIdentifyTimeout
	}
	if resolveCfg.Timeout <= 0 {
		resolveCfg.Timeout = defaultResolveTimeout
	}
	if resolveCfg.MaxIterations <= 0 {
		resolveCfg.MaxIterations = defaultMaxIterations
	}
	if resolveCfg.MaxConcurrentFoods <= 0 {
		resolveCfg.MaxConcurrentFoods = defaultMaxConcurrent
	}

	return &Analyzer{
		llm:          llm,
		toolProvider: toolProvider,
		averager:     averager,
		identifyCfg:  identifyCfg,
		resolveCfg:   resolveCfg,
		logger:       logger,
		progress:     progress,
		cache:        cmap.New[*usda.AveragedNutrition](),
	}
}

// Analyze runs the full pipeline for one image. The report is always
// non-nil; the error is non-nil only when Stage 1 failed outright. A run
// where every individual nutrition lookup failed is still a success.
func (a *Analyzer) Analyze(ctx context.Context, source storage.ImageSource) (*mealscan.AnalysisReport, error) {
	start := time.Now()
	report := &mealscan.AnalysisReport{ID: uuid.NewString()}
	u := &usageRecorder{}

	slog.Info("ANALYZER: Starting analysis", "analysis_id", report.ID)
	a.progress.Emit(mealscan.ProgressEvent{Kind: mealscan.ProgressAnalysisStarted, AnalysisID: report.ID})

	image, err := source.Load(ctx)
	if err != nil {
		return a.fail(report, start, u, "image_load", fmt.Errorf("failed to load image: %w", err))
	}

	foods, err := a.identify(ctx, image, u)
	if err != nil {
		return a.fail(report, start, u, "identification", err)
	}

	report.FoodsIdentified = foods
	a.progress.Emit(mealscan.ProgressEvent{
		Kind:       mealscan.ProgressFoodsIdentified,
		AnalysisID: report.ID,
		Total:      len(foods),
		Foods:      foods,
	})

	resolved := a.resolveAll(ctx, report.ID, foods, u)

	report.Success = true
	report.FoodsWithNutrition = resolved
	report.Summary = mealscan.NewSummary(foods, resolved)
	report.Usage = u.totals()
	report.AnalysisTimeSeconds = roundSeconds(time.Since(start))

	a.progress.Emit(mealscan.ProgressEvent{
		Kind:       mealscan.ProgressAnalysisComplete,
		AnalysisID: report.ID,
		Completed:  report.Summary.SuccessfulLookups,
		Total:      len(foods),
	})

	slog.Info("ANALYZER: Analysis complete",
		"analysis_id", report.ID,
		"foods", len(foods),
		"successful_lookups", report.Summary.SuccessfulLookups,
		"elapsed_seconds", report.AnalysisTimeSeconds,
	)
	return report, nil
}

// resolveAll fans one resolution goroutine out per food, gated by a
// counting semaphore so at most MaxConcurrentFoods run at once. Results
// append in completion order, not submission order.
func (a *Analyzer) resolveAll(ctx context.Context, analysisID string, foods []mealscan.IdentifiedFood, u *usageRecorder) []mealscan.ResolvedFood {
	a.progress.Emit(mealscan.ProgressEvent{
		Kind:       mealscan.ProgressResolutionStarted,
		AnalysisID: analysisID,
		Total:      len(foods),
	})

	sem := make(chan struct{}, a.resolveCfg.MaxConcurrentFoods)
	var wg sync.WaitGroup
	var mu sync.Mutex
	resolved := make([]mealscan.ResolvedFood, 0, len(foods))

	for _, food := range foods {
		wg.Add(1)
		go func(food mealscan.IdentifiedFood) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			rf := a.resolveWithCache(ctx, food, u)

			mu.Lock()
			resolved = append(resolved, rf)
			completed := len(resolved)
			mu.Unlock()

			a.progress.Emit(mealscan.ProgressEvent{
				Kind:       mealscan.ProgressResolutionProgress,
				AnalysisID: analysisID,
				FoodName:   food.Name,
				Completed:  completed,
				Total:      len(foods),
			})
		}(food)
	}
	wg.Wait()

	return resolved
}

// resolveWithCache consults the nutrition cache before running the loop.
// Cached data is per-100g, so it is rescaled by this food's portion: equal
// foods can carry unequal portions in one meal.
func (a *Analyzer) resolveWithCache(ctx context.Context, food mealscan.IdentifiedFood, u *usageRecorder) mealscan.ResolvedFood {
	key := cacheKey(food)
	if avg, ok := a.cache.Get(key); ok {
		slog.Info("ANALYZER: nutrition cache hit", "food", food.Name, "key", key)
		return mealscan.ResolvedFood{
			Food:                food,
			Status:              mealscan.StatusSuccess,
			SearchTerm:          avg.SearchTerm,
			Nutrition:           avg,
			NutritionPerPortion: avg.Nutrition.Scale(food.EstimatedWeightGrams / 100).Rounded(),
		}
	}

	out := a.resolve(ctx, food, u)
	if out.Succeeded() {
		a.cache.Set(key, out.Nutrition)
	}
	return out
}

func (a *Analyzer) fail(report *mealscan.AnalysisReport, start time.Time, u *usageRecorder, stage string, err error) (*mealscan.AnalysisReport, error) {
	slog.Error("ANALYZER: analysis failed", "analysis_id", report.ID, "stage", stage, "error", err)
	report.Success = false
	report.FailedStage = stage
	report.Error = err.Error()
	report.Summary = mealscan.NewSummary(report.FoodsIdentified, nil)
	report.Usage = u.totals()
	report.AnalysisTimeSeconds = roundSeconds(time.Since(start))
	return report, err
}

func cacheKey(food mealscan.IdentifiedFood) string {
	return strings.ToLower(food.SearchName()) + "|" + strings.ToLower(food.CookingMethod)
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}

// usageRecorder accumulates token and call counts across the concurrent
// tasks of one run.
type usageRecorder struct {
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	llmCalls         atomic.Int64
	toolCalls        atomic.Int64
}

func (u *usageRecorder) recordCompletion(usage mealscan.TokenUsage) {
	u.llmCalls.Inc()
	u.promptTokens.Add(int64(usage.PromptTokens))
	u.completionTokens.Add(int64(usage.CompletionTokens))
}

func (u *usageRecorder) recordToolCall() {
	u.toolCalls.Inc()
}

func (u *usageRecorder) totals() mealscan.UsageTotals {
	return mealscan.UsageTotals{
		PromptTokens:     u.promptTokens.Load(),
		CompletionTokens: u.completionTokens.Load(),
		LLMCalls:         u.llmCalls.Load(),
		ToolCalls:        u.toolCalls.Load(),
	}
}
