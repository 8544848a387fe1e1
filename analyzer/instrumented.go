package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"mealscan"
	"mealscan/storage"
)

// InstrumentedAnalyzer runs the same pipeline as Analyzer with full
// observability: a span per run, per stage, and per food resolution, plus
// counters, gauges, and histograms for the interesting quantities. The
// stage internals are shared with the plain analyzer; only the
// orchestration is re-laid with telemetry.
type InstrumentedAnalyzer struct {
	*Analyzer
	tracer trace.Tracer
	meter  metric.Meter
}

// NewInstrumentedAnalyzer wraps an analyzer with tracing and metrics.
func NewInstrumentedAnalyzer(a *Analyzer, tracer trace.Tracer, meter metric.Meter) *InstrumentedAnalyzer {
	return &InstrumentedAnalyzer{
		Analyzer: a,
		tracer:   tracer,
		meter:    meter,
	}
}

// Analyze executes the full pipeline for one image with instrumentation.
func (a *InstrumentedAnalyzer) Analyze(ctx context.Context, source storage.ImageSource) (*mealscan.AnalysisReport, error) {
	ctx, span := a.tracer.Start(ctx, "InstrumentedAnalyzer.Analyze")
	defer span.End()

	// Initialize all metrics
	runsCounter, _ := a.meter.Int64Counter("analysis_runs_total",
		metric.WithDescription("Total number of analysis runs started"))
	runsCompletedCounter, _ := a.meter.Int64Counter("analysis_runs_completed_total",
		metric.WithDescription("Total number of analysis runs completed successfully"))
	runsFailedCounter, _ := a.meter.Int64Counter("analysis_runs_failed_total",
		metric.WithDescription("Total number of analysis runs that failed"))
	foodsIdentifiedCounter, _ := a.meter.Int64Counter("foods_identified_total",
		metric.WithDescription("Total number of foods identified across all runs"))
	resolutionsCounter, _ := a.meter.Int64Counter("food_resolutions_total",
		metric.WithDescription("Total number of per-food nutrition resolutions by status"))
	llmCallsCounter, _ := a.meter.Int64Counter("llm_calls_total",
		metric.WithDescription("Total number of completion calls made"))
	toolCallsCounter, _ := a.meter.Int64Counter("tool_calls_total",
		metric.WithDescription("Total number of tool calls executed"))

	// Gauges
	foodsInFlightGauge, _ := a.meter.Int64Gauge("food_resolutions_in_flight",
		metric.WithDescription("Number of nutrition resolutions currently running"))
	imageSizeGauge, _ := a.meter.Int64Gauge("image_size_bytes",
		metric.WithDescription("Size of the analyzed image in bytes"))

	// Histograms
	analysisDurationHist, _ := a.meter.Float64Histogram("analysis_duration_seconds",
		metric.WithDescription("Total duration of one analysis run in seconds"))
	identificationDurationHist, _ := a.meter.Float64Histogram("identification_duration_seconds",
		metric.WithDescription("Duration of the vision identification stage in seconds"))
	resolutionDurationHist, _ := a.meter.Float64Histogram("resolution_duration_seconds",
		metric.WithDescription("Duration of individual food resolutions in seconds"))

	runsCounter.Add(ctx, 1)

	start := time.Now()
	report := &mealscan.AnalysisReport{ID: uuid.NewString()}
	u := &usageRecorder{}

	slog.Info("ANALYZER: Starting instrumented analysis", "analysis_id", report.ID)
	a.progress.Emit(mealscan.ProgressEvent{Kind: mealscan.ProgressAnalysisStarted, AnalysisID: report.ID})

	span.SetAttributes(attribute.String("analysis_id", report.ID))

	image, err := source.Load(ctx)
	if err != nil {
		runsFailedCounter.Add(ctx, 1)
		span.SetStatus(codes.Error, "Image load failed")
		span.RecordError(err)
		return a.fail(report, start, u, "image_load", fmt.Errorf("failed to load image: %w", err))
	}
	imageSizeGauge.Record(ctx, int64(len(image)))

	// Stage 1
	identCtx, identSpan := a.tracer.Start(ctx, "InstrumentedAnalyzer.Identify")
	identStart := time.Now()
	foods, err := a.identify(identCtx, image, u)
	identificationDurationHist.Record(ctx, time.Since(identStart).Seconds())
	if err != nil {
		identSpan.SetStatus(codes.Error, "Identification failed")
		identSpan.RecordError(err)
		identSpan.End()
		runsFailedCounter.Add(ctx, 1)
		span.SetStatus(codes.Error, "Identification failed")
		return a.fail(report, start, u, "identification", err)
	}
	identSpan.SetAttributes(attribute.Int("foods_identified", len(foods)))
	identSpan.End()

	foodsIdentifiedCounter.Add(ctx, int64(len(foods)))
	span.AddEvent("Stage 1 complete", trace.WithAttributes(
		attribute.Int("foods_identified", len(foods)),
	))

	report.FoodsIdentified = foods
	a.progress.Emit(mealscan.ProgressEvent{
		Kind:       mealscan.ProgressFoodsIdentified,
		AnalysisID: report.ID,
		Total:      len(foods),
		Foods:      foods,
	})

	// Stage 2: fan out with per-food spans.
	a.progress.Emit(mealscan.ProgressEvent{
		Kind:       mealscan.ProgressResolutionStarted,
		AnalysisID: report.ID,
		Total:      len(foods),
	})

	sem := make(chan struct{}, a.resolveCfg.MaxConcurrentFoods)
	var wg sync.WaitGroup
	var mu sync.Mutex
	resolved := make([]mealscan.ResolvedFood, 0, len(foods))
	var inFlight int64

	for _, food := range foods {
		wg.Add(1)
		go func(food mealscan.IdentifiedFood) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			foodCtx, foodSpan := a.tracer.Start(ctx, "InstrumentedAnalyzer.Resolve",
				trace.WithAttributes(attribute.String("food_name", food.Name)))
			defer foodSpan.End()

			mu.Lock()
			inFlight++
			foodsInFlightGauge.Record(foodCtx, inFlight)
			mu.Unlock()

			resolveStart := time.Now()
			rf := a.resolveWithCache(foodCtx, food, u)
			resolutionDurationHist.Record(foodCtx, time.Since(resolveStart).Seconds(),
				metric.WithAttributes(attribute.String("status", rf.Status)))
			resolutionsCounter.Add(foodCtx, 1,
				metric.WithAttributes(attribute.String("status", rf.Status)))

			foodSpan.SetAttributes(attribute.String("status", rf.Status))
			if !rf.Succeeded() {
				foodSpan.SetStatus(codes.Error, rf.Status)
			}

			mu.Lock()
			inFlight--
			foodsInFlightGauge.Record(foodCtx, inFlight)
			resolved = append(resolved, rf)
			completed := len(resolved)
			mu.Unlock()

			a.progress.Emit(mealscan.ProgressEvent{
				Kind:       mealscan.ProgressResolutionProgress,
				AnalysisID: report.ID,
				FoodName:   food.Name,
				Completed:  completed,
				Total:      len(foods),
			})
		}(food)
	}
	wg.Wait()

	report.Success = true
	report.FoodsWithNutrition = resolved
	report.Summary = mealscan.NewSummary(foods, resolved)
	report.Usage = u.totals()
	report.AnalysisTimeSeconds = roundSeconds(time.Since(start))

	llmCallsCounter.Add(ctx, report.Usage.LLMCalls)
	toolCallsCounter.Add(ctx, report.Usage.ToolCalls)
	analysisDurationHist.Record(ctx, time.Since(start).Seconds())
	runsCompletedCounter.Add(ctx, 1)

	span.AddEvent("Analysis complete", trace.WithAttributes(
		attribute.Int("foods_identified", len(foods)),
		attribute.Int("successful_lookups", report.Summary.SuccessfulLookups),
		attribute.Float64("analysis_time_seconds", report.AnalysisTimeSeconds),
	))

	a.progress.Emit(mealscan.ProgressEvent{
		Kind:       mealscan.ProgressAnalysisComplete,
		AnalysisID: report.ID,
		Completed:  report.Summary.SuccessfulLookups,
		Total:      len(foods),
	})

	slog.Info("ANALYZER: Instrumented analysis complete",
		"analysis_id", report.ID,
		"foods", len(foods),
		"successful_lookups", report.Summary.SuccessfulLookups,
		"elapsed_seconds", report.AnalysisTimeSeconds,
	)
	return report, nil
}
