package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mealscan"
	"mealscan/analyzer"
	"mealscan/llm/bedrock"
	"mealscan/slack"
	"mealscan/storage"
	"mealscan/tools"
	"mealscan/usda"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		slog.Debug("SETUP: No .env file loaded", "error", err)
	}

	var bedrockConfig mealscan.BedrockConfig
	if err := envdecode.Decode(&bedrockConfig); err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	var identifyConfig mealscan.IdentifyConfig
	if err := envdecode.Decode(&identifyConfig); err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	var resolveConfig mealscan.ResolveConfig
	if err := envdecode.Decode(&resolveConfig); err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	var usdaConfig mealscan.USDAConfig
	if err := envdecode.Decode(&usdaConfig); err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	usdaKeys, err := usdaConfig.Keys()
	if err != nil {
		slog.Error("SETUP: Failed to parse USDA keys", "error", err)
		return
	}
	db, err := usda.NewClient(usdaKeys, http.DefaultClient, usda.ClientOpts{
		BaseURL:         usdaConfig.BaseURL,
		DefaultPageSize: usdaConfig.DefaultPageSize,
		MaxPageSize:     usdaConfig.MaxPageSize,
	})
	if err != nil {
		slog.Error("SETUP: Failed to create USDA client", "error", err)
		return
	}

	registry, err := tools.NewRegistry(db)
	if err != nil {
		slog.Error("SETUP: Failed to create tool registry", "error", err)
		return
	}

	logger, cleanup, err := newResolutionLogger(bedrockConfig.ModelID)
	if err != nil {
		slog.Error("SETUP: Failed to create resolution logger", "error", err)
		return
	}
	defer func() {
		if err := cleanup(); err != nil {
			slog.Error("Failed to flush resolution log", "error", err)
		}
	}()

	brc, err := newBedrockRuntimeClient(ctx)
	if err != nil {
		slog.Error("SETUP: Failed to create Bedrock client", "error", err)
		return
	}

	llm := bedrock.NewClient(brc, bedrock.Opts{
		ModelID:     bedrockConfig.ModelID,
		MaxTokens:   bedrockConfig.MaxTokens,
		Temperature: bedrockConfig.Temperature,
		TopP:        bedrockConfig.TopP,
	})

	tracerProvider, meterProvider, otelShutdown, err := mealscan.InitOtel(ctx)
	if err != nil {
		slog.Error("SETUP: Failed to initialize OpenTelemetry", "error", err)
		return
	}
	defer func() {
		if err := otelShutdown(ctx); err != nil {
			slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	tracer := tracerProvider.Tracer(mealscan.TracerNameAnalyzer)
	meter := meterProvider.Meter(mealscan.MeterNameAnalyzer)

	ctx, span := tracer.Start(ctx, mealscan.TracerNameAnalyzer, trace.WithAttributes(
		attribute.String("model.id", bedrockConfig.ModelID),
		attribute.Int("model.max_tokens", int(bedrockConfig.MaxTokens)),
		attribute.Float64("model.temperature", float64(bedrockConfig.Temperature)),
		attribute.Float64("model.top_p", float64(bedrockConfig.TopP)),
	))
	defer span.End()

	progress := func(ev mealscan.ProgressEvent) {
		slog.Info("PROGRESS: "+ev.Kind,
			"analysis_id", ev.AnalysisID,
			"food", ev.FoodName,
			"completed", ev.Completed,
			"total", ev.Total,
		)
	}

	a := analyzer.NewInstrumentedAnalyzer(
		analyzer.NewAnalyzer(
			llm,
			registry,
			usda.NewAverager(db, resolveConfig.TopN),
			identifyConfig,
			resolveConfig,
			logger,
			progress,
		),
		tracer,
		meter,
	)

	imagePath := argOr(1, "meal.jpg")

	report, err := a.Analyze(ctx, storage.NewFileImageSource(imagePath))
	if err != nil {
		slog.Error("RESULT: Analysis failed", "error", err)
		return
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		slog.Error("RESULT: Failed to marshal report", "error", err)
		return
	}
	fmt.Println(string(out))

	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := new(bytes.Buffer)
		body.ReadFrom(r.Body) // nolint: errcheck
		slog.Info("NOTIFY: Received webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"body", body.String(),
		)
		w.WriteHeader(http.StatusOK)
	}))
	defer testServer.Close()

	slackClient := slack.NewClient(testServer.URL, http.DefaultClient)
	if err := slackClient.PostAnalysis(ctx, "#meals", report); err != nil {
		slog.Error("Failed to post report to Slack", "error", err)
	}
}

func newBedrockRuntimeClient(ctx context.Context) (*bedrockruntime.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}

func argOr(i int, def string) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return def
}

func newResolutionLogger(modelID string) (mealscan.ResolutionLogger, func() error, error) {
	logFilePath := mealscan.NewResolutionLogFilePath(modelID)
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := mealscan.NewFileResolutionLogger(logFile)
	cleanup := func() error {
		return errors.Join(logger.Flush(), logFile.Close())
	}
	return logger, cleanup, nil
}
