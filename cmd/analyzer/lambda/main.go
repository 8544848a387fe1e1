package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joeshaw/envdecode"

	"mealscan"
	"mealscan/analyzer"
	"mealscan/llm/bedrock"
	"mealscan/storage"
	"mealscan/tools"
	"mealscan/usda"
)

type Params struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Model  string `json:"model,omitempty"`
}

type Results struct {
	Report *mealscan.AnalysisReport `json:"report"`
}

func main() {
	fn := func(ctx context.Context, params Params) (Results, error) {
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

		if params.Bucket == "" || params.Key == "" {
			return Results{}, fmt.Errorf("missing S3 input: bucket and key must be set")
		}
		if params.Model != "" {
			bedrockConfig.ModelID = params.Model
		}

		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return Results{}, fmt.Errorf("failed to load AWS config: %w", err)
		}
		s3Client := s3.NewFromConfig(awsCfg)
		source := storage.NewS3ImageSource(s3Client, params.Bucket, params.Key)
		slog.Info("SETUP: S3 image source initialized", "bucket", params.Bucket, "key", params.Key)

		usdaKeys, err := usdaConfig.Keys()
		if err != nil {
			slog.Error("SETUP: Failed to parse USDA keys", "error", err)
			return Results{}, err
		}
		db, err := usda.NewClient(usdaKeys, http.DefaultClient, usda.ClientOpts{
			BaseURL:         usdaConfig.BaseURL,
			DefaultPageSize: usdaConfig.DefaultPageSize,
			MaxPageSize:     usdaConfig.MaxPageSize,
		})
		if err != nil {
			slog.Error("SETUP: Failed to create USDA client", "error", err)
			return Results{}, err
		}

		registry, err := tools.NewRegistry(db)
		if err != nil {
			slog.Error("SETUP: Failed to create tool registry", "error", err)
			return Results{}, err
		}

		resolutionLogger := mealscan.NewStdoutResolutionLogger()

		brc, err := newBedrockRuntimeClient(ctx)
		if err != nil {
			slog.Error("SETUP: Failed to create Bedrock client", "error", err)
			return Results{}, err
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
			return Results{}, err
		}
		defer func() {
			if err := otelShutdown(ctx); err != nil {
				slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
			}
		}()

		a := analyzer.NewInstrumentedAnalyzer(
			analyzer.NewAnalyzer(
				llm,
				registry,
				usda.NewAverager(db, resolveConfig.TopN),
				identifyConfig,
				resolveConfig,
				resolutionLogger,
				nil,
			),
			tracerProvider.Tracer(mealscan.TracerNameAnalyzer),
			meterProvider.Meter(mealscan.MeterNameAnalyzer),
		)

		report, err := a.Analyze(ctx, source)
		if err != nil {
			slog.Error("RESULT: Analysis failed", "error", err)
			return Results{}, err
		}

		return Results{Report: report}, nil
	}

	lambda.Start(fn)
}

func newBedrockRuntimeClient(ctx context.Context) (*bedrockruntime.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}
