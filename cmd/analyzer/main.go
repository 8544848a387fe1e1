package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"mealscan"
	"mealscan/analyzer"
	"mealscan/llm/openai"
	"mealscan/storage"
	"mealscan/tools"
	"mealscan/usda"
)

func main() {
	debug := flag.Bool("debug", false, "dump the full report before printing it")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("SETUP: No .env file loaded", "error", err)
	}

	cfg, err := mealscan.Load()
	if err != nil {
		log.Fatalf("SETUP: Failed to load config: %s", err)
	}

	imagePath := flag.Arg(0)
	if imagePath == "" {
		log.Fatal("SETUP: Usage: analyzer [-debug] <image-path>")
	}

	openaiKeys, err := cfg.OpenAI.Keys()
	if err != nil {
		log.Fatalf("SETUP: Failed to parse OpenAI keys: %s", err)
	}
	llm, err := openai.NewClient(openaiKeys, openai.Opts{
		BaseURL:    cfg.OpenAI.BaseURL,
		Model:      cfg.OpenAI.Model,
		MaxRetries: cfg.Identify.MaxRetries,
	})
	if err != nil {
		log.Fatalf("SETUP: Failed to create completion client: %s", err)
	}

	usdaKeys, err := cfg.USDA.Keys()
	if err != nil {
		log.Fatalf("SETUP: Failed to parse USDA keys: %s", err)
	}
	db, err := usda.NewClient(usdaKeys, http.DefaultClient, usda.ClientOpts{
		BaseURL:         cfg.USDA.BaseURL,
		DefaultPageSize: cfg.USDA.DefaultPageSize,
		MaxPageSize:     cfg.USDA.MaxPageSize,
	})
	if err != nil {
		log.Fatalf("SETUP: Failed to create USDA client: %s", err)
	}

	registry, err := tools.NewRegistry(db)
	if err != nil {
		log.Fatalf("SETUP: Failed to build tool registry: %s", err)
	}

	progress := func(ev mealscan.ProgressEvent) {
		slog.Info("PROGRESS: "+ev.Kind,
			"analysis_id", ev.AnalysisID,
			"food", ev.FoodName,
			"completed", ev.Completed,
			"total", ev.Total,
		)
	}

	a := analyzer.NewAnalyzer(
		llm,
		registry,
		usda.NewAverager(db, cfg.Resolve.TopN),
		cfg.Identify,
		cfg.Resolve,
		mealscan.NewNoOpResolutionLogger(),
		progress,
	)

	report, err := a.Analyze(context.Background(), storage.NewFileImageSource(imagePath))
	if err != nil {
		slog.Error("RESULT: Analysis failed", "error", err)
	}

	if *debug {
		mealscan.Dump(report)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("RESULT: Failed to marshal report: %s", err)
	}
	fmt.Println(string(out))

	if report == nil || !report.Success {
		os.Exit(1)
	}
}
