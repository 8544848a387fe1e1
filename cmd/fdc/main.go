// Command fdc queries FoodData Central directly, bypassing the analyzer.
// It is a debugging tool for checking what the resolution stage will see
// for a given search term, FDC ID, or barcode.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"mealscan"
	"mealscan/usda"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("SETUP: No .env file loaded", "error", err)
	}

	var usdaConfig mealscan.USDAConfig
	if err := envdecode.Decode(&usdaConfig); err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}

	if len(os.Args) < 3 {
		usage()
	}
	cmd, arg := os.Args[1], os.Args[2]

	usdaKeys, err := usdaConfig.Keys()
	if err != nil {
		log.Fatalf("SETUP: Failed to parse USDA keys: %s", err)
	}
	client, err := usda.NewClient(usdaKeys, http.DefaultClient, usda.ClientOpts{
		BaseURL:         usdaConfig.BaseURL,
		DefaultPageSize: usdaConfig.DefaultPageSize,
		MaxPageSize:     usdaConfig.MaxPageSize,
	})
	if err != nil {
		log.Fatalf("SETUP: Failed to create USDA client: %s", err)
	}

	ctx := context.Background()
	var result any

	switch cmd {
	case "search":
		result, err = client.Search(ctx, arg, 0)
	case "detail":
		fdcID, convErr := strconv.Atoi(arg)
		if convErr != nil {
			log.Fatalf("detail: FDC ID must be an integer, got %q", arg)
		}
		result, err = client.FoodDetails(ctx, fdcID)
	case "average":
		result, err = usda.NewAverager(client, 0).AverageTopN(ctx, arg)
	case "barcode":
		result, err = client.LookupBarcode(ctx, arg)
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("RESULT: %s %q failed: %s", cmd, arg, err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("RESULT: Failed to marshal result: %s", err)
	}
	fmt.Println(string(out))
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: fdc <search|detail|average|barcode> <term|fdc_id|upc>")
	os.Exit(2)
}
