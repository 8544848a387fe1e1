package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"mealscan/usda"
)

type SearchDatabase struct{ db usda.Database }

func NewSearchDatabase(db usda.Database) *SearchDatabase { return &SearchDatabase{db: db} }

func (t *SearchDatabase) Name() string  { return "search_database" }
func (t *SearchDatabase) Title() string { return "Search Food Database" }
func (t *SearchDatabase) Description() string {
	return "Searches the USDA FoodData Central database for foods matching a query and returns candidate records with their FDC IDs."
}

func (t *SearchDatabase) InputSchema() *jsonschema.Schema {
	minPage := 1.0
	maxPage := 100.0
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"query": {
				Type:        "string",
				Description: "Food name or phrase to search for, e.g. \"chicken breast, grilled\".",
			},
			"page_size": {
				Type:        "integer",
				Minimum:     &minPage,
				Maximum:     &maxPage,
				Description: "Number of results to return (1-100).",
			},
		},
		Required: []string{"query"},
	}
}

func (t *SearchDatabase) OutputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"success":       {Type: "boolean"},
			"total_results": {Type: "integer"},
			"message":       {Type: "string"},
			"foods": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"fdc_id":      {Type: "integer"},
						"description": {Type: "string"},
						"data_type":   {Type: "string"},
						"brand_owner": {Type: "string"},
					},
					Required: []string{"fdc_id", "description"},
				},
			},
		},
		Required: []string{"success"},
	}
}

func (t *SearchDatabase) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	query, ok := input["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search_database requires a non-empty query string")
	}

	pageSize := 0
	if raw, present := input["page_size"]; present {
		n, ok := intArg(raw)
		if !ok {
			return nil, fmt.Errorf("page_size must be an integer, got %T", raw)
		}
		pageSize = n
	}

	res, err := t.db.Search(ctx, query, pageSize)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	// Zero hits is a negative tool outcome, not a transport error.
	if res.TotalHits == 0 || len(res.Foods) == 0 {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("No results found for query: %s", query),
		}, nil
	}

	type outFood struct {
		FDCID       int    `json:"fdc_id"`
		Description string `json:"description"`
		DataType    string `json:"data_type,omitempty"`
		BrandOwner  string `json:"brand_owner,omitempty"`
	}
	out := struct {
		Success      bool      `json:"success"`
		TotalResults int       `json:"total_results"`
		Foods        []outFood `json:"foods"`
	}{Success: true, TotalResults: res.TotalHits}

	out.Foods = make([]outFood, 0, len(res.Foods))
	for _, f := range res.Foods {
		out.Foods = append(out.Foods, outFood{
			FDCID: f.FDCID, Description: f.Description, DataType: f.DataType, BrandOwner: f.BrandOwner,
		})
	}

	// marshal -> map[string]any to keep outputs uniform
	b, _ := json.Marshal(out)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m, nil
}

// intArg coerces a decoded JSON argument to int. Completion backends hand
// us float64, int64, or json.Number depending on their decoder.
func intArg(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
