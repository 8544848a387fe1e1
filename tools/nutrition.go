package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"mealscan/usda"
)

type GetNutrition struct{ db usda.Database }

func NewGetNutrition(db usda.Database) *GetNutrition { return &GetNutrition{db: db} }

func (t *GetNutrition) Name() string  { return "get_nutrition" }
func (t *GetNutrition) Title() string { return "Get Nutrition Facts" }
func (t *GetNutrition) Description() string {
	return "Fetches per-100g nutrition facts for one food record by its FDC ID."
}

func (t *GetNutrition) InputSchema() *jsonschema.Schema {
	minID := 1.0
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"fdc_id": {
				Type:        "integer",
				Minimum:     &minID,
				Description: "FDC ID taken from a search_database result.",
			},
		},
		Required: []string{"fdc_id"},
	}
}

func (t *GetNutrition) OutputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"success":     {Type: "boolean"},
			"fdc_id":      {Type: "integer"},
			"description": {Type: "string"},
			"data_type":   {Type: "string"},
			"message":     {Type: "string"},
			"nutrition": {
				Type:        "object",
				Description: "Per-100g amounts keyed by nutrient (calories, protein_g, fat_g, carbs_g, ...).",
			},
		},
		Required: []string{"success"},
	}
}

func (t *GetNutrition) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	raw, present := input["fdc_id"]
	if !present {
		return nil, fmt.Errorf("get_nutrition requires fdc_id")
	}
	fdcID, ok := intArg(raw)
	if !ok || fdcID <= 0 {
		return nil, fmt.Errorf("fdc_id must be a positive integer, got %v", raw)
	}

	detail, err := t.db.FoodDetails(ctx, fdcID)
	if err != nil {
		if errors.Is(err, usda.ErrNoNutritionData) {
			return map[string]any{
				"success": false,
				"message": fmt.Sprintf("No nutrition data available for FDC ID %d", fdcID),
			}, nil
		}
		return nil, fmt.Errorf("nutrition lookup failed: %w", err)
	}

	if !detail.Nutrition.HasCoreMacros() {
		return map[string]any{
			"success": false,
			"message": fmt.Sprintf("No usable nutrients on record %d (%s)", fdcID, detail.Description),
		}, nil
	}

	out := struct {
		Success     bool           `json:"success"`
		FDCID       int            `json:"fdc_id"`
		Description string         `json:"description"`
		DataType    string         `json:"data_type,omitempty"`
		Nutrition   usda.Nutrition `json:"nutrition"`
	}{
		Success:     true,
		FDCID:       detail.FDCID,
		Description: detail.Description,
		DataType:    detail.DataType,
		Nutrition:   detail.Nutrition,
	}

	b, _ := json.Marshal(out)
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m, nil
}
