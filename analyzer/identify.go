package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"mealscan"
)

// placeholderFoods is the degraded Stage 1 result: a generic meal the rest
// of the pipeline can still price out when the vision response is unusable.
var placeholderFoods = []mealscan.IdentifiedFood{
	{Name: "苹果", NameEnglish: "apple", Confidence: 0.5, Category: mealscan.CategoryFruit},
	{Name: "香蕉", NameEnglish: "banana", Confidence: 0.5, Category: mealscan.CategoryFruit},
	{Name: "面包", NameEnglish: "bread", Confidence: 0.5, Category: mealscan.CategoryGrain},
	{Name: "鸡肉", NameEnglish: "chicken", Confidence: 0.5, Category: mealscan.CategoryProtein},
	{Name: "米饭", NameEnglish: "rice", Confidence: 0.5, Category: mealscan.CategoryGrain},
	{Name: "蔬菜", NameEnglish: "vegetables", Confidence: 0.5, Category: mealscan.CategoryVegetable},
}

// placeholders returns a fresh copy with portion defaults applied, so
// callers can mutate their slice without corrupting the template.
func placeholders() []mealscan.IdentifiedFood {
	foods := make([]mealscan.IdentifiedFood, len(placeholderFoods))
	copy(foods, placeholderFoods)
	for i := range foods {
		foods[i].EstimatedWeightGrams = mealscan.DefaultWeightGrams
		foods[i].CookingMethod = mealscan.DefaultCookingMethod
	}
	return foods
}

// Wire shape of one food in the identification response. Confidence is a
// pointer so an absent field is distinguishable from an explicit zero.
type identifiedFoodJSON struct {
	Name        string   `json:"name"`
	NameChinese string   `json:"name_chinese"`
	NameEnglish string   `json:"name_english"`
	Confidence  *float64 `json:"confidence"`
	Category    string   `json:"category"`
}

// identify runs the vision identification call and parses its response.
// Unusable model output degrades to the placeholder set; only a transport
// failure is an error. The identification and portion-estimation calls each
// carry their own timeout.
func (a *Analyzer) identify(ctx context.Context, image []byte, u *usageRecorder) ([]mealscan.IdentifiedFood, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.identifyCfg.Timeout)
	defer cancel()

	res, err := a.llm.Complete(callCtx, mealscan.ChatRequest{
		Messages: []mealscan.ChatMessage{
			{
				Role:    mealscan.RoleUser,
				Content: identificationPrompt,
				Image:   &mealscan.ImageAttachment{Bytes: image},
			},
		},
		Temperature: a.identifyCfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("identification request failed: %w", err)
	}
	u.recordCompletion(res.Usage)

	foods := parseIdentification(res.Content)
	slog.Info("ANALYZER: Stage 1 identification complete", "foods", len(foods))

	a.estimatePortions(ctx, image, foods, u)
	return foods, nil
}

// parseIdentification extracts the foods array from the model text. Any
// shape problem yields the placeholder set rather than an error.
func parseIdentification(content string) []mealscan.IdentifiedFood {
	obj := firstJSONObject(content)
	if obj == "" {
		slog.Warn("ANALYZER: no JSON object in identification response, using placeholders")
		return placeholders()
	}

	var parsed struct {
		Foods []identifiedFoodJSON `json:"foods"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		slog.Warn("ANALYZER: identification response not parseable, using placeholders", "error", err)
		return placeholders()
	}

	foods := make([]mealscan.IdentifiedFood, 0, len(parsed.Foods))
	for _, f := range parsed.Foods {
		name := f.Name
		if name == "" {
			name = f.NameChinese
		}
		if name == "" && f.NameEnglish == "" {
			continue
		}
		if name == "" {
			name = f.NameEnglish
		}

		confidence := mealscan.DefaultConfidence
		if f.Confidence != nil {
			confidence = *f.Confidence
		}

		foods = append(foods, mealscan.IdentifiedFood{
			Name:                 name,
			NameEnglish:          f.NameEnglish,
			Confidence:           confidence,
			Category:             mealscan.NormalizeCategory(f.Category),
			EstimatedWeightGrams: mealscan.DefaultWeightGrams,
			CookingMethod:        mealscan.DefaultCookingMethod,
		})
	}

	if len(foods) == 0 {
		slog.Warn("ANALYZER: identification returned an empty foods array, using placeholders")
		return placeholders()
	}
	return foods
}

// Wire shape of one portion estimate. Grams is a pointer for the same
// reason confidence is above.
type portionJSON struct {
	Name               string   `json:"name"`
	NameChinese        string   `json:"name_chinese"`
	NameEnglish        string   `json:"name_english"`
	EstimatedGrams     *float64 `json:"estimated_grams"`
	CookingMethod      string   `json:"cooking_method"`
	PortionDescription string   `json:"portion_description"`
}

// estimatePortions runs the second vision call and applies weight and
// cooking-method estimates onto foods in place. Every failure mode leaves
// the defaults untouched; portion estimation never fails the stage.
func (a *Analyzer) estimatePortions(ctx context.Context, image []byte, foods []mealscan.IdentifiedFood, u *usageRecorder) {
	if len(foods) == 0 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, a.identifyCfg.Timeout)
	defer cancel()

	res, err := a.llm.Complete(callCtx, mealscan.ChatRequest{
		Messages: []mealscan.ChatMessage{
			{
				Role:    mealscan.RoleUser,
				Content: portionPrompt(foods),
				Image:   &mealscan.ImageAttachment{Bytes: image},
			},
		},
		Temperature: a.identifyCfg.Temperature,
	})
	if err != nil {
		slog.Warn("ANALYZER: portion estimation failed, keeping default portions", "error", err)
		return
	}
	u.recordCompletion(res.Usage)

	obj := firstJSONObject(res.Content)
	if obj == "" {
		slog.Warn("ANALYZER: no JSON object in portion response, keeping default portions")
		return
	}

	var parsed struct {
		Portions []portionJSON `json:"portions"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		slog.Warn("ANALYZER: portion response not parseable, keeping default portions", "error", err)
		return
	}

	// Index by every name the model might echo back.
	byName := make(map[string]*portionJSON, len(parsed.Portions))
	for i := range parsed.Portions {
		p := &parsed.Portions[i]
		for _, key := range []string{p.Name, p.NameChinese, p.NameEnglish} {
			if key != "" {
				byName[key] = p
			}
		}
	}

	matched := 0
	for i := range foods {
		p, ok := byName[foods[i].Name]
		if !ok {
			p, ok = byName[foods[i].NameEnglish]
		}
		if !ok {
			continue
		}
		matched++

		if p.EstimatedGrams != nil && *p.EstimatedGrams > 0 {
			foods[i].EstimatedWeightGrams = *p.EstimatedGrams
		}
		if p.CookingMethod != "" {
			foods[i].CookingMethod = p.CookingMethod
		}
		foods[i].PortionDescription = p.PortionDescription
	}

	slog.Info("ANALYZER: portion estimation complete", "matched", matched, "foods", len(foods))
}
