package analyzer

import (
	"fmt"
	"strings"

	"mealscan"
)

const identificationPrompt = `Identify every food item visible in this meal photo.

FINAL OUTPUT FORMAT:
Return ONLY the JSON object - no explanations, no text before or after, no markdown formatting. Start immediately with { and end with }.

Example of correct response format:
{
  "foods": [
    {
      "name": "苹果",
      "name_english": "apple",
      "confidence": 0.95,
      "category": "fruit"
    },
    {
      "name": "鸡胸肉",
      "name_english": "grilled chicken breast",
      "confidence": 0.88,
      "category": "protein"
    }
  ]
}

JSON Schema:
{
  "foods": [                // one element per distinct food in the photo
    {
      "name": string,       // food name in the photo's locale
      "name_english": string, // descriptive English name suited to a nutrition database search
      "confidence": number, // between 0 and 1
      "category": string    // one of: fruit, vegetable, protein, grain, dairy, snack, beverage, other
    }
  ]
}

CRITICAL RULES:
- Use common food names, never brand names.
- Include the cooking method in the English name when visible (e.g. "grilled chicken", "steamed rice").
- English names should work as FoodData Central search queries.
- Do not look up nutrition data; only identify what is in the photo.
- The JSON must be valid UTF-8, with no commentary, no markdown, and no trailing commas.`

// portionPrompt asks for a weight estimate for each already-identified food.
func portionPrompt(foods []mealscan.IdentifiedFood) string {
	names := make([]string, 0, len(foods))
	for _, f := range foods {
		if f.NameEnglish != "" && f.NameEnglish != f.Name {
			names = append(names, fmt.Sprintf("%s (%s)", f.Name, f.NameEnglish))
		} else {
			names = append(names, f.Name)
		}
	}

	return fmt.Sprintf(`The foods identified in this photo are: %s.

Estimate the portion size in grams for each one based on its visual appearance.

FINAL OUTPUT FORMAT:
Return ONLY the JSON object - no explanations, no text before or after, no markdown formatting.

Example of correct response format:
{
  "portions": [
    {
      "name": "米饭",
      "name_english": "cooked white rice",
      "estimated_grams": 150,
      "cooking_method": "steamed",
      "portion_description": "about one bowl"
    }
  ]
}

CRITICAL RULES:
- Use the exact names from the list above so results can be matched back.
- Estimate realistic portion sizes; consider common serving sizes for each food type.
- Name the cooking method when it is identifiable, otherwise use "unknown".
- The JSON must be valid, with no commentary and no trailing commas.`, strings.Join(names, ", "))
}

const resolutionSystemPrompt = `You are a nutrition researcher. Find the best FoodData Central match for the given food and report its averaged nutrition.

GOAL:
Use the tools to search the food database and inspect candidate records, then settle on the single search term whose results best describe the food.

TOOL USE:
When you need data, use the provided tools directly through the tool interface.
Do not wrap tool requests in JSON text such as {"tool_calls":[...]}.
Do not echo tool results yourself - they will be supplied to you.

FINAL OUTPUT FORMAT:
When you have settled on the best match, return ONLY a JSON object - no explanations, no markdown. Start immediately with { and end with }.

JSON Schema:
{
  "search_term": string,      // the query whose database results best match the food
  "matched_description": string, // description of the best-matching record
  "nutrition_per_100g": {     // per-100g values from the matched records
    "calories": number,
    "protein_g": number,
    "fat_g": number,
    "carbs_g": number,
    "fiber_g": number
  }
}

CRITICAL RULES:
- search_term must be a query you actually tried and that returned relevant results.
- Prefer generic records over branded ones unless the food is clearly a branded product.
- A record matching the cooking method beats a raw equivalent.
- Never invent FDC IDs or nutrition numbers; only report what the tools returned.`

// resolutionUserPrompt names the food and offers candidate queries. Only
// the first three terms go to the model; the full list stays available as
// fallback material for the averaging step.
func resolutionUserPrompt(food mealscan.IdentifiedFood, terms []string) string {
	if len(terms) > 3 {
		terms = terms[:3]
	}
	return fmt.Sprintf("Find nutrition data for this food: %s (%s). Try these search terms: %s",
		food.SearchName(), food.CookingMethod, strings.Join(terms, ", "))
}
