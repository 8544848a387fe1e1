package analyzer

import "strings"

// Descriptors that rarely appear in FoodData Central descriptions and only
// narrow the search. Cooking methods are deliberately not in this list:
// they change nutrition.
var descriptorWords = map[string]bool{
	"organic": true,
	"natural": true,
	"sliced":  true,
	"chopped": true,
	"medium":  true,
	"large":   true,
	"small":   true,
	"pieces":  true,
	"fresh":   true,
}

// Cooking methods the vision stage emits, mapped onto the terms FoodData
// Central descriptions use. Identity today, but the two vocabularies are
// not guaranteed to stay aligned.
var cookingMethodMap = map[string]string{
	"raw":     "raw",
	"cooked":  "cooked",
	"fried":   "fried",
	"baked":   "baked",
	"grilled": "grilled",
	"steamed": "steamed",
	"boiled":  "boiled",
	"roasted": "roasted",
	"sauteed": "sauteed",
	"braised": "braised",
	"broiled": "broiled",
}

// normalizeFoodName lowercases, collapses whitespace, and drops size and
// marketing descriptors.
func normalizeFoodName(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	kept := fields[:0]
	for _, f := range fields {
		if !descriptorWords[strings.Trim(f, ",")] {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// searchTerms builds candidate database queries for a food, most specific
// first: "name, method" and "name method", the bare name, then the main
// component of compound dishes and a two-word simplification of long
// names. Duplicates are removed preserving order; at most five terms.
func searchTerms(name, method string) []string {
	const maxTerms = 5

	normalized := normalizeFoodName(name)

	m := strings.ToLower(strings.TrimSpace(method))
	if mapped, ok := cookingMethodMap[m]; ok {
		m = mapped
	}
	hasMethod := m != "" && m != "unknown"

	var terms []string
	if hasMethod {
		terms = append(terms, normalized+", "+m)
		terms = append(terms, normalized+" "+m)
	}
	terms = append(terms, normalized)

	// Compound dishes index poorly; the main component usually fares better.
	if strings.Contains(normalized, "with") || strings.Contains(normalized, "and") {
		main := normalized
		if i := strings.Index(main, "with"); i >= 0 {
			main = main[:i]
		}
		if i := strings.Index(main, "and"); i >= 0 {
			main = main[:i]
		}
		main = strings.TrimSpace(main)
		if main != "" && main != normalized {
			if hasMethod {
				terms = append(terms, main+", "+m)
			}
			terms = append(terms, main)
		}
	}

	// Long names: the leading words carry the food identity.
	if words := strings.Fields(normalized); len(words) > 2 {
		simplified := strings.Join(words[:2], " ")
		if hasMethod {
			terms = append(terms, simplified+", "+m)
		}
		terms = append(terms, simplified)
	}

	seen := make(map[string]bool, len(terms))
	unique := terms[:0]
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		unique = append(unique, t)
	}

	if len(unique) > maxTerms {
		unique = unique[:maxTerms]
	}
	return unique
}
