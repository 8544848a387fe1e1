package mealscan

import (
	"context"
	"fmt"
	"net/http"

	"mealscan/storage"
	"mealscan/tools"
	"mealscan/usda"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Analyzer runs the full two-stage analysis for one meal image.
type Analyzer interface {
	Analyze(ctx context.Context, image storage.ImageSource) (*AnalysisReport, error)
}

type ToolProvider interface {
	GetTools() []tools.Tool
	GetTool(name string) (tools.Tool, error)
}

// CompletionClient is the neutral chat-completion surface the pipeline
// drives. Backends map these requests onto their own wire formats.
type CompletionClient interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Chat message roles shared by all completion backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ImageAttachment carries raw image bytes plus their sniffed MIME type for
// a vision request.
type ImageAttachment struct {
	Bytes []byte `json:"-"` // raw bytes stay out of marshaled logs
	MIME  string `json:"mime,omitempty"`
}

// ChatMessage is one conversation turn. User turns may attach an image;
// assistant turns may carry the tool calls the model requested; tool turns
// carry one tool's result (ToolCallID pairs it with the request).
type ChatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	Image      *ImageAttachment `json:"image,omitempty"`
	ToolCalls  []tools.Call     `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
}

type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float32
	MaxTokens   int
	Tools       []tools.Tool
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	Content   string       `json:"content"`
	ToolCalls []tools.Call `json:"tool_calls,omitempty"`
	Usage     TokenUsage   `json:"usage"`
	Model     string       `json:"model,omitempty"`
}

// Food categories the identification stage may assign. Anything else is
// normalized to CategoryOther.
const (
	CategoryFruit     = "fruit"
	CategoryVegetable = "vegetable"
	CategoryProtein   = "protein"
	CategoryGrain     = "grain"
	CategoryDairy     = "dairy"
	CategorySnack     = "snack"
	CategoryBeverage  = "beverage"
	CategoryOther     = "other"
)

var foodCategories = map[string]bool{
	CategoryFruit:     true,
	CategoryVegetable: true,
	CategoryProtein:   true,
	CategoryGrain:     true,
	CategoryDairy:     true,
	CategorySnack:     true,
	CategoryBeverage:  true,
	CategoryOther:     true,
}

// NormalizeCategory maps any model-produced category string onto the fixed
// enumeration, defaulting to "other".
func NormalizeCategory(category string) string {
	if foodCategories[category] {
		return category
	}
	return CategoryOther
}

// Defaults for fields the identification stage may leave unset.
const (
	DefaultConfidence    = 0.8
	DefaultWeightGrams   = 100.0
	DefaultCookingMethod = "unknown"
)

// IdentifiedFood is one food the vision stage detected in the image.
// Name is in the source locale; NameEnglish is the canonical form used for
// database search and may be empty. Immutable once constructed.
type IdentifiedFood struct {
	Name                 string  `json:"name"`
	NameEnglish          string  `json:"name_english,omitempty"`
	Confidence           float64 `json:"confidence"`
	Category             string  `json:"category"`
	EstimatedWeightGrams float64 `json:"estimated_weight_grams"`
	CookingMethod        string  `json:"cooking_method"`
	PortionDescription   string  `json:"portion_description,omitempty"`
}

// SearchName returns the name used for database lookups: the English name
// when present, the primary name otherwise.
func (f IdentifiedFood) SearchName() string {
	if f.NameEnglish != "" {
		return f.NameEnglish
	}
	return f.Name
}

// Resolution outcomes for one food. Everything except StatusSuccess is a
// contained per-food failure; none of them abort the batch.
const (
	StatusSuccess         = "success"
	StatusNoNutritionData = "no_nutrition_data"
	StatusMaxIterations   = "max_iterations_exceeded"
	StatusUnstructured    = "unstructured"
	StatusError           = "error"
)

// ResolvedFood pairs an identified food with the outcome of its nutrition
// resolution. NutritionPerPortion is the averaged per-100g data scaled by
// EstimatedWeightGrams/100. Never mutated after construction.
type ResolvedFood struct {
	Food                IdentifiedFood          `json:"food"`
	Status              string                  `json:"status"`
	SearchTerm          string                  `json:"search_term,omitempty"`
	Nutrition           *usda.AveragedNutrition `json:"nutrition,omitempty"`
	NutritionPerPortion usda.Nutrition          `json:"nutrition_per_portion,omitempty"`
	Note                string                  `json:"note,omitempty"`
	Error               string                  `json:"error,omitempty"`

	// Err holds the typed failure for in-process callers; Error carries
	// its string form into the serialized report.
	Err error `json:"-"`
}

func (r ResolvedFood) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Summary aggregates one analysis run.
type Summary struct {
	TotalFoodsIdentified int            `json:"total_foods_identified"`
	SuccessfulLookups    int            `json:"successful_nutrition_lookups"`
	SuccessRate          string         `json:"success_rate"`
	TotalNutrition       usda.Nutrition `json:"total_nutrition"`
}

// NewSummary computes totals over the successfully resolved foods. The
// success rate divides by the identified count and is "0%" when nothing
// was identified.
func NewSummary(identified []IdentifiedFood, resolved []ResolvedFood) Summary {
	total := usda.Nutrition{}
	successes := 0
	for _, rf := range resolved {
		if rf.Succeeded() {
			successes++
			total.Add(rf.NutritionPerPortion)
		}
	}

	rate := "0%"
	if len(identified) > 0 {
		rate = fmt.Sprintf("%.1f%%", float64(successes)/float64(len(identified))*100)
	}

	return Summary{
		TotalFoodsIdentified: len(identified),
		SuccessfulLookups:    successes,
		SuccessRate:          rate,
		TotalNutrition:       total.Rounded(),
	}
}

// UsageTotals accumulates token and call counts across all completion
// requests in one analysis.
type UsageTotals struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	LLMCalls         int64 `json:"llm_calls"`
	ToolCalls        int64 `json:"tool_calls"`
}

// AnalysisReport is the pipeline's terminal output. Success is true
// whenever identification succeeded, even when every individual nutrition
// lookup failed; FailedStage is set only on a hard failure.
type AnalysisReport struct {
	ID                  string           `json:"id"`
	Success             bool             `json:"success"`
	FailedStage         string           `json:"failed_stage,omitempty"`
	Error               string           `json:"error,omitempty"`
	AnalysisTimeSeconds float64          `json:"analysis_time_seconds"`
	FoodsIdentified     []IdentifiedFood `json:"foods_identified"`
	FoodsWithNutrition  []ResolvedFood   `json:"foods_with_nutrition"`
	Summary             Summary          `json:"summary"`
	Usage               UsageTotals      `json:"usage"`
}

// IsValid checks structural consistency of a finished report.
func (r *AnalysisReport) IsValid() bool {
	if r.ID == "" {
		return false
	}
	if r.Success && r.FailedStage != "" {
		return false
	}
	if r.Summary.TotalFoodsIdentified != len(r.FoodsIdentified) {
		return false
	}
	if r.Summary.SuccessfulLookups > len(r.FoodsWithNutrition) {
		return false
	}
	for _, rf := range r.FoodsWithNutrition {
		if rf.Food.Name == "" {
			return false
		}
		if rf.Succeeded() && rf.Nutrition == nil {
			return false
		}
	}
	return true
}
