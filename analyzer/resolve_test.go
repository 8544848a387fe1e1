package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealscan"
	"mealscan/tools"
	"mealscan/usda"
)

// captureLogger records iteration logs for inspection.
type captureLogger struct {
	mu         sync.Mutex
	iterations []mealscan.IterationLog
}

func (c *captureLogger) LogIteration(iteration mealscan.IterationLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iterations = append(c.iterations, iteration)
	return nil
}

func (c *captureLogger) entries() []mealscan.IterationLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mealscan.IterationLog, len(c.iterations))
	copy(out, c.iterations)
	return out
}

func TestAnalyzer_Resolve(t *testing.T) {
	chicken := mealscan.IdentifiedFood{
		Name:                 "鸡胸肉",
		NameEnglish:          "chicken breast",
		Confidence:           0.9,
		Category:             mealscan.CategoryProtein,
		EstimatedWeightGrams: 150,
		CookingMethod:        "grilled",
	}

	type env struct {
		db    *usda.TestDatabase
		llm   *mockLLM
		usage mealscan.UsageTotals
		logs  []mealscan.IterationLog
	}

	tests := []struct {
		name          string
		responses     []mealscan.ChatResponse
		seed          func(db *usda.TestDatabase)
		maxIterations int
		validate      func(t *testing.T, rf mealscan.ResolvedFood, e env)
	}{
		{
			name: "searches then answers",
			responses: []mealscan.ChatResponse{
				searchToolCall("call-1", "chicken breast, grilled"),
				finalAnswer("chicken breast, grilled"),
			},
			seed: func(db *usda.TestDatabase) {
				db.SearchResults["chicken breast, grilled"] = &usda.SearchResult{
					Query:     "chicken breast, grilled",
					TotalHits: 2,
					Foods: []usda.SearchFood{
						{FDCID: 1, Description: "Chicken, broilers or fryers, breast, grilled"},
						{FDCID: 2, Description: "Chicken breast, grilled, skinless"},
					},
				}
				db.Details[1] = &usda.FoodDetail{FDCID: 1, Description: "Chicken, broilers or fryers, breast, grilled", Nutrition: usda.Nutrition{usda.KeyCalories: 165, usda.KeyProtein: 31}}
				db.Details[2] = &usda.FoodDetail{FDCID: 2, Description: "Chicken breast, grilled, skinless", Nutrition: usda.Nutrition{usda.KeyCalories: 175}}
			},
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusSuccess, rf.Status)
				assert.Equal(t, "chicken breast, grilled", rf.SearchTerm)
				require.NotNil(t, rf.Nutrition)
				assert.Equal(t, 2, rf.Nutrition.ValidResultsCount)
				assert.Len(t, rf.Nutrition.SourceRecords, 2)

				// Calories average over both records, protein over the one
				// that reported it; both scale by 150g/100g.
				assert.Equal(t, 255.0, rf.NutritionPerPortion[usda.KeyCalories])
				assert.Equal(t, 46.5, rf.NutritionPerPortion[usda.KeyProtein])

				require.Equal(t, 2, e.llm.callCount)
				second := e.llm.requests[1]
				require.Len(t, second.Messages, 4)
				assert.Equal(t, mealscan.RoleSystem, second.Messages[0].Role)
				assert.Equal(t, mealscan.RoleUser, second.Messages[1].Role)
				assert.Equal(t, mealscan.RoleAssistant, second.Messages[2].Role)
				assert.Len(t, second.Messages[2].ToolCalls, 1)
				toolMsg := second.Messages[3]
				assert.Equal(t, mealscan.RoleTool, toolMsg.Role)
				assert.Equal(t, "call-1", toolMsg.ToolCallID)
				assert.Equal(t, "search_database", toolMsg.ToolName)
				assert.Contains(t, toolMsg.Content, `"success":true`)

				assert.Equal(t, mealscan.UsageTotals{PromptTokens: 1100, CompletionTokens: 55, LLMCalls: 2, ToolCalls: 1}, e.usage)

				require.Len(t, e.logs, 2)
				assert.Equal(t, "鸡胸肉", e.logs[0].FoodName)
				assert.Equal(t, 1, e.logs[0].Iteration)
				require.Len(t, e.logs[0].ToolCalls, 1)
				assert.Equal(t, "search_database", e.logs[0].ToolCalls[0].Name)
				assert.Empty(t, e.logs[0].ToolCalls[0].Error)
				assert.Equal(t, 2, e.logs[1].Iteration)
				assert.Empty(t, e.logs[1].ToolCalls)
			},
		},
		{
			name: "chains search and nutrition detail before answering",
			responses: []mealscan.ChatResponse{
				searchToolCall("call-1", "chicken breast, grilled"),
				{
					ToolCalls: []tools.Call{{Name: "get_nutrition", Input: map[string]any{"fdc_id": 1}, ToolUseID: "call-2"}},
					Usage:     mealscan.TokenUsage{PromptTokens: 700, CompletionTokens: 35},
				},
				finalAnswer("chicken breast, grilled"),
			},
			seed: func(db *usda.TestDatabase) {
				seedFood(db, "chicken breast, grilled", 1, usda.Nutrition{usda.KeyCalories: 165, usda.KeyProtein: 31})
			},
			maxIterations: 5,
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusSuccess, rf.Status)
				assert.Equal(t, 3, e.llm.callCount, "the loop ends on the model's answer, not on the iteration cap")

				third := e.llm.requests[2]
				toolMsg := third.Messages[len(third.Messages)-1]
				assert.Equal(t, "call-2", toolMsg.ToolCallID)
				assert.Equal(t, "get_nutrition", toolMsg.ToolName)
				assert.Contains(t, toolMsg.Content, `"fdc_id":1`)

				// One detail fetch from the tool plus one from averaging.
				assert.Equal(t, 2, e.db.DetailsCalls)
				assert.Equal(t, int64(2), e.usage.ToolCalls)
				assert.Len(t, e.logs, 3)
			},
		},
		{
			name:      "answers directly without tools",
			responses: []mealscan.ChatResponse{finalAnswer("chicken breast, grilled")},
			seed: func(db *usda.TestDatabase) {
				seedFood(db, "chicken breast, grilled", 1, usda.Nutrition{usda.KeyCalories: 165, usda.KeyProtein: 31})
			},
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusSuccess, rf.Status)
				assert.Equal(t, 247.5, rf.NutritionPerPortion[usda.KeyCalories])
				assert.Equal(t, 1, e.llm.callCount)
				assert.Equal(t, int64(0), e.usage.ToolCalls)
			},
		},
		{
			name: "unknown tool error is fed back",
			responses: []mealscan.ChatResponse{
				{
					ToolCalls: []tools.Call{{Name: "lookup_upc", Input: map[string]any{"upc": "0123456789"}, ToolUseID: "call-9"}},
					Usage:     mealscan.TokenUsage{PromptTokens: 500, CompletionTokens: 30},
				},
				finalAnswer("chicken breast, grilled"),
			},
			seed: func(db *usda.TestDatabase) {
				seedFood(db, "chicken breast, grilled", 1, usda.Nutrition{usda.KeyCalories: 165})
			},
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusSuccess, rf.Status, "the model can recover after a bad tool name")

				second := e.llm.requests[1]
				toolMsg := second.Messages[len(second.Messages)-1]
				assert.Equal(t, mealscan.RoleTool, toolMsg.Role)
				assert.Equal(t, "call-9", toolMsg.ToolCallID)
				assert.Contains(t, toolMsg.Content, `tool \"lookup_upc\" not found`)

				assert.Equal(t, int64(1), e.usage.ToolCalls)
				require.Len(t, e.logs, 2)
				require.Len(t, e.logs[0].ToolCalls, 1)
				assert.Contains(t, e.logs[0].ToolCalls[0].Error, "not found")
			},
		},
		{
			name: "tool failure is fed back and surfaces from averaging",
			responses: []mealscan.ChatResponse{
				searchToolCall("call-1", "chicken breast, grilled"),
				finalAnswer("chicken breast, grilled"),
			},
			seed: func(db *usda.TestDatabase) {
				db.SearchErr = assert.AnError
			},
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				second := e.llm.requests[1]
				toolMsg := second.Messages[len(second.Messages)-1]
				assert.Contains(t, toolMsg.Content, `tool \"search_database\" failed`)

				// The averaging pass hits the same database error.
				assert.Equal(t, mealscan.StatusError, rf.Status)
				assert.Contains(t, rf.Error, assert.AnError.Error())
			},
		},
		{
			name: "duplicate tool calls collapse to one execution",
			responses: []mealscan.ChatResponse{
				{
					ToolCalls: []tools.Call{
						{Name: "search_database", Input: map[string]any{"query": "chicken breast, grilled"}, ToolUseID: "call-1"},
						{Name: "search_database", Input: map[string]any{"query": "chicken breast, grilled"}, ToolUseID: "call-2"},
					},
					Usage: mealscan.TokenUsage{PromptTokens: 500, CompletionTokens: 30},
				},
				finalAnswer("chicken breast, grilled"),
			},
			seed: func(db *usda.TestDatabase) {
				seedFood(db, "chicken breast, grilled", 1, usda.Nutrition{usda.KeyCalories: 165})
			},
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusSuccess, rf.Status)

				// One search for the collapsed pair plus one from averaging.
				assert.Equal(t, 2, e.db.SearchCalls)
				assert.Equal(t, int64(1), e.usage.ToolCalls)

				// Both tool_use ids still get a result message.
				second := e.llm.requests[1]
				require.Len(t, second.Messages, 5)
				assert.Equal(t, "call-1", second.Messages[3].ToolCallID)
				assert.Equal(t, "call-2", second.Messages[4].ToolCallID)
				assert.Equal(t, second.Messages[3].Content, second.Messages[4].Content)
			},
		},
		{
			name:      "unstructured final answer",
			responses: []mealscan.ChatResponse{{Content: "I could not settle on a single match."}},
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusUnstructured, rf.Status)
				assert.Equal(t, "I could not settle on a single match.", rf.Note)
				assert.Nil(t, rf.Nutrition)
				assert.Empty(t, rf.SearchTerm)
				assert.Equal(t, 0, e.db.SearchCalls)
			},
		},
		{
			name:      "missing search term falls back to first candidate",
			responses: []mealscan.ChatResponse{{Content: `{"matched_description": "Chicken breast"}`}},
			seed: func(db *usda.TestDatabase) {
				seedFood(db, "chicken breast, grilled", 1, usda.Nutrition{usda.KeyCalories: 165})
			},
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusSuccess, rf.Status)
				assert.Equal(t, "chicken breast, grilled", rf.SearchTerm)
			},
		},
		{
			name:      "term with no database results",
			responses: []mealscan.ChatResponse{finalAnswer("unicorn steak")},
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusNoNutritionData, rf.Status)
				assert.Equal(t, "unicorn steak", rf.SearchTerm)
				assert.Contains(t, rf.Error, "no nutrition data")
				assert.True(t, errors.Is(rf.Err, usda.ErrNoNutritionData))
				assert.Nil(t, rf.Nutrition)
			},
		},
		{
			name: "iteration budget exhausted",
			responses: []mealscan.ChatResponse{
				searchToolCall("call-1", "chicken breast"),
				searchToolCall("call-2", "chicken breast, grilled"),
			},
			maxIterations: 2,
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusMaxIterations, rf.Status)
				assert.Equal(t, "max iterations exceeded: no final answer after 2 iterations", rf.Error)
				assert.True(t, errors.Is(rf.Err, mealscan.ErrIterationsExhausted))
				assert.Equal(t, 2, e.llm.callCount)
				assert.Len(t, e.logs, 2)
			},
		},
		{
			name:      "completion failure",
			responses: nil,
			validate: func(t *testing.T, rf mealscan.ResolvedFood, e env) {
				assert.Equal(t, mealscan.StatusError, rf.Status)
				assert.Contains(t, rf.Error, "completion failed")
				assert.Contains(t, rf.Error, "no more responses available")
				require.Len(t, e.logs, 1)
				assert.Equal(t, "no more responses available", e.logs[0].Error)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := usda.NewTestDatabase()
			if tt.seed != nil {
				tt.seed(db)
			}
			llm := newMockLLM(tt.responses...)
			registry, err := tools.NewRegistry(db)
			require.NoError(t, err)

			maxIterations := tt.maxIterations
			if maxIterations == 0 {
				maxIterations = 3
			}
			logger := &captureLogger{}
			a := NewAnalyzer(
				llm,
				registry,
				usda.NewAverager(db, 5),
				mealscan.IdentifyConfig{Timeout: time.Second},
				mealscan.ResolveConfig{Timeout: 5 * time.Second, MaxIterations: maxIterations, MaxConcurrentFoods: 1},
				logger,
				nil,
			)

			u := &usageRecorder{}
			rf := a.resolve(context.Background(), chicken, u)

			assert.Equal(t, chicken, rf.Food)
			tt.validate(t, rf, env{db: db, llm: llm, usage: u.totals(), logs: logger.entries()})
		})
	}
}

// slowLLM delays every completion before delegating to the script, so a
// run of calls takes longer than any single one.
type slowLLM struct {
	inner *mockLLM
	delay time.Duration
}

func (s *slowLLM) Complete(ctx context.Context, req mealscan.ChatRequest) (mealscan.ChatResponse, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return mealscan.ChatResponse{}, ctx.Err()
	}
	return s.inner.Complete(ctx, req)
}

func TestAnalyzer_ResolveTimeoutBoundsEachCall(t *testing.T) {
	db := usda.NewTestDatabase()
	seedFood(db, "chicken breast, grilled", 1, usda.Nutrition{usda.KeyCalories: 165, usda.KeyProtein: 31})
	registry, err := tools.NewRegistry(db)
	require.NoError(t, err)

	// Four 60ms completions against a 150ms timeout: each call fits its
	// budget even though the loop as a whole runs well past it.
	llm := &slowLLM{
		inner: newMockLLM(
			searchToolCall("call-1", "chicken breast"),
			searchToolCall("call-2", "grilled chicken"),
			searchToolCall("call-3", "chicken, grilled"),
			finalAnswer("chicken breast, grilled"),
		),
		delay: 60 * time.Millisecond,
	}

	a := NewAnalyzer(
		llm,
		registry,
		usda.NewAverager(db, 5),
		mealscan.IdentifyConfig{Timeout: time.Second},
		mealscan.ResolveConfig{Timeout: 150 * time.Millisecond, MaxIterations: 5, MaxConcurrentFoods: 1},
		&captureLogger{},
		nil,
	)

	food := mealscan.IdentifiedFood{Name: "chicken breast", EstimatedWeightGrams: 100, CookingMethod: "grilled"}
	rf := a.resolve(context.Background(), food, &usageRecorder{})

	assert.Equal(t, mealscan.StatusSuccess, rf.Status)
	assert.Equal(t, "chicken breast, grilled", rf.SearchTerm)
	assert.Equal(t, 4, llm.inner.callCount)
}

func TestCallSignature(t *testing.T) {
	a := tools.Call{Name: "search_database", Input: map[string]any{"query": "apple", "page_size": 5}, ToolUseID: "call-1"}
	b := tools.Call{Name: "search_database", Input: map[string]any{"page_size": 5, "query": "apple"}, ToolUseID: "call-2"}
	assert.Equal(t, callSignature(a), callSignature(b), "map order and tool_use id must not matter")

	c := tools.Call{Name: "search_database", Input: map[string]any{"query": "banana", "page_size": 5}}
	assert.NotEqual(t, callSignature(a), callSignature(c))

	d := tools.Call{Name: "get_nutrition", Input: map[string]any{"query": "apple", "page_size": 5}}
	assert.NotEqual(t, callSignature(a), callSignature(d), "same input under a different tool is a different call")
}
