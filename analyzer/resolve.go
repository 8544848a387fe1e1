package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mealscan"
	"mealscan/tools"
	"mealscan/usda"
)

// resolve runs the tool-calling loop that settles one food's nutrition.
// It never returns a Go error: every failure mode is encoded in the
// ResolvedFood status so one bad food cannot sink the batch. The timeout
// bounds each completion call, not the loop: a resolution that needs every
// iteration is budgeted per call.
func (a *Analyzer) resolve(ctx context.Context, food mealscan.IdentifiedFood, u *usageRecorder) mealscan.ResolvedFood {
	out := mealscan.ResolvedFood{Food: food, Status: mealscan.StatusError}

	terms := searchTerms(food.SearchName(), food.CookingMethod)
	messages := []mealscan.ChatMessage{
		{Role: mealscan.RoleSystem, Content: resolutionSystemPrompt},
		{Role: mealscan.RoleUser, Content: resolutionUserPrompt(food, terms)},
	}

	slog.Info("RESOLVER: Starting resolution", "food", food.Name, "search_terms", terms)

	for iter := 0; iter < a.resolveCfg.MaxIterations; iter++ {
		iterLog := mealscan.IterationLog{FoodName: food.Name, Iteration: iter + 1, Timestamp: time.Now()}

		if b, merr := json.Marshal(messages); merr == nil {
			iterLog.LLMInput = string(b)
			slog.Info("RESOLVER: Sending prompt to LLM",
				"food", food.Name,
				"iteration", iter+1,
				"messages_count", len(messages),
				"prompt_size_bytes", len(b),
				"last_message_preview", func() string {
					text := messages[len(messages)-1].Content
					if text == "" {
						return "no content"
					}
					if len(text) > 100 {
						text = text[:97] + "..."
					}
					return text
				}(),
			)
		}

		callCtx, cancel := context.WithTimeout(ctx, a.resolveCfg.Timeout)
		res, err := a.llm.Complete(callCtx, mealscan.ChatRequest{
			Messages:    messages,
			Temperature: a.resolveCfg.Temperature,
			Tools:       a.toolProvider.GetTools(),
		})
		cancel()
		if err != nil {
			iterLog.Error = err.Error()
			a.logIteration(iterLog)
			slog.Error("RESOLVER: completion failed", "food", food.Name, "iteration", iter+1, "error", err)
			out.Err = fmt.Errorf("completion failed: %w", err)
			out.Error = out.Err.Error()
			return out
		}
		u.recordCompletion(res.Usage)
		iterLog.LLMOutput = res

		slog.Info("RESOLVER: LLM response received",
			"food", food.Name,
			"iteration", iter+1,
			"content_length", len(res.Content),
			"tool_calls", len(res.ToolCalls),
		)

		// No tool calls means the assistant considers itself done.
		if len(res.ToolCalls) == 0 {
			a.logIteration(iterLog)
			return a.finishResolution(ctx, out, res.Content, terms)
		}

		assistantMsg := mealscan.ChatMessage{
			Role:      mealscan.RoleAssistant,
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		}
		messages = append(messages, assistantMsg)

		// Execute each distinct call once; duplicates within the response
		// reuse the first result. Every tool_use id still gets an answer,
		// which the chat protocol requires.
		executed := make(map[string]map[string]any, len(res.ToolCalls))
		var callLogs []mealscan.ToolCallLog

		for _, call := range res.ToolCalls {
			sig := callSignature(call)
			payload, done := executed[sig]
			if done {
				slog.Info("RESOLVER: Collapsing duplicate tool call", "food", food.Name, "tool", call.Name, "iteration", iter+1)
			} else {
				slog.Info("RESOLVER: Handling tool call", "food", food.Name, "tool", call.Name, "iteration", iter+1)
				payload = a.executeToolCall(ctx, call, u, &callLogs)
				executed[sig] = payload
			}

			b, _ := json.Marshal(payload)
			messages = append(messages, mealscan.ChatMessage{
				Role:       mealscan.RoleTool,
				Content:    string(b),
				ToolCallID: call.ToolUseID,
				ToolName:   call.Name,
			})
		}

		iterLog.ToolCalls = callLogs
		a.logIteration(iterLog)
	}

	slog.Warn("RESOLVER: iteration budget exhausted", "food", food.Name, "max_iterations", a.resolveCfg.MaxIterations)
	out.Status = mealscan.StatusMaxIterations
	out.Err = fmt.Errorf("%w: no final answer after %d iterations", mealscan.ErrIterationsExhausted, a.resolveCfg.MaxIterations)
	out.Error = out.Err.Error()
	return out
}

// callSignature identifies a tool call by name and arguments. Map keys
// marshal in sorted order, so equal inputs produce equal signatures.
func callSignature(call tools.Call) string {
	b, err := json.Marshal(call.Input)
	if err != nil {
		return call.Name
	}
	return call.Name + "|" + string(b)
}

// executeToolCall runs one tool and returns the payload to feed back to the
// model. Lookup and execution errors become error payloads, not failures:
// the model gets a chance to correct itself.
func (a *Analyzer) executeToolCall(ctx context.Context, call tools.Call, u *usageRecorder, logs *[]mealscan.ToolCallLog) map[string]any {
	u.recordToolCall()
	tlog := mealscan.ToolCallLog{Name: call.Name, Input: call.Input}

	tool, err := a.toolProvider.GetTool(call.Name)
	if err != nil {
		tlog.Error = err.Error()
		*logs = append(*logs, tlog)
		return map[string]any{"error": fmt.Sprintf("tool %q not found: %v", call.Name, err)}
	}

	result, err := tool.Run(ctx, call.Input)
	if err != nil {
		tlog.Error = err.Error()
		*logs = append(*logs, tlog)
		return map[string]any{"error": fmt.Sprintf("tool %q failed: %v", call.Name, err)}
	}

	tlog.Output = result
	*logs = append(*logs, tlog)
	return result
}

// finishResolution turns the assistant's final text into a resolved food.
// The model's own nutrition numbers are advisory; the authoritative values
// come from averaging the database results for its chosen search term.
func (a *Analyzer) finishResolution(ctx context.Context, out mealscan.ResolvedFood, content string, terms []string) mealscan.ResolvedFood {
	payload := lastJSONObject(content)
	if payload == "" {
		slog.Warn("RESOLVER: final answer had no JSON object", "food", out.Food.Name)
		out.Status = mealscan.StatusUnstructured
		out.Note = strings.TrimSpace(content)
		return out
	}

	var final struct {
		SearchTerm string `json:"search_term"`
	}
	// Balanced braces do not guarantee valid JSON.
	if err := json.Unmarshal([]byte(payload), &final); err != nil {
		slog.Warn("RESOLVER: final JSON not parseable", "food", out.Food.Name, "error", err)
		out.Status = mealscan.StatusUnstructured
		out.Note = strings.TrimSpace(content)
		return out
	}

	term := strings.TrimSpace(final.SearchTerm)
	if term == "" && len(terms) > 0 {
		// Model omitted its term; average over the best candidate instead.
		term = terms[0]
	}
	if term == "" {
		out.Status = mealscan.StatusUnstructured
		out.Note = strings.TrimSpace(content)
		return out
	}
	out.SearchTerm = term

	avg, err := a.averager.AverageTopN(ctx, term)
	if err != nil {
		if errors.Is(err, usda.ErrNoNutritionData) {
			slog.Warn("RESOLVER: no nutrition data", "food", out.Food.Name, "search_term", term)
			out.Status = mealscan.StatusNoNutritionData
		} else {
			slog.Error("RESOLVER: averaging failed", "food", out.Food.Name, "search_term", term, "error", err)
			out.Status = mealscan.StatusError
		}
		out.Err = err
		out.Error = err.Error()
		return out
	}

	out.Status = mealscan.StatusSuccess
	out.Nutrition = avg
	out.NutritionPerPortion = avg.Nutrition.Scale(out.Food.EstimatedWeightGrams / 100).Rounded()

	slog.Info("RESOLVER: Resolution complete",
		"food", out.Food.Name,
		"search_term", term,
		"valid_results", avg.ValidResultsCount,
		"calories_per_portion", out.NutritionPerPortion[usda.KeyCalories],
	)
	return out
}

func (a *Analyzer) logIteration(iter mealscan.IterationLog) {
	if a.logger != nil {
		if err := a.logger.LogIteration(iter); err != nil {
			slog.Error("Failed to log resolution iteration", "error", err, "food", iter.FoodName, "iteration", iter.Iteration)
		}
	}
}
