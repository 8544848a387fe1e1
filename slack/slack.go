// Package slack posts analysis results to a Slack-compatible webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"mealscan"
	"mealscan/usda"
)

type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	webhookURL string
	httpClient doer
}

func NewClient(webhookURL string, httpClient doer) *Client {
	return &Client{
		webhookURL: webhookURL,
		httpClient: httpClient,
	}
}

func (c *Client) PostMessage(ctx context.Context, channel string, message string) error {
	payload, err := json.Marshal(map[string]any{
		"channel": channel,
		"text":    message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to post message: %s", resp.Status)
	}

	return nil
}

// PostAnalysis posts a readable summary of one analysis run.
func (c *Client) PostAnalysis(ctx context.Context, channel string, report *mealscan.AnalysisReport) error {
	return c.PostMessage(ctx, channel, FormatReport(report))
}

// FormatReport renders the report as the message text: a one-line summary
// followed by one line per food.
func FormatReport(report *mealscan.AnalysisReport) string {
	if !report.Success {
		return fmt.Sprintf("Meal analysis %s failed at %s: %s", report.ID, report.FailedStage, report.Error)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Meal analysis %s: %d foods identified, %d resolved (%s), %.1f kcal total",
		report.ID,
		report.Summary.TotalFoodsIdentified,
		report.Summary.SuccessfulLookups,
		report.Summary.SuccessRate,
		report.Summary.TotalNutrition[usda.KeyCalories],
	)

	for _, rf := range report.FoodsWithNutrition {
		name := rf.Food.Name
		if rf.Food.NameEnglish != "" && rf.Food.NameEnglish != rf.Food.Name {
			name = fmt.Sprintf("%s (%s)", rf.Food.Name, rf.Food.NameEnglish)
		}
		if rf.Succeeded() {
			fmt.Fprintf(&b, "\n- %s: %.1f kcal / %.0f g", name, rf.NutritionPerPortion[usda.KeyCalories], rf.Food.EstimatedWeightGrams)
		} else {
			fmt.Fprintf(&b, "\n- %s: %s", name, rf.Status)
		}
	}
	return b.String()
}
