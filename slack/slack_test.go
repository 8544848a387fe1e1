package slack_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"mealscan"
	"mealscan/slack"
	"mealscan/usda"

	should "github.com/stretchr/testify/assert"
	must "github.com/stretchr/testify/require"
)

type mockDoer struct {
	resp   *http.Response
	err    error
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return m.resp, m.err
}

func TestNewClient(t *testing.T) {
	webhook := "http://slack.com/webhook"
	client := slack.NewClient(webhook, &mockDoer{})
	must.NotNil(t, client, "expected non-nil client")
}

func TestPostMessage(t *testing.T) {
	tests := []struct {
		name    string
		doFunc  func(req *http.Request) (*http.Response, error)
		wantErr error
	}{
		{
			name: "success",
			doFunc: func(req *http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString("ok"))}, nil
			},
			wantErr: nil,
		},
		{
			name: "failure status",
			doFunc: func(req *http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusBadRequest, Status: "400 Bad Request", Body: io.NopCloser(bytes.NewBufferString("bad request"))}, nil
			},
			wantErr: fmt.Errorf("failed to post message: 400 Bad Request"),
		},
		{
			name: "do error",
			doFunc: func(req *http.Request) (*http.Response, error) {
				return nil, errors.New("network error")
			},
			wantErr: fmt.Errorf("network error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := slack.NewClient("http://example.com/webhook", &mockDoer{doFunc: tt.doFunc})
			err := client.PostMessage(context.Background(), "#general", "Hello, world!")
			should.Equal(t, tt.wantErr, err)
		})
	}
}

func successfulReport() *mealscan.AnalysisReport {
	return &mealscan.AnalysisReport{
		ID:      "run-42",
		Success: true,
		FoodsWithNutrition: []mealscan.ResolvedFood{
			{
				Food:                mealscan.IdentifiedFood{Name: "鸡胸肉", NameEnglish: "grilled chicken breast", EstimatedWeightGrams: 150},
				Status:              mealscan.StatusSuccess,
				SearchTerm:          "chicken breast, grilled",
				Nutrition:           &usda.AveragedNutrition{SearchTerm: "chicken breast, grilled"},
				NutritionPerPortion: usda.Nutrition{usda.KeyCalories: 247.5},
			},
			{
				Food:   mealscan.IdentifiedFood{Name: "米饭", NameEnglish: "steamed rice", EstimatedWeightGrams: 200},
				Status: mealscan.StatusNoNutritionData,
			},
		},
		Summary: mealscan.Summary{
			TotalFoodsIdentified: 2,
			SuccessfulLookups:    1,
			SuccessRate:          "50.0%",
			TotalNutrition:       usda.Nutrition{usda.KeyCalories: 247.5},
		},
	}
}

func TestPostAnalysis(t *testing.T) {
	var captured map[string]any
	doer := &mockDoer{doFunc: func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &captured); err != nil {
			return nil, err
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString("ok"))}, nil
	}}

	client := slack.NewClient("http://example.com/webhook", doer)
	err := client.PostAnalysis(context.Background(), "#meals", successfulReport())
	must.NoError(t, err)

	should.Equal(t, "#meals", captured["channel"])
	text, ok := captured["text"].(string)
	must.True(t, ok, "payload text must be a string")
	should.Contains(t, text, "run-42")
	should.Contains(t, text, "50.0%")
	should.Contains(t, text, "鸡胸肉 (grilled chicken breast): 247.5 kcal / 150 g")
}

func TestFormatReport(t *testing.T) {
	t.Run("successful run", func(t *testing.T) {
		text := slack.FormatReport(successfulReport())
		should.Contains(t, text, "Meal analysis run-42: 2 foods identified, 1 resolved (50.0%), 247.5 kcal total")
		should.Contains(t, text, "- 鸡胸肉 (grilled chicken breast): 247.5 kcal / 150 g")
		should.Contains(t, text, "- 米饭 (steamed rice): no_nutrition_data")
	})

	t.Run("failed run", func(t *testing.T) {
		report := &mealscan.AnalysisReport{
			ID:          "run-43",
			Success:     false,
			FailedStage: "identification",
			Error:       "identification request failed: throttled",
		}
		text := slack.FormatReport(report)
		should.Equal(t, "Meal analysis run-43 failed at identification: identification request failed: throttled", text)
	})
}
