package usda

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDoer struct {
	responses []*http.Response
	err       error
	requests  []*http.Request
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	idx := len(m.requests) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func newTestClient(t *testing.T, keys []string, d *mockDoer) *Client {
	t.Helper()
	c, err := NewClient(keys, d, ClientOpts{BaseURL: "http://fdc.test/v1"})
	require.NoError(t, err)
	c.retryDelay = 0
	return c
}

func apiKeyOf(t *testing.T, req *http.Request) string {
	t.Helper()
	q, err := url.ParseQuery(req.URL.RawQuery)
	require.NoError(t, err)
	return q.Get("api_key")
}

func TestNewClient_RequiresKeys(t *testing.T) {
	_, err := NewClient(nil, &mockDoer{}, ClientOpts{})
	assert.Error(t, err)
}

func TestSearch_RotatesKeyOn429(t *testing.T) {
	d := &mockDoer{responses: []*http.Response{
		jsonResponse(http.StatusTooManyRequests, `{"error":"rate limited"}`),
		jsonResponse(http.StatusOK, `{"totalHits":1,"foods":[{"fdcId":171688,"description":"Apples, raw","dataType":"SR Legacy"}]}`),
	}}
	c := newTestClient(t, []string{"key-a", "key-b"}, d)

	res, err := c.Search(context.Background(), "apple", 10)
	require.NoError(t, err)

	require.Len(t, d.requests, 2)
	assert.Equal(t, "key-a", apiKeyOf(t, d.requests[0]))
	assert.Equal(t, "key-b", apiKeyOf(t, d.requests[1]))
	assert.Equal(t, 1, res.TotalHits)
	require.Len(t, res.Foods, 1)
	assert.Equal(t, 171688, res.Foods[0].FDCID)
}

func TestSearch_SingleKeyPoolStillTerminates(t *testing.T) {
	d := &mockDoer{responses: []*http.Response{
		jsonResponse(http.StatusTooManyRequests, `{}`),
		jsonResponse(http.StatusTooManyRequests, `{}`),
	}}
	c := newTestClient(t, []string{"only-key"}, d)

	_, err := c.Search(context.Background(), "apple", 10)
	require.Error(t, err)

	// one rotation onto the same key, exactly one retry, no loop
	require.Len(t, d.requests, 2)
	assert.Equal(t, "only-key", apiKeyOf(t, d.requests[0]))
	assert.Equal(t, "only-key", apiKeyOf(t, d.requests[1]))
}

func TestSearch_PageSizeClamped(t *testing.T) {
	tests := []struct {
		name     string
		pageSize int
		want     string
	}{
		{name: "above provider max", pageSize: 500, want: "100"},
		{name: "zero uses default", pageSize: 0, want: "25"},
		{name: "negative uses default", pageSize: -3, want: "25"},
		{name: "in range passes through", pageSize: 10, want: "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDoer{responses: []*http.Response{
				jsonResponse(http.StatusOK, `{"totalHits":0,"foods":[]}`),
			}}
			c := newTestClient(t, []string{"k"}, d)

			_, err := c.Search(context.Background(), "apple", tt.pageSize)
			require.NoError(t, err)
			require.Len(t, d.requests, 1)

			q, err := url.ParseQuery(d.requests[0].URL.RawQuery)
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.Get("pageSize"))
		})
	}
}

func TestSearch_ZeroHitsIsNotAnError(t *testing.T) {
	d := &mockDoer{responses: []*http.Response{
		jsonResponse(http.StatusOK, `{"totalHits":0,"foods":[]}`),
	}}
	c := newTestClient(t, []string{"k"}, d)

	res, err := c.Search(context.Background(), "xyzzy", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalHits)
	assert.Empty(t, res.Foods)
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	c := newTestClient(t, []string{"k"}, &mockDoer{})
	_, err := c.Search(context.Background(), "   ", 10)
	assert.Error(t, err)
}

func TestSearch_TransportError(t *testing.T) {
	d := &mockDoer{err: errors.New("connection refused")}
	c := newTestClient(t, []string{"k"}, d)

	_, err := c.Search(context.Background(), "apple", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFoodDetails_NotFound(t *testing.T) {
	d := &mockDoer{responses: []*http.Response{
		jsonResponse(http.StatusNotFound, `{"error":"not found"}`),
	}}
	c := newTestClient(t, []string{"k"}, d)

	_, err := c.FoodDetails(context.Background(), 999999)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoNutritionData)
}

func TestFoodDetails_RotatesKeyOn403(t *testing.T) {
	d := &mockDoer{responses: []*http.Response{
		jsonResponse(http.StatusForbidden, `{"error":"API_KEY_INVALID"}`),
		jsonResponse(http.StatusOK, `{"fdcId":171688,"description":"Apples, raw","dataType":"SR Legacy","foodNutrients":[{"nutrient":{"id":1008,"unitName":"KCAL"},"amount":52}]}`),
	}}
	c := newTestClient(t, []string{"bad-key", "good-key"}, d)

	detail, err := c.FoodDetails(context.Background(), 171688)
	require.NoError(t, err)

	require.Len(t, d.requests, 2)
	assert.Equal(t, "bad-key", apiKeyOf(t, d.requests[0]))
	assert.Equal(t, "good-key", apiKeyOf(t, d.requests[1]))
	assert.InDelta(t, 52.0, detail.Nutrition[KeyCalories], 0.001)
}

func TestFoodDetails_InvalidID(t *testing.T) {
	c := newTestClient(t, []string{"k"}, &mockDoer{})
	_, err := c.FoodDetails(context.Background(), 0)
	assert.Error(t, err)
}

func TestLookupBarcode(t *testing.T) {
	searchBody := `{"totalHits":2,"foods":[
		{"fdcId":100,"description":"Granola Bar","dataType":"Branded","gtinUpc":"014100044222"},
		{"fdcId":200,"description":"Granola Bar Family Pack","dataType":"Branded","gtinUpc":"014100044239"}
	]}`
	detailBody := `{"fdcId":200,"description":"Granola Bar Family Pack","dataType":"Branded","gtinUpc":"014100044239","foodNutrients":[{"nutrient":{"id":1008,"unitName":"KCAL"},"amount":471}]}`

	t.Run("exact gtin match wins", func(t *testing.T) {
		d := &mockDoer{responses: []*http.Response{
			jsonResponse(http.StatusOK, searchBody),
			jsonResponse(http.StatusOK, detailBody),
		}}
		c := newTestClient(t, []string{"k"}, d)

		detail, err := c.LookupBarcode(context.Background(), "014100044239")
		require.NoError(t, err)
		assert.Equal(t, 200, detail.FDCID)
		assert.InDelta(t, 471.0, detail.Nutrition[KeyCalories], 0.001)
	})

	t.Run("no exact match", func(t *testing.T) {
		d := &mockDoer{responses: []*http.Response{
			jsonResponse(http.StatusOK, searchBody),
		}}
		c := newTestClient(t, []string{"k"}, d)

		_, err := c.LookupBarcode(context.Background(), "000000000000")
		assert.ErrorIs(t, err, ErrNoNutritionData)
	})

	t.Run("rejects non-numeric upc", func(t *testing.T) {
		c := newTestClient(t, []string{"k"}, &mockDoer{})
		_, err := c.LookupBarcode(context.Background(), "not-a-upc")
		assert.Error(t, err)
	})
}
