package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoogleDisabledWithoutCredentials(t *testing.T) {
	g := NewGoogle(DefaultGoogleConfig(), zerolog.Nop())
	assert.False(t, g.Enabled())
	assert.Nil(t, g.SearchImages(context.Background(), "abc"))
	assert.Nil(t, g.SearchWeb(context.Background(), "abc"))
}

func TestGoogleSearchImagesPaginates(t *testing.T) {
	var starts []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "key", q.Get("key"))
		assert.Equal(t, "cx", q.Get("cx"))
		assert.Equal(t, "image", q.Get("searchType"))
		assert.Equal(t, `"ABC123" packshot`, q.Get("q"))
		starts = append(starts, q.Get("start"))

		if q.Get("start") == "21" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"link": "https://cdn.example.com/" + q.Get("start") + ".jpg", "image": map[string]string{"contextLink": "https://shop.example.com/p"}},
				{"link": ""},
			},
		})
	}))
	defer server.Close()

	config := DefaultGoogleConfig()
	config.Key, config.CX, config.BaseURL = "key", "cx", server.URL
	results := NewGoogle(config, zerolog.Nop()).SearchImages(context.Background(), `"ABC123" packshot`)

	assert.Equal(t, []string{"1", "11", "21"}, starts)
	require.Len(t, results, 2)
	assert.Equal(t, Result{ContentURL: "https://cdn.example.com/1.jpg", ContextURL: "https://shop.example.com/p"}, results[0])
	assert.Equal(t, "https://cdn.example.com/11.jpg", results[1].ContentURL)
}

func TestGoogleSearchWeb(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "8", r.URL.Query().Get("num"))
		assert.Empty(t, r.URL.Query().Get("searchType"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"link":"https://www.zalando.it/p/abc123.html"}]}`))
	}))
	defer server.Close()

	config := DefaultGoogleConfig()
	config.Key, config.CX, config.BaseURL = "key", "cx", server.URL
	results := NewGoogle(config, zerolog.Nop()).SearchWeb(context.Background(), "ABC123")

	require.Len(t, results, 1)
	assert.Equal(t, "https://www.zalando.it/p/abc123.html", results[0].ContextURL)
}

func TestBingSearchImages(t *testing.T) {
	var offsets []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("Ocp-Apim-Subscription-Key"))
		offsets = append(offsets, r.URL.Query().Get("offset"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":[{"contentUrl":"https://img.example.com/a.jpg","hostPageUrl":"https://shop.example.com/a"}]}`))
	}))
	defer server.Close()

	config := DefaultBingConfig()
	config.Key, config.BaseURL = "secret", server.URL
	results := NewBing(config, zerolog.Nop()).SearchImages(context.Background(), "ABC123")

	assert.Equal(t, []string{"0", "50"}, offsets)
	assert.Len(t, results, 2)
}

func TestBingDisabledWithoutKey(t *testing.T) {
	assert.Nil(t, NewBing(DefaultBingConfig(), zerolog.Nop()).SearchImages(context.Background(), "x"))
}

type fixedSearcher []Result

func (f fixedSearcher) SearchImages(ctx context.Context, query string) []Result { return f }

func TestCombined(t *testing.T) {
	c := Combined{
		fixedSearcher{{ContentURL: "a"}},
		fixedSearcher(nil),
		fixedSearcher{{ContentURL: "b"}, {ContentURL: "c"}},
	}
	results := c.SearchImages(context.Background(), "q")
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ContentURL)
	assert.Equal(t, "c", results[2].ContentURL)
}

func TestNewLimiter(t *testing.T) {
	unlimited := newLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.Wait(context.Background()))
	}

	limited := newLimiter(1, 0)
	assert.Equal(t, 1, limited.Burst())
	assert.True(t, limited.Allow())
	assert.False(t, limited.Allow())
}

func TestSearchStopsOnCancelledContext(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[]}`))
	}))
	defer server.Close()

	config := DefaultGoogleConfig()
	config.Key, config.CX, config.BaseURL = "key", "cx", server.URL
	config.RateLimit, config.Burst = 0.001, 1
	g := NewGoogle(config, zerolog.Nop())

	// The first request spends the burst; the second would wait far beyond the deadline
	assert.Nil(t, g.SearchWeb(context.Background(), "a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, g.SearchImages(ctx, "b"))
	assert.Equal(t, 1, calls)
}
