package catalog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := DefaultConfig()
	config.BaseURL = server.URL
	config.AdminToken = "shpat_test"
	return New(config, zerolog.Nop())
}

func productJSON(gid, sku, status string) map[string]any {
	return map[string]any{
		"id":          gid,
		"title":       "T-shirt Bianco",
		"vendor":      "Acme",
		"productType": "T-shirt",
		"status":      status,
		"bodyHtml":    "",
		"tags":        []string{"estate"},
		"images":      map[string]any{"edges": []any{}},
		"variants": map[string]any{"edges": []any{
			map[string]any{"node": map[string]any{
				"id":              "gid://shopify/ProductVariant/1",
				"sku":             sku,
				"selectedOptions": []map[string]string{{"name": "Colore", "value": "Bianco"}},
			}},
		}},
	}
}

func TestFindProductsQueryLadder(t *testing.T) {
	var mu sync.Mutex
	var queries []string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/api/2025-01/graphql.json", r.URL.Path)
		assert.Equal(t, "shpat_test", r.Header.Get("X-Shopify-Access-Token"))

		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		q, _ := req.Variables["query"].(string)
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()

		var edges []any
		if q == `sku:"ABC123"` {
			node := map[string]any{"id": "gid://shopify/ProductVariant/1", "sku": "ABC123", "product": productJSON("gid://shopify/Product/42", "ABC123", "DRAFT")}
			edges = append(edges, map[string]any{"node": node}, map[string]any{"node": node})
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"productVariants": map[string]any{"edges": edges}}})
	})

	products, err := client.FindProducts(context.Background(), []string{"ABC123"})
	require.NoError(t, err)

	assert.Equal(t, []string{`product_status:draft AND sku:"ABC123"`, `sku:"ABC123"`}, queries)
	require.Len(t, products, 1, "duplicate products collapse by id")
	p := products[0]
	assert.Equal(t, int64(42), p.ID)
	assert.True(t, p.IsDraft())
	assert.False(t, p.HasImages)
	assert.Equal(t, "Bianco", p.ColorPreference([]string{"colore"}))
}

func TestFindProductsFallsBackToDraftScan(t *testing.T) {
	var pages int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if strings.Contains(req.Query, "productVariants") {
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"productVariants": map[string]any{"edges": []any{}}}})
			return
		}

		pages++
		var edges []any
		hasNext := true
		switch pages {
		case 1:
			assert.Nil(t, req.Variables["after"])
			edges = append(edges, map[string]any{"node": productJSON("gid://shopify/Product/1", "ZZZ999", "DRAFT")})
		case 2:
			assert.Equal(t, "c1", req.Variables["after"])
			edges = append(edges, map[string]any{"node": productJSON("gid://shopify/Product/2", "ABC123456-M", "DRAFT")})
			hasNext = false
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"products": map[string]any{
			"pageInfo": map[string]any{"hasNextPage": hasNext, "endCursor": "c1"},
			"edges":    edges,
		}}})
	})

	products, err := client.FindProducts(context.Background(), []string{"ABC123456_XL"})
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
	require.Len(t, products, 1)
	assert.Equal(t, int64(2), products[0].ID)
}

func TestFindProductsNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		json.NewDecoder(r.Body).Decode(&req)
		if strings.Contains(req.Query, "productVariants") {
			w.Write([]byte(`{"errors":[{"message":"throttled"}]}`))
			return
		}
		w.Write([]byte(`{"data":{"products":{"pageInfo":{"hasNextPage":false},"edges":[]}}}`))
	})

	_, err := client.FindProducts(context.Background(), []string{"NOPE"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = client.FindProducts(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddImageAttachment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/admin/api/2025-01/products/42/images.json", r.URL.Path)

		var body struct {
			Image struct {
				Attachment string `json:"attachment"`
				Filename   string `json:"filename"`
				Alt        string `json:"alt"`
			} `json:"image"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		data, err := base64.StdEncoding.DecodeString(body.Image.Attachment)
		require.NoError(t, err)
		assert.Equal(t, "jpegbytes", string(data))
		assert.Equal(t, "ABC123_1.jpg", body.Image.Filename)
		assert.Len(t, body.Image.Alt, 255)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"image":{"id":987}}`))
	})

	id, err := client.AddImageAttachment(context.Background(), 42, []byte("jpegbytes"), "ABC123_1.jpg", strings.Repeat("a", 300))
	require.NoError(t, err)
	assert.Equal(t, int64(987), id)
}

func TestUpdateDescription(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/admin/api/2025-01/products/42.json", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"product":{"id":42,"body_html":"<p>ciao</p>"}}`, string(body))
		w.Write([]byte(`{}`))
	})
	require.NoError(t, client.UpdateDescription(context.Background(), 42, "<p>ciao</p>"))

	failing := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	assert.Error(t, failing.UpdateDescription(context.Background(), 42, "<p>ciao</p>"))
}

func TestSetMetafieldCreates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/api/2025-01/metafields.json", r.URL.Path)
		var body struct {
			Metafield map[string]any `json:"metafield"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "custom", body.Metafield["namespace"])
		assert.Equal(t, "magic_prompt", body.Metafield["key"])
		assert.Equal(t, "single_line_text_field", body.Metafield["type"])
		assert.Equal(t, "product", body.Metafield["owner_resource"])
		assert.EqualValues(t, 42, body.Metafield["owner_id"])
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"metafield":{"id":1}}`))
	})
	require.NoError(t, client.SetMetafield(context.Background(), 42, "custom", "magic_prompt", "descrivi"))
}

func TestSetMetafieldUpdatesExisting(t *testing.T) {
	var mutated bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/metafields.json") {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"errors":{"key":["must be unique"]}}`))
			return
		}
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "metafieldsSet")
		fields := req.Variables["metafields"].([]any)
		field := fields[0].(map[string]any)
		assert.Equal(t, "gid://shopify/Product/42", field["ownerId"])
		assert.Equal(t, "nuovo", field["value"])
		mutated = true
		w.Write([]byte(`{"data":{"metafieldsSet":{"userErrors":[]}}}`))
	})

	require.NoError(t, client.SetMetafield(context.Background(), 42, "custom", "magic_prompt", "nuovo"))
	assert.True(t, mutated)
}

func TestSetMetafieldUserErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/metafields.json") {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.Write([]byte(`{"data":{"metafieldsSet":{"userErrors":[{"message":"invalid value"}]}}}`))
	})
	err := client.SetMetafield(context.Background(), 42, "custom", "magic_prompt", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid value")
}
