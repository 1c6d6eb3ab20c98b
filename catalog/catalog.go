// Package catalog is the Shopify Admin API client used to select draft
// products and write images, descriptions and metafields back.
package catalog

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docutag/autofill/skucode"
	"github.com/go-resty/resty/v2"
	"github.com/lithammer/dedent"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotFound is returned when no product matches the requested terms
var ErrNotFound = errors.New("no matching products")

// Config contains Shopify client configuration
type Config struct {
	StoreDomain string
	APIVersion  string
	AdminToken  string
	BaseURL     string // Overrides https://<StoreDomain>
	Timeout     time.Duration
	ScanPages   int // Draft pages scanned when variant search finds nothing
	PageSize    int
}

// DefaultConfig returns default Shopify client configuration
func DefaultConfig() Config {
	return Config{
		APIVersion: "2025-01",
		Timeout:    30 * time.Second,
		ScanPages:  6,
		PageSize:   50,
	}
}

// Client talks to the Shopify Admin REST and GraphQL APIs
type Client struct {
	config     Config
	httpClient *resty.Client
	logger     zerolog.Logger
}

// New creates a new Client
func New(config Config, logger zerolog.Logger) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://" + config.StoreDomain
	}
	if config.PageSize <= 0 {
		config.PageSize = 50
	}

	return &Client{
		config: config,
		httpClient: resty.New().
			SetDebug(false).
			SetBaseURL(baseURL+"/admin/api/"+config.APIVersion).
			SetTimeout(config.Timeout).
			SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
			SetHeaders(map[string]string{
				"X-Shopify-Access-Token": config.AdminToken,
				"Content-Type":           "application/json",
				"Accept":                 "application/json",
			}),
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

func (c *Client) req(ctx context.Context, result any) *resty.Request {
	request := c.httpClient.NewRequest().SetContext(ctx).ForceContentType("application/json")
	if result != nil {
		request.SetResult(result)
	}
	return request
}

// handleError turns failing responses (>399 status code) into errors
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}
	return res, nil
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	result := &graphQLResponse{}
	_, err := handleError(c.req(ctx, result).
		SetBody(map[string]any{"query": strings.TrimSpace(dedent.Dedent(query)), "variables": variables}).
		Post("/graphql.json"))
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("failed to decode graphql data: %w", err)
	}
	return nil
}

const productFields = `
	id title vendor productType handle status bodyHtml tags
	images(first:1){ edges{ node{ id } } }
	variants(first:100){ edges{ node{ id sku barcode title selectedOptions{ name value } } } }
`

var variantsQuery = `
	query($first:Int!, $query:String!){
	  productVariants(first:$first, query:$query){
	    edges{ node{ id sku product{ ` + productFields + ` } } }
	  }
	}
`

var draftProductsQuery = `
	query($first:Int!, $after:String){
	  products(first:$first, after:$after, query:"status:draft"){
	    pageInfo{ hasNextPage endCursor }
	    edges{ node{ ` + productFields + ` } }
	  }
	}
`

type productNode struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Vendor      string   `json:"vendor"`
	ProductType string   `json:"productType"`
	Handle      string   `json:"handle"`
	Status      string   `json:"status"`
	BodyHTML    string   `json:"bodyHtml"`
	Tags        []string `json:"tags"`
	Images      struct {
		Edges []struct {
			Node struct {
				ID string `json:"id"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"images"`
	Variants struct {
		Edges []struct {
			Node struct {
				ID              string   `json:"id"`
				SKU             string   `json:"sku"`
				Barcode         string   `json:"barcode"`
				Title           string   `json:"title"`
				SelectedOptions []Option `json:"selectedOptions"`
			} `json:"node"`
		} `json:"edges"`
	} `json:"variants"`
}

func (n productNode) toProduct() (Product, error) {
	id, err := ProductIDFromGID(n.ID)
	if err != nil {
		return Product{}, err
	}
	p := Product{
		ID:          id,
		GID:         n.ID,
		Title:       strings.TrimSpace(n.Title),
		Vendor:      strings.TrimSpace(n.Vendor),
		ProductType: strings.TrimSpace(n.ProductType),
		Handle:      n.Handle,
		Status:      n.Status,
		BodyHTML:    n.BodyHTML,
		Tags:        n.Tags,
		HasImages:   len(n.Images.Edges) > 0,
	}
	for _, e := range n.Variants.Edges {
		p.Variants = append(p.Variants, Variant{
			ID:      e.Node.ID,
			SKU:     e.Node.SKU,
			Barcode: e.Node.Barcode,
			Title:   e.Node.Title,
			Options: e.Node.SelectedOptions,
		})
	}
	return p, nil
}

// FindProducts returns the products whose variants match terms, first via
// variant search and, when that finds nothing, via a scan of draft products.
// Products are de-duplicated by id in first-seen order.
func (c *Client) FindProducts(ctx context.Context, terms []string) ([]Product, error) {
	if len(terms) == 0 {
		return nil, ErrNotFound
	}

	products := c.searchVariants(ctx, terms)
	if len(products) == 0 {
		var err error
		products, err = c.scanDrafts(ctx, terms)
		if err != nil {
			return nil, err
		}
	}

	if len(products) == 0 {
		return nil, ErrNotFound
	}
	return products, nil
}

// searchVariants tries each term with progressively looser query strings.
// Query errors are logged and the next form is tried.
func (c *Client) searchVariants(ctx context.Context, terms []string) []Product {
	var out productSet

	for _, term := range terms {
		for _, qs := range []string{
			fmt.Sprintf(`product_status:draft AND sku:"%s"`, term),
			fmt.Sprintf(`sku:"%s"`, term),
			fmt.Sprintf(`sku:%s`, term),
		} {
			var data struct {
				ProductVariants struct {
					Edges []struct {
						Node struct {
							Product *productNode `json:"product"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"productVariants"`
			}
			err := c.graphql(ctx, variantsQuery, map[string]any{"first": c.config.PageSize, "query": qs}, &data)
			if err != nil {
				c.logger.Debug().Err(err).Str("query", qs).Msg("variant search failed")
				continue
			}

			edges := data.ProductVariants.Edges
			c.logger.Debug().Str("query", qs).Int("variants", len(edges)).Msg("variant search")
			for _, e := range edges {
				if e.Node.Product != nil {
					out.add(c, *e.Node.Product)
				}
			}
			if len(edges) > 0 {
				break
			}
		}
	}
	return out.products
}

func (c *Client) scanDrafts(ctx context.Context, terms []string) ([]Product, error) {
	expanded := make([]string, 0, len(terms)*2)
	for _, t := range terms {
		expanded = append(expanded, t, skucode.Root(t))
	}

	var out productSet
	var after *string
	for page := 0; page < max(c.config.ScanPages, 1); page++ {
		var data struct {
			Products struct {
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Edges []struct {
					Node productNode `json:"node"`
				} `json:"edges"`
			} `json:"products"`
		}
		vars := map[string]any{"first": c.config.PageSize, "after": after}
		if err := c.graphql(ctx, draftProductsQuery, vars, &data); err != nil {
			return nil, fmt.Errorf("failed to scan draft products: %w", err)
		}

		for _, e := range data.Products.Edges {
			for _, v := range e.Node.Variants.Edges {
				if skucode.Matches(v.Node.SKU, expanded) {
					out.add(c, e.Node)
					break
				}
			}
		}

		if !data.Products.PageInfo.HasNextPage {
			break
		}
		cursor := data.Products.PageInfo.EndCursor
		after = &cursor
	}

	c.logger.Debug().Int("matched", len(out.products)).Msg("draft scan finished")
	return out.products, nil
}

type productSet struct {
	seen     map[int64]bool
	products []Product
}

func (s *productSet) add(c *Client, n productNode) {
	p, err := n.toProduct()
	if err != nil {
		c.logger.Warn().Err(err).Msg("skipping product")
		return
	}
	if s.seen == nil {
		s.seen = make(map[int64]bool)
	}
	if s.seen[p.ID] {
		return
	}
	s.seen[p.ID] = true
	s.products = append(s.products, p)
}

// AddImageAttachment uploads image bytes as a base64 attachment and returns the new image id
func (c *Client) AddImageAttachment(ctx context.Context, productID int64, data []byte, filename, alt string) (int64, error) {
	var result struct {
		Image struct {
			ID int64 `json:"id"`
		} `json:"image"`
	}
	_, err := handleError(c.req(ctx, &result).
		SetPathParam("id", fmt.Sprint(productID)).
		SetBody(map[string]any{
			"image": map[string]any{
				"attachment": base64.StdEncoding.EncodeToString(data),
				"filename":   filename,
				"alt":        truncate(alt, 255),
			},
		}).
		Post("/products/{id}/images.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to upload image %s: %w", filename, err)
	}
	return result.Image.ID, nil
}

// UpdateDescription replaces the product body HTML
func (c *Client) UpdateDescription(ctx context.Context, productID int64, bodyHTML string) error {
	_, err := handleError(c.req(ctx, nil).
		SetPathParam("id", fmt.Sprint(productID)).
		SetBody(map[string]any{
			"product": map[string]any{"id": productID, "body_html": bodyHTML},
		}).
		Put("/products/{id}.json"))
	if err != nil {
		return fmt.Errorf("failed to update description: %w", err)
	}
	return nil
}

const metafieldsSetMutation = `
	mutation($metafields:[MetafieldsSetInput!]!){
	  metafieldsSet(metafields:$metafields){ userErrors{ field message } }
	}
`

// SetMetafield creates a single-line text product metafield. When it already
// exists (422) the value is updated through metafieldsSet.
func (c *Client) SetMetafield(ctx context.Context, productID int64, namespace, key, value string) error {
	res, err := c.req(ctx, nil).
		SetBody(map[string]any{
			"metafield": map[string]any{
				"namespace":      namespace,
				"key":            key,
				"value":          value,
				"type":           "single_line_text_field",
				"owner_resource": "product",
				"owner_id":       productID,
			},
		}).
		Post("/metafields.json")
	if err != nil {
		return fmt.Errorf("failed to create metafield: %w", err)
	}
	if res.StatusCode() != http.StatusUnprocessableEntity {
		if _, err := handleError(res, nil); err != nil {
			return fmt.Errorf("failed to create metafield: %w", err)
		}
		return nil
	}

	var data struct {
		MetafieldsSet struct {
			UserErrors []struct {
				Message string `json:"message"`
			} `json:"userErrors"`
		} `json:"metafieldsSet"`
	}
	vars := map[string]any{"metafields": []map[string]any{{
		"ownerId":   fmt.Sprintf("gid://shopify/Product/%d", productID),
		"namespace": namespace,
		"key":       key,
		"type":      "single_line_text_field",
		"value":     value,
	}}}
	if err := c.graphql(ctx, metafieldsSetMutation, vars, &data); err != nil {
		return fmt.Errorf("failed to update metafield: %w", err)
	}
	if errs := data.MetafieldsSet.UserErrors; len(errs) > 0 {
		return fmt.Errorf("failed to update metafield: %s", errs[0].Message)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
