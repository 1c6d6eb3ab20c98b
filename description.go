package autofill

import (
	"context"

	"github.com/docutag/autofill/describe"
	"github.com/docutag/autofill/evidence"
	"github.com/docutag/autofill/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DescriptionQueries returns the web queries used to find a description source
func DescriptionQueries(q models.ProductQuery) []string {
	if q.SearchCode == "" {
		return nil
	}
	return []string{
		quote(q.SearchCode),
		joinWords(q.Vendor, q.SearchCode),
		joinWords(q.Title, q.SearchCode),
	}
}

// SourceDescription selects the first web page that is confident evidence
// for q and carries enough product fields, and renders the description from
// it. A zero Confidence and empty HTML mean no page qualified.
func (c *Curator) SourceDescription(ctx context.Context, q models.ProductQuery) *models.DescriptionResult {
	ctx, span := tracer.Start(ctx, "curator.SourceDescription", trace.WithAttributes(
		attribute.Int64("product_id", q.ProductID),
		attribute.String("code", q.SearchCode),
	))
	defer span.End()

	result := &models.DescriptionResult{}
	if c.web == nil {
		return result
	}

	for _, query := range DescriptionQueries(q) {
		c.metrics.SearchQueries.WithLabelValues("web").Inc()
		for _, hit := range c.web.SearchWeb(ctx, query) {
			link := hit.ContextURL
			if link == "" || c.scorer.Blacklisted(evidence.Domain(link)) {
				continue
			}

			body := c.fetcher.Page(ctx, link)
			if body == "" {
				c.metrics.PageFetches.WithLabelValues("empty").Inc()
				continue
			}
			c.metrics.PageFetches.WithLabelValues("ok").Inc()

			page := c.extractor.Extract(body, link)
			score := c.scorer.ScorePage(q, q.SearchCode, page)
			c.metrics.PageConfidence.Observe(score.Value)

			fields := descriptionFields(q, page)
			c.logger.Debug().
				Str("page", link).
				Float64("confidence", score.Value).
				Int("fields", fields).
				Msg("description source scored")

			if score.Value < c.config.DescConfidenceThreshold || fields < c.config.MinFieldsForDesc {
				continue
			}

			result.HTML = describe.Build(describe.Input{
				Title:         q.Title,
				Vendor:        q.Vendor,
				ProductType:   q.ProductType,
				Code:          q.SearchCode,
				ColorOverride: q.ColorPreference,
				Evidence:      page,
			})
			result.SourceURL = link
			result.Confidence = score.Value
			result.Evidence = page
			span.SetAttributes(attribute.String("source", link))
			return result
		}
	}
	return result
}

// descriptionFields counts the color and material facts available for q
func descriptionFields(q models.ProductQuery, page *models.EvidencePage) int {
	fields := 0
	if _, ok := page.EffectiveColor(); ok || q.ColorPreference != "" {
		fields++
	}
	if _, ok := page.EffectiveMaterial(); ok {
		fields++
	}
	return fields
}
