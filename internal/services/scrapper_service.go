package services

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"muse-ai-pipeline/internal/config"
	"muse-ai-pipeline/internal/models"
	"muse-ai-pipeline/internal/pkg/logger"
)

// ScraperService optionally enriches the top news items with article body
// text before the draft stage, so the draft agent sees more than the
// one-line summaries the news agent returned.
//
// Enrichment is strictly best-effort and shape-preserving: it never adds,
// drops, or reorders items, and a failed scrape leaves the item untouched.
type ScraperService struct {
	collector   *colly.Collector
	logger      *logger.Logger
	config      config.ScraperConfig
	rateLimiter chan struct{}
	mu          sync.Mutex
	userAgents  []string
	uaIndex     int
}

type scrapedArticle struct {
	URL         string
	Title       string
	Body        string
	Description string
}

func NewScraperService(cfg config.ScraperConfig, log *logger.Logger) (*ScraperService, error) {
	collector := colly.NewCollector(
		colly.UserAgent("Muse-AI-Pipeline/1.0 (+https://muse-ai.dev/bot)"),
		colly.AllowedDomains(), // allow all domains
	)

	parallelism := cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}

	collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: parallelism,
		Delay:       cfg.Delay,
	})

	collector.SetRequestTimeout(cfg.Timeout)

	userAgents := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/120.0",
		"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/120.0",
	}

	service := &ScraperService{
		collector:   collector,
		logger:      log,
		config:      cfg,
		rateLimiter: make(chan struct{}, parallelism),
		userAgents:  userAgents,
	}

	log.Info("scraper service initialized",
		"parallelism", parallelism,
		"delay", cfg.Delay.String(),
		"timeout", cfg.Timeout.String(),
		"max_body_chars", cfg.MaxBodyChars)

	return service, nil
}

// EnrichItems scrapes each item's URL and, where a substantial article body
// is found, replaces the item's summary with a body excerpt. The returned
// slice has the same length and order as the input.
func (service *ScraperService) EnrichItems(ctx context.Context, items []models.NewsItem) []models.NewsItem {
	if len(items) == 0 {
		return items
	}

	startTime := time.Now()
	enriched := append([]models.NewsItem(nil), items...)

	var wg sync.WaitGroup
	var enrichedCount int
	var mu sync.Mutex

	for i := range enriched {
		if enriched[i].URL == "" {
			continue
		}

		wg.Add(1)
		go func(index int) {
			defer wg.Done()

			article, err := service.scrapeArticle(ctx, enriched[index].URL)
			if err != nil {
				service.logger.Debug("article enrichment skipped",
					"url", enriched[index].URL,
					"error", err.Error())
				return
			}

			body := article.Body
			if body == "" {
				body = article.Description
			}
			if len(body) <= len(enriched[index].Summary) {
				return
			}

			mu.Lock()
			enriched[index].Summary = body
			enrichedCount++
			mu.Unlock()
		}(i)
	}

	wg.Wait()

	service.logger.LogService("scraper", "enrich_items", time.Since(startTime), logger.Fields{
		"items":    len(items),
		"enriched": enrichedCount,
	}, nil)

	return enriched
}

func (service *ScraperService) scrapeArticle(ctx context.Context, targetURL string) (*scrapedArticle, error) {
	if targetURL == "" {
		return nil, fmt.Errorf("target URL cannot be empty")
	}

	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("target URL parsing failed: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s", parsedURL.Scheme)
	}

	select {
	case service.rateLimiter <- struct{}{}:
		defer func() { <-service.rateLimiter }()
	case <-ctx.Done():
		return nil, fmt.Errorf("rate limiter wait cancelled: %w", ctx.Err())
	}

	article := &scrapedArticle{URL: targetURL}
	var scrapeErr error

	c := service.collector.Clone()

	c.OnRequest(func(r *colly.Request) {
		service.mu.Lock()
		userAgent := service.userAgents[service.uaIndex]
		service.uaIndex = (service.uaIndex + 1) % len(service.userAgents)
		service.mu.Unlock()

		r.Headers.Set("User-Agent", userAgent)
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		article.Title = service.extractTitle(e)
		article.Body = service.extractArticleBody(e)
		article.Description = service.extractDescription(e)
	})

	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		scrapeErr = fmt.Errorf("scrape failed (HTTP %d): %w", status, err)
	})

	done := make(chan struct{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				scrapeErr = fmt.Errorf("scraper panic: %v", r)
			}
			select {
			case done <- struct{}{}:
			default:
			}
		}()

		if err := c.Visit(targetURL); err != nil {
			scrapeErr = err
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("scrape cancelled: %w", ctx.Err())
	}

	if scrapeErr != nil {
		return nil, scrapeErr
	}

	article.Body = service.truncateBody(service.cleanContent(article.Body))
	article.Description = service.cleanContent(article.Description)
	article.Title = strings.TrimSpace(article.Title)

	if article.Body == "" && article.Description == "" {
		return nil, fmt.Errorf("no usable content at %s", targetURL)
	}
	return article, nil
}

// extractArticleBody walks the visible body text, skipping chrome tags, and
// falls back to bare paragraphs when the walk finds too little.
func (service *ScraperService) extractArticleBody(e *colly.HTMLElement) string {
	var texts []string
	skipTags := map[string]bool{"script": true, "style": true, "nav": true, "footer": true, "header": true, "noscript": true}

	e.DOM.Find("body *").Each(func(_ int, s *goquery.Selection) {
		tag := strings.ToLower(goquery.NodeName(s))
		if skipTags[tag] {
			return
		}
		text := strings.TrimSpace(s.Text())
		if len(text) > 30 {
			texts = append(texts, text)
		}
	})

	combined := service.cleanContent(strings.Join(texts, "\n\n"))
	if len(combined) > 200 {
		return combined
	}

	paragraphs := e.ChildTexts("p")
	if len(paragraphs) > 2 {
		combined = service.cleanContent(strings.Join(paragraphs, "\n\n"))
		if len(combined) > 200 {
			return combined
		}
	}

	return ""
}

func (service *ScraperService) extractTitle(e *colly.HTMLElement) string {
	selectors := []string{
		"article h1", "h1.article-title", "h1.entry-title", "h1.post-title",
		".article-header h1", ".post-header h1",
		"h1", "[itemprop='headline']",
	}

	for _, sel := range selectors {
		if title := e.ChildText(sel); strings.TrimSpace(title) != "" {
			return strings.TrimSpace(title)
		}
	}

	return strings.TrimSpace(e.ChildText("title"))
}

func (service *ScraperService) extractDescription(e *colly.HTMLElement) string {
	metaSelectors := []string{
		"meta[name='description']", "meta[property='og:description']",
		"meta[name='twitter:description']",
	}

	for _, sel := range metaSelectors {
		if desc := e.ChildAttr(sel, "content"); strings.TrimSpace(desc) != "" {
			return strings.TrimSpace(desc)
		}
	}

	return strings.TrimSpace(e.ChildText("article p:first-of-type"))
}

func (service *ScraperService) cleanContent(content string) string {
	if content == "" {
		return content
	}

	content = regexp.MustCompile(`\s+`).ReplaceAllString(content, " ")

	unwantedPatterns := []string{
		`(?i)javascript:void\(0\)`,
		`(?i)advertisement`,
		`(?i)subscribe to.*newsletter`,
		`(?i)follow us on`,
		`(?i)share this article`,
	}
	for _, pattern := range unwantedPatterns {
		content = regexp.MustCompile(pattern).ReplaceAllString(content, "")
	}

	return strings.TrimSpace(content)
}

func (service *ScraperService) truncateBody(body string) string {
	if service.config.MaxBodyChars > 0 && len(body) > service.config.MaxBodyChars {
		return body[:service.config.MaxBodyChars] + "..."
	}
	return body
}

func (service *ScraperService) HealthCheck(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	article, err := service.scrapeArticle(testCtx, "https://httpbin.org/html")
	if err != nil {
		return fmt.Errorf("health check scrape failed: %w", err)
	}
	if article.Body == "" && article.Description == "" {
		return fmt.Errorf("health check scrape returned no content")
	}
	return nil
}
