// Package scrape implements depth-1 link expansion: URLs found in
// ingested documents are fetched, reduced to their main content and
// converted to markdown virtual documents.
//
// Scraping is strictly best-effort. A page that cannot be fetched,
// parsed or yields too little text is dropped silently; a broken link
// in a document must never fail the document's own ingestion.
package scrape

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"
)

// DefaultUserAgent identifies the crawler to scraped sites.
const DefaultUserAgent = "Mozilla/5.0 (compatible; SageBot/1.0; +https://github.com/sagehq/sage)"

// DefaultMinContentLength drops pages whose markdown is shorter than
// this; navigation shells and cookie walls produce nothing useful.
const DefaultMinContentLength = 100

// noiseSelector matches elements stripped before content extraction.
const noiseSelector = "script, style, iframe, noscript, nav, footer, header, form, .cookie-consent, .ads"

// urlPattern matches http and https URLs embedded in document text.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// URLValidator screens fetch targets. Production passes
// *security.HTTP; tests substitute a permissive validator.
type URLValidator interface {
	ValidateURL(urlStr string) error
}

// Config holds fetch behavior.
type Config struct {
	// Parallelism is max concurrent requests per domain.
	Parallelism int
	// Delay is the pause between requests to one domain.
	Delay time.Duration
	// Timeout bounds a single page fetch.
	Timeout time.Duration
	// MinContentLength drops shorter markdown results.
	MinContentLength int
	// UserAgent overrides DefaultUserAgent when non-empty.
	UserAgent string
}

// Scraper fetches external pages and converts them to markdown.
// Safe for concurrent use; each fetch runs on a collector clone.
type Scraper struct {
	cfg       Config
	validator URLValidator
	base      *colly.Collector
	logger    *slog.Logger
}

// New creates a Scraper. logger may be nil.
func New(cfg Config, validator URLValidator, logger *slog.Logger) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinContentLength == 0 {
		cfg.MinContentLength = DefaultMinContentLength
	}

	base := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	base.SetRequestTimeout(cfg.Timeout)
	_ = base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
	})

	return &Scraper{
		cfg:       cfg,
		validator: validator,
		base:      base,
		logger:    logger,
	}
}

// Scrape fetches a page and returns its main content as markdown.
// Returns "" whenever the page is unusable; the caller treats that as
// "no virtual document".
func (s *Scraper) Scrape(ctx context.Context, rawURL string) string {
	if ctx.Err() != nil {
		return ""
	}

	if err := s.validator.ValidateURL(rawURL); err != nil {
		s.logger.Debug("scrape target rejected", "url", rawURL, "error", err)
		return ""
	}

	body, ok := s.fetch(ctx, rawURL)
	if !ok {
		return ""
	}

	markdown := s.toMarkdown(body, rawURL)
	if len(markdown) < s.cfg.MinContentLength {
		s.logger.Debug("scraped content too short, dropping",
			"url", rawURL, "length", len(markdown))
		return ""
	}

	s.logger.Debug("page scraped", "url", rawURL, "markdown_chars", len(markdown))
	return markdown
}

// fetch downloads a page body. Callbacks are registered on a clone so
// concurrent fetches do not share response state; the clone carries
// ctx so cancellation aborts an in-flight request.
func (s *Scraper) fetch(ctx context.Context, rawURL string) ([]byte, bool) {
	c := s.base.Clone()
	c.Context = ctx

	var body []byte
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		s.logger.Debug("scrape fetch failed", "url", rawURL, "error", err)
	})

	if err := c.Visit(rawURL); err != nil {
		s.logger.Debug("scrape visit failed", "url", rawURL, "error", err)
		return nil, false
	}
	c.Wait()

	if len(body) == 0 {
		return nil, false
	}
	return body, true
}

// toMarkdown strips noise, isolates the main content region and
// converts it to markdown. Returns "" when nothing usable remains.
func (s *Scraper) toMarkdown(body []byte, rawURL string) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		s.logger.Debug("scraped page is not parseable HTML", "url", rawURL, "error", err)
		return ""
	}

	doc.Find(noiseSelector).Remove()

	contentHTML := s.mainContent(doc, rawURL)
	if contentHTML == "" {
		return ""
	}

	markdown, err := htmltomarkdown.ConvertString(contentHTML)
	if err != nil {
		s.logger.Debug("markdown conversion failed", "url", rawURL, "error", err)
		return ""
	}

	return strings.TrimSpace(markdown)
}

// mainContent extracts the article region of the cleaned document.
// Readability first; when it finds nothing, fall back to the main/
// article landmarks, then the whole body.
func (s *Scraper) mainContent(doc *goquery.Document, rawURL string) string {
	cleaned, err := doc.Html()
	if err == nil {
		pageURL, urlErr := url.Parse(rawURL)
		if urlErr == nil {
			article, readErr := readability.FromReader(strings.NewReader(cleaned), pageURL)
			if readErr == nil && strings.TrimSpace(article.Content) != "" {
				return article.Content
			}
		}
	}

	for _, selector := range []string{"main", "article", "body"} {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if html, err := sel.Html(); err == nil && strings.TrimSpace(html) != "" {
			return html
		}
	}

	return ""
}

// FindURLs returns the unique absolute URLs embedded in text, in order
// of first appearance. Trailing punctuation that commonly follows a
// link in prose is stripped.
func FindURLs(text string) []string {
	raw := urlPattern.FindAllString(text, -1)
	if len(raw) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(raw))
	var urls []string
	for _, u := range raw {
		u = strings.TrimRight(u, ".,;:!?)]}")
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}

// IsSourceSystemURL reports whether a URL points back into the source
// document system. Those links are internal documents, not external
// pages, and are excluded from link expansion.
func IsSourceSystemURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == "drive.google.com" || host == "docs.google.com"
}
