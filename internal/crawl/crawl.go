// Package crawl fetches a page and its same-host links breadth first and
// extracts paragraph text from each.
package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	// DefaultMaxPages is the page budget for one crawl.
	DefaultMaxPages = 20
	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 8 << 20
)

// Page is the paragraph text of one crawled page and the URL it came from.
type Page struct {
	Text string
	URL  string
}

// Crawler walks same-host links breadth first.
type Crawler struct {
	client   *http.Client
	maxPages int
	logger   *zap.Logger
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithMaxPages sets the page budget. Values <= 0 keep the default.
func WithMaxPages(n int) Option {
	return func(c *Crawler) {
		if n > 0 {
			c.maxPages = n
		}
	}
}

// WithTimeout sets the per-request timeout. Values <= 0 keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Crawler) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client. Its timeout is used as is.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Crawler) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Crawler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Crawler.
func New(opts ...Option) *Crawler {
	c := &Crawler{
		client:   &http.Client{Timeout: DefaultTimeout},
		maxPages: DefaultMaxPages,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Crawl visits rawURL and the links it reaches on the same host, stopping
// after the page budget of successful fetches. Pages that fail or answer with
// a status other than 200 are skipped. Pages without paragraph text are
// counted against the budget but not returned. Only an invalid start URL or a
// cancelled context is an error.
func (c *Crawler) Crawl(ctx context.Context, rawURL string) ([]Page, error) {
	start, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if start.Scheme != "http" && start.Scheme != "https" || start.Host == "" {
		return nil, fmt.Errorf("invalid url %q: expected an absolute http(s) url", rawURL)
	}
	start.Fragment = ""

	host := start.Host
	queue := []string{start.String()}
	seen := map[string]bool{start.String(): true}
	fetched := 0
	var pages []Page

	for len(queue) > 0 && fetched < c.maxPages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := queue[0]
		queue = queue[1:]

		c.logger.Debug("crawling", zap.String("url", current))
		doc, err := c.fetch(ctx, current)
		if err != nil {
			c.logger.Warn("crawl fetch failed", zap.String("url", current), zap.Error(err))
			continue
		}
		fetched++

		if text := paragraphText(doc); strings.TrimSpace(text) != "" {
			pages = append(pages, Page{Text: text, URL: current})
		}
		if fetched >= c.maxPages {
			break
		}
		base, _ := url.Parse(current)
		for _, link := range links(doc, base) {
			if link.Host != host || seen[link.String()] {
				continue
			}
			seen[link.String()] = true
			queue = append(queue, link.String())
		}
	}
	c.logger.Info("crawl finished",
		zap.String("url", rawURL),
		zap.Int("fetched", fetched),
		zap.Int("pages", len(pages)))
	return pages, nil
}

func (c *Crawler) fetch(ctx context.Context, target string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
}

// paragraphText joins the text of every <p> element with blank lines. Text
// nodes inside one paragraph are joined with single spaces.
func paragraphText(doc *html.Node) string {
	var paragraphs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "p" {
			if text := nodeText(n); text != "" {
				paragraphs = append(paragraphs, text)
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return strings.Join(paragraphs, "\n\n")
}

func nodeText(n *html.Node) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style"):
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

// links returns the absolute http(s) targets of every <a href> in doc,
// resolved against base, without fragments.
func links(doc *html.Node, base *url.URL) []*url.URL {
	var out []*url.URL
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err != nil {
					break
				}
				abs := base.ResolveReference(ref)
				if abs.Scheme != "http" && abs.Scheme != "https" {
					break
				}
				abs.Fragment = ""
				out = append(out, abs)
				break
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return out
}
