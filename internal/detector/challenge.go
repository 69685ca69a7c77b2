// Package detector recognizes anti-bot challenge pages.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/specscraper/internal/crawler"
)

// DefaultIframePrefix is the DataDome CAPTCHA frame source.
const DefaultIframePrefix = "https://geo.captcha-delivery.com/captcha/"

// Config tunes the challenge detector.
type Config struct {
	// IframePrefixes flag a page embedding an iframe whose src starts with
	// any of them.
	IframePrefixes []string `mapstructure:"iframe_prefixes"`
	// Markers flag a page whose body contains any of them (case-insensitive).
	Markers []string `mapstructure:"markers"`
	// StatusCodes flag a page by HTTP status alone.
	StatusCodes []int `mapstructure:"status_codes"`
}

// Challenge implements crawler.BlockDetector.
type Challenge struct {
	prefixes []string
	markers  [][]byte
	statuses map[int]struct{}
}

var _ crawler.BlockDetector = (*Challenge)(nil)

// New creates a detector. An empty config falls back to DefaultIframePrefix.
func New(cfg Config) *Challenge {
	c := &Challenge{statuses: make(map[int]struct{}, len(cfg.StatusCodes))}
	for _, p := range cfg.IframePrefixes {
		if p = strings.TrimSpace(p); p != "" {
			c.prefixes = append(c.prefixes, p)
		}
	}
	for _, m := range cfg.Markers {
		if m = strings.TrimSpace(m); m != "" {
			c.markers = append(c.markers, bytes.ToLower([]byte(m)))
		}
	}
	for _, code := range cfg.StatusCodes {
		c.statuses[code] = struct{}{}
	}
	if len(c.prefixes) == 0 && len(c.markers) == 0 && len(c.statuses) == 0 {
		c.prefixes = []string{DefaultIframePrefix}
	}
	return c
}

// IsBlocked reports whether page is a challenge instead of content.
func (c *Challenge) IsBlocked(page crawler.Page) bool {
	if _, ok := c.statuses[page.StatusCode]; ok {
		return true
	}
	if len(page.Body) == 0 {
		return false
	}
	if c.containsMarker(page.Body) {
		return true
	}
	return c.hasChallengeFrame(page.Body)
}

func (c *Challenge) containsMarker(body []byte) bool {
	if len(c.markers) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, m := range c.markers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

func (c *Challenge) hasChallengeFrame(body []byte) bool {
	if len(c.prefixes) == 0 || !bytes.Contains(bytes.ToLower(body), []byte("<iframe")) {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	found := false
	doc.Find("iframe[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		for _, p := range c.prefixes {
			if strings.HasPrefix(src, p) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}
