package crawler

import (
	"context"
	"fmt"
)

// guardedFetcher paces every request, turns challenge pages into ErrBlocked
// and other non-2xx responses into ErrHTTPStatus. It serves both the item
// fetch and any follow-up fetch an extractor makes.
type guardedFetcher struct {
	inner    Fetcher
	detector BlockDetector
	pacer    Pacer
	blocked  *Page
}

func (g *guardedFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	if g.pacer != nil {
		if err := g.pacer.Wait(ctx, url); err != nil {
			return Page{}, fmt.Errorf("pace %s: %w", url, err)
		}
	}
	page, err := g.inner.Fetch(ctx, url)
	if err != nil {
		return page, err
	}
	if g.detector.IsBlocked(page) {
		blocked := page
		g.blocked = &blocked
		return page, fmt.Errorf("fetch %s: %w", url, ErrBlocked)
	}
	if !page.Succeeded() {
		return page, fmt.Errorf("fetch %s: status %d: %w", url, page.StatusCode, ErrHTTPStatus)
	}
	return page, nil
}

func (g *guardedFetcher) lastBlocked() *Page {
	return g.blocked
}
