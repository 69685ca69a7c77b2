// Package extract turns largus.fr pages into output records. Each Kind pairs
// an extractor with the output schema its records follow.
package extract

import (
	"bytes"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/output"
)

// Kind selects an extractor.
type Kind string

// Extractor kinds, one per pipeline stage.
const (
	KindModels   Kind = "models"
	KindSheets   Kind = "sheets"
	KindVersions Kind = "versions"
	KindDetails  Kind = "details"
)

// DefaultBaseURL resolves relative links when Options.BaseURL is empty.
const DefaultBaseURL = "https://www.largus.fr"

// Shared column names. The output of one stage is the frontier of the next.
const (
	ColURL     = "url"
	ColLink    = "link"
	ColMake    = "make"
	ColModel   = "model"
	ColYear    = "year"
	ColTitle   = "title"
	ColLabel   = "label"
	ColVehicle = "vehicle"
)

// Options configure an extractor.
type Options struct {
	BaseURL    string
	FolderRoot string
	// Now supplies the fallback year for version links without one.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.FolderRoot == "" {
		o.FolderRoot = "Vehicles"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New returns the extractor and output schema for kind.
func New(kind Kind, opts Options) (crawler.Extractor, output.Schema, error) {
	opts = opts.withDefaults()
	switch kind {
	case KindModels:
		return &Models{baseURL: opts.BaseURL}, modelsSchema(opts), nil
	case KindSheets:
		return &Sheets{baseURL: opts.BaseURL}, sheetsSchema(opts), nil
	case KindVersions:
		return &Versions{baseURL: opts.BaseURL, now: opts.Now}, versionsSchema(opts), nil
	case KindDetails:
		return &Details{baseURL: opts.BaseURL}, detailsSchema(opts), nil
	default:
		return nil, output.Schema{}, fmt.Errorf("unknown extractor kind %q", kind)
	}
}

func parse(page crawler.Page) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", page.URL, err)
	}
	return doc, nil
}
