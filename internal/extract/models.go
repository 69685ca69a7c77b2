package extract

import (
	"context"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/frontier"
	"github.com/JakeFAU/specscraper/internal/output"
)

// Models reads a make's catalogue page into one row per model.
type Models struct {
	baseURL string
}

func modelsSchema(opts Options) output.Schema {
	return output.Schema{
		Name:      string(KindModels),
		Columns:   []string{output.IDColumn, ColURL, ColMake, ColModel, ColTitle, output.FolderColumn},
		KeyColumn: ColURL,
		Folder:    output.ListingFolder(opts.FolderRoot, ColMake, ColModel),
	}
}

// Extract implements crawler.Extractor.
func (m *Models) Extract(_ context.Context, _ crawler.Fetcher, item frontier.WorkItem, page crawler.Page) ([]crawler.Record, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	var records []crawler.Record
	doc.Find("a.product-wrap").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, err := crawler.ResolveLink(m.baseURL, href)
		if err != nil || link == "" {
			return
		}
		brand := s.AttrOr("data-make", item.Attr(ColMake))
		records = append(records, crawler.Record{
			ColURL:   link,
			ColMake:  brand,
			ColModel: s.AttrOr("data-model", ""),
			ColTitle: text(s.Find("span.product-title").First()),
		})
	})
	return records, nil
}
