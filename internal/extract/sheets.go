package extract

import (
	"context"
	"fmt"
	"regexp"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/frontier"
	"github.com/JakeFAU/specscraper/internal/output"
)

var makeFromPath = regexp.MustCompile(`/fiche-technique/([^/]+)/`)

// Sheets follows a model page's "all technical sheets" link and lists one
// row per model year.
type Sheets struct {
	baseURL string
}

func sheetsSchema(opts Options) output.Schema {
	return output.Schema{
		Name:      string(KindSheets),
		Columns:   []string{output.IDColumn, ColLabel, ColMake, ColModel, ColLink, ColYear, output.FolderColumn},
		KeyColumn: ColLink,
		Folder:    output.ListingFolder(opts.FolderRoot, ColMake, ColModel),
	}
}

// Extract implements crawler.Extractor. A model page without the sheets link
// yields no records.
func (s *Sheets) Extract(ctx context.Context, fetcher crawler.Fetcher, item frontier.WorkItem, page crawler.Page) ([]crawler.Record, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	href, ok := doc.Find("section.stacking-block.section-fiches-techniques a.lien-tout").First().Attr("href")
	if !ok {
		return nil, nil
	}
	allSheets, err := crawler.ResolveLink(s.baseURL, href)
	if err != nil || allSheets == "" {
		return nil, nil
	}

	listing, err := fetcher.Fetch(ctx, allSheets)
	if err != nil {
		return nil, fmt.Errorf("fetch sheets list %s: %w", allSheets, err)
	}
	list, err := parse(listing)
	if err != nil {
		return nil, err
	}

	brand := item.Attr(ColMake)
	if m := makeFromPath.FindStringSubmatch(allSheets); m != nil {
		brand = m[1]
	}
	model := item.Attr(ColModel)

	var records []crawler.Record
	list.Find("ul.liste-millesimes li a.item").Each(func(_ int, a *goquery.Selection) {
		label := text(a.Find("span.libelle").First())
		href, _ := a.Attr("href")
		link, err := crawler.ResolveLink(s.baseURL, href)
		if err != nil || link == "" || label == "" {
			return
		}
		records = append(records, crawler.Record{
			ColLabel: label,
			ColMake:  brand,
			ColModel: model,
			ColLink:  link,
			ColYear:  yearOf(label),
		})
	})
	return records, nil
}
