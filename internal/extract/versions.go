package extract

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/frontier"
	"github.com/JakeFAU/specscraper/internal/output"
)

// Version table columns.
const (
	ColVersion     = "version"
	ColBody        = "body"
	ColEnergy      = "energy"
	ColGearbox     = "gearbox"
	ColFiscalPower = "fiscal_power"
)

var yearFromLink = regexp.MustCompile(`/(\d{4})\.html`)

// Versions reads the versions table of a model-year sheet.
type Versions struct {
	baseURL string
	now     func() time.Time
}

func versionsSchema(opts Options) output.Schema {
	return output.Schema{
		Name: string(KindVersions),
		Columns: []string{
			output.IDColumn, ColVersion, ColBody, ColEnergy, ColGearbox, ColFiscalPower,
			ColURL, ColYear, ColMake, ColModel, output.FolderColumn,
		},
		KeyColumn: ColURL,
		Folder:    output.ListingFolder(opts.FolderRoot, ColMake, ColModel),
	}
}

// Extract implements crawler.Extractor. A page without the versions table
// yields no records.
func (v *Versions) Extract(_ context.Context, _ crawler.Fetcher, item frontier.WorkItem, page crawler.Page) ([]crawler.Record, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	table := doc.Find("table#listeVersions").First()
	if table.Length() == 0 {
		return nil, nil
	}

	year := strconv.Itoa(v.now().Year())
	if m := yearFromLink.FindStringSubmatch(item.Link); m != nil {
		year = m[1]
	}

	var records []crawler.Record
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}
		cols := row.Find("td")
		if cols.Length() < 5 {
			return
		}
		first := cols.Eq(0)
		href, _ := first.Find("a").First().Attr("href")
		link, err := crawler.ResolveLink(v.baseURL, href)
		if err != nil || link == "" {
			return
		}
		records = append(records, crawler.Record{
			ColVersion:     text(first),
			ColBody:        text(cols.Eq(1)),
			ColEnergy:      text(cols.Eq(2)),
			ColGearbox:     text(cols.Eq(3)),
			ColFiscalPower: text(cols.Eq(4)),
			ColURL:         link,
			ColYear:        year,
			ColMake:        item.Attr(ColMake),
			ColModel:       item.Attr(ColModel),
		})
	})
	return records, nil
}
