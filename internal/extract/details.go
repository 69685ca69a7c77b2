package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/specscraper/internal/crawler"
	"github.com/JakeFAU/specscraper/internal/frontier"
	"github.com/JakeFAU/specscraper/internal/output"
)

// Detail columns. Section columns hold JSON objects, ColGallery a JSON array.
const (
	ColPrice        = "price"
	ColLaunchDate   = "launch_date"
	ColResume       = "resume"
	ColDimensions   = "dimensions"
	ColWeight       = "weight"
	ColHabitability = "habitability"
	ColTires        = "tires"
	ColEngine       = "engine"
	ColTransmission = "transmission"
	ColTechnical    = "technical"
	ColPerformance  = "performance"
	ColConsumption  = "consumption"
	ColGallery      = "gallery"
)

// DetailSections lists the JSON object columns in output order.
var DetailSections = []string{
	ColResume, ColDimensions, ColWeight, ColHabitability, ColTires,
	ColEngine, ColTransmission, ColTechnical, ColPerformance, ColConsumption,
}

// panel-dimPoids headings, lower-cased, to their column.
var dimPanels = map[string]string{
	"dimensions":   ColDimensions,
	"poids":        ColWeight,
	"habitabilité": ColHabitability,
	"pneumatiques": ColTires,
}

// Details reads a version's full technical sheet into one record.
type Details struct {
	baseURL string
}

func detailsSchema(opts Options) output.Schema {
	columns := []string{output.IDColumn, ColURL, ColMake, ColModel, ColYear, ColVehicle, ColPrice, ColLaunchDate}
	columns = append(columns, DetailSections...)
	columns = append(columns, ColGallery, output.FolderColumn)
	return output.Schema{
		Name:          string(KindDetails),
		Columns:       columns,
		KeyColumn:     ColURL,
		Sections:      DetailSections,
		Folder:        output.VersionFolder(opts.FolderRoot, ColMake, ColYear, ColVehicle),
		SectionFolder: output.ModelSectionFolder(opts.FolderRoot, ColMake),
	}
}

// Extract implements crawler.Extractor. A page without the title bar yields
// no record.
func (d *Details) Extract(_ context.Context, _ crawler.Fetcher, item frontier.WorkItem, page crawler.Page) ([]crawler.Record, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	header := doc.Find("div.title-bar.clearfix").First()
	if header.Length() == 0 {
		return nil, nil
	}

	rec := crawler.Record{
		ColURL:        item.Link,
		ColMake:       item.Attr(ColMake),
		ColModel:      item.Attr(ColModel),
		ColYear:       item.Attr(ColYear),
		ColVehicle:    text(header.Find("span.libelle-vehicule").First()),
		ColPrice:      text(header.Find("div.prix").First()),
		ColLaunchDate: text(header.Find("span.date-lancement").First()),
	}

	sections := map[string]map[string]string{
		ColResume: infoLines(doc.Find("div#resume").First(), true),
	}
	doc.Find("div.panel-dimPoids").Each(func(_ int, panel *goquery.Selection) {
		title := strings.ToLower(text(panel.Find("h3.sous-titre").First()))
		if col, ok := dimPanels[title]; ok {
			sections[col] = infoLines(panel, true)
		}
	})
	for heading, col := range map[string]string{"Moteur": ColEngine, "Transmission": ColTransmission, "Technique": ColTechnical} {
		if block := blockAfter(doc.Selection, "h3.sous-titre", heading); block != nil {
			sections[col] = infoLines(block, false)
		}
	}
	if collapse := doc.Find("div.panel-heading#titre-pc").First().NextAllFiltered("div.panel-collapse").First(); collapse.Length() > 0 {
		if block := blockAfter(collapse, "h3", "Performances"); block != nil {
			sections[ColPerformance] = infoLines(block, false)
		}
		if block := blockAfter(collapse, "h3", "Consommations"); block != nil {
			sections[ColConsumption] = infoLines(block, false)
		}
	}

	for _, col := range DetailSections {
		fields, ok := sections[col]
		if !ok {
			continue
		}
		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", col, err)
		}
		rec[col] = string(encoded)
	}

	gallery := []string{}
	doc.Find("div.galerieFT img[src]").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		if link, err := crawler.ResolveLink(d.baseURL, src); err == nil && link != "" {
			gallery = append(gallery, link)
		}
	})
	encoded, err := json.Marshal(gallery)
	if err != nil {
		return nil, fmt.Errorf("encode gallery: %w", err)
	}
	rec[ColGallery] = string(encoded)

	return []crawler.Record{rec}, nil
}

// infoLines reads the label/value pairs of a block. Missing values read "-".
func infoLines(block *goquery.Selection, lowerLabels bool) map[string]string {
	fields := make(map[string]string)
	block.Find("div.ligneInfo").Each(func(_ int, line *goquery.Selection) {
		label := text(line.Find("span.labelInfo").First())
		if label == "" {
			return
		}
		if lowerLabels {
			label = strings.ToLower(label)
		}
		value := "-"
		if v := line.Find("span.valeur").First(); v.Length() > 0 {
			value = text(v)
		}
		fields[NormalizeLabel(label)] = value
	})
	return fields
}

// blockAfter returns the first div.conteneur-infosFT that follows, in
// document order, the heading matching selector whose text is title.
func blockAfter(scope *goquery.Selection, selector, title string) *goquery.Selection {
	seen := false
	var found *goquery.Selection
	scope.Find(selector + ", div.conteneur-infosFT").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Is("div.conteneur-infosFT") {
			if seen {
				found = s
				return false
			}
			return true
		}
		if text(s) == title {
			seen = true
		}
		return true
	})
	return found
}
