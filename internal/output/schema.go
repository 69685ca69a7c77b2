// Package output appends extracted records to CSV files, decorating each row
// with a generated id and storage folder hints and never writing the same key
// twice.
package output

import (
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/JakeFAU/specscraper/internal/crawler"
)

// Decoration columns added to every row.
const (
	IDColumn     = "id"
	FolderColumn = "object_folder"
	// SectionFolderPrefix prefixes the folder key added inside JSON sections.
	SectionFolderPrefix = "object_folder_"
)

// FolderFunc derives a storage path hint from a record.
type FolderFunc func(r crawler.Record) string

// SectionFolderFunc derives the folder hint of one JSON section.
type SectionFolderFunc func(r crawler.Record, section string) string

// Schema fixes the column order and decoration of one record type.
type Schema struct {
	Name      string
	Columns   []string
	KeyColumn string
	// Sections name JSON object cells that also receive the id and a
	// section folder.
	Sections      []string
	Folder        FolderFunc
	SectionFolder SectionFolderFunc
}

// Casers are stateful, so each call builds its own.
func titleCase(s string) string { return cases.Title(language.French).String(s) }
func upperCase(s string) string { return cases.Upper(language.French).String(s) }
func lowerCase(s string) string { return cases.Lower(language.French).String(s) }

// ListingFolder returns <root>/Models/<MAKE>/<model>.
func ListingFolder(root, makeColumn, modelColumn string) FolderFunc {
	return func(r crawler.Record) string {
		return path.Join(root, "Models", upperCase(clean(r[makeColumn])), clean(r[modelColumn]))
	}
}

// VersionFolder returns <root>/Version/<Make>/<year>/<vehicle in lower case>.
func VersionFolder(root, makeColumn, yearColumn, vehicleColumn string) FolderFunc {
	return func(r crawler.Record) string {
		return path.Join(root, "Version",
			titleCase(lowerCase(clean(r[makeColumn]))),
			clean(r[yearColumn]),
			lowerCase(clean(r[vehicleColumn])))
	}
}

// ModelSectionFolder returns <root>/Models/<MAKE>/<Section>.
func ModelSectionFolder(root, makeColumn string) SectionFolderFunc {
	return func(r crawler.Record, section string) string {
		return path.Join(root, "Models", upperCase(clean(r[makeColumn])), titleCase(section))
	}
}

// clean keeps a value usable as one path segment.
func clean(v string) string {
	v = strings.TrimSpace(v)
	return strings.ReplaceAll(v, "/", "-")
}
