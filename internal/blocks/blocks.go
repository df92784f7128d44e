// Package blocks classifies draft fields into approval blocks.
package blocks

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Well-known block keys.
const (
	Event     = "event"
	Edition   = "edition"
	Organizer = "organizer"
	Races     = "races"
)

// Classifier maps a field to the block it is approved with.
type Classifier interface {
	BlockFor(field string) string
}

// Func adapts a plain function to Classifier.
type Func func(field string) string

// BlockFor implements Classifier.
func (f Func) BlockFor(field string) string { return f(field) }

// Table is a lookup-table classifier with a fallback block.
type Table struct {
	Fallback string              `yaml:"fallback"`
	Blocks   map[string][]string `yaml:"blocks"`

	byField map[string]string
}

// defaultBlocks is used when no table file is configured.
var defaultBlocks = map[string][]string{
	Event: {
		"name", "city", "country", "countrySubdivisionNameLevel1",
		"countrySubdivisionNameLevel2", "fullAddress", "latitude", "longitude",
		"websiteUrl", "facebookUrl", "instagramUrl", "twitterUrl",
	},
	Edition: {
		"year", "startDate", "endDate", "timeZone", "calendarStatus",
		"registrationOpeningDate", "registrationClosingDate", "registrantsNumber",
		"currency", "medusaVersion",
	},
	Organizer: {
		"organizerName", "organizerEmail", "organizerPhone",
		"organizerWebsiteUrl", "organizerLegalName",
	},
}

// Default returns the built-in classification table.
func Default() *Table {
	t := &Table{Fallback: Edition, Blocks: make(map[string][]string, len(defaultBlocks))}
	for k, v := range defaultBlocks {
		t.Blocks[k] = append([]string(nil), v...)
	}
	t.index()
	return t
}

// Load reads a YAML classification table from path. An empty path returns
// the built-in table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "blocks: read %s", path)
	}
	return Parse(data)
}

// Parse decodes a YAML classification table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrap(err, "blocks: decode table")
	}
	if t.Fallback == "" {
		t.Fallback = Edition
	}
	if _, ok := t.Blocks[Races]; ok {
		return nil, eris.New("blocks: races block is reserved for race edits")
	}
	t.index()
	return &t, nil
}

func (t *Table) index() {
	t.byField = make(map[string]string)
	for block, fields := range t.Blocks {
		for _, f := range fields {
			t.byField[strings.TrimSpace(f)] = block
		}
	}
}

// BlockFor implements Classifier. Unlisted fields fall into the fallback block.
func (t *Table) BlockFor(field string) string {
	if b, ok := t.byField[field]; ok {
		return b
	}
	return t.Fallback
}

// Known reports whether block is a field block of the table or the races block.
func (t *Table) Known(block string) bool {
	if block == Races || block == t.Fallback {
		return true
	}
	_, ok := t.Blocks[block]
	return ok
}
