package source

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/transform"
	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

// LinkKey holds the first link found in a listing row.
const LinkKey = "_link"

var emptyListingPhrases = []string{"no records", "no results", "no matching", "nothing found"}

// ParseTable extracts the listing table from doc. Columns are keyed by
// header text, so reordered or missing columns only affect the fields they
// carry. A page with no table but an empty-results message yields no rows.
func ParseTable(doc *goquery.Document, base *url.URL) ([]transform.Raw, error) {
	table, headers := findListingTable(doc)
	if table == nil {
		text := strings.ToLower(doc.Text())
		for _, phrase := range emptyListingPhrases {
			if strings.Contains(text, phrase) {
				return nil, nil
			}
		}
		return nil, apperrors.Wrap(apperrors.ErrParse, nil, "no listing table found")
	}

	var rows []transform.Raw
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.ParentsFiltered("thead").Length() > 0 {
			return
		}
		cells := tr.ChildrenFiltered("td")
		if cells.Length() == 0 || cells.Length()*2 < len(headers) {
			return
		}
		raw := transform.Raw{}
		nonBlank := false
		cells.Each(func(i int, td *goquery.Selection) {
			if i >= len(headers) || headers[i] == "" {
				return
			}
			text := strings.TrimSpace(td.Text())
			if text != "" {
				nonBlank = true
			}
			raw[headers[i]] = text
			if href, ok := td.Find("a[href]").First().Attr("href"); ok {
				abs := resolve(base, href)
				raw[headers[i]+" link"] = abs
				if _, set := raw[LinkKey]; !set {
					raw[LinkKey] = abs
				}
			}
		})
		if nonBlank {
			rows = append(rows, raw)
		}
	})
	return rows, nil
}

// findListingTable returns the first table with a header row of at least
// two cells, and its normalized headers.
func findListingTable(doc *goquery.Document) (*goquery.Selection, []string) {
	var (
		found   *goquery.Selection
		headers []string
	)
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		headerCells := table.Find("thead tr").First().ChildrenFiltered("th, td")
		if headerCells.Length() == 0 {
			headerCells = table.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
				return tr.ChildrenFiltered("th").Length() > 0
			}).First().ChildrenFiltered("th")
		}
		if headerCells.Length() < 2 {
			return true
		}
		headerCells.Each(func(_ int, th *goquery.Selection) {
			headers = append(headers, transform.NormalizeKey(th.Text()))
		})
		found = table
		return false
	})
	return found, headers
}

// ParseDetails collects label/value pairs from two-cell table rows and
// definition lists on a detail page.
func ParseDetails(doc *goquery.Document) transform.Raw {
	raw := transform.Raw{}
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("th, td")
		if cells.Length() != 2 {
			return
		}
		key := transform.NormalizeKey(cells.Eq(0).Text())
		if key == "" {
			return
		}
		if _, dup := raw[key]; !dup {
			raw[key] = cellText(cells.Eq(1))
		}
	})
	doc.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		dl.Find("dt").Each(func(_ int, dt *goquery.Selection) {
			key := transform.NormalizeKey(dt.Text())
			if key == "" {
				return
			}
			if _, dup := raw[key]; !dup {
				raw[key] = cellText(dt.NextFiltered("dd"))
			}
		})
	})
	return raw
}

// cellText keeps line breaks from <br> so multi-value cells can be split.
func cellText(s *goquery.Selection) string {
	s.Find("br").ReplaceWithHtml("\n")
	return strings.TrimSpace(s.Text())
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
