package scraper

import (
	"buonacaccia-notifier/pkg/notifier"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// detailMarker identifies links to an event detail page.
const detailMarker = "event.aspx"

// Column keys of the listing table.
const (
	colType     = "type"
	colTitle    = "title"
	colRegion   = "region"
	colStart    = "start"
	colEnd      = "end"
	colFee      = "fee"
	colLocation = "location"
	colEnrolled = "enrolled"
	colStatus   = "status"
)

// headerSynonyms lists, per column, the folded header fragments that identify it.
// Earlier fragments win over later ones.
var headerSynonyms = map[string][]string{
	colType:     {"tipo", "unita", "branca"},
	colTitle:    {"titolo", "title"},
	colRegion:   {"regione", "region"},
	colStart:    {"partenza", "departure", "inizio"},
	colEnd:      {"rientro", "return", "fine"},
	colFee:      {"quota", "costo", "fee"},
	colLocation: {"localita", "local", "luogo", "location"},
	colEnrolled: {"iscritti", "enrolled", "iscr"},
	colStatus:   {"stato", "status"},
}

// requiredHeaders must all appear in a table's headers for it to be picked as the events table.
var requiredHeaders = []string{colTitle, colRegion, colStart, colEnd}

// positionalOffsets is the legacy layout, relative to the title column.
// Offset 7 is a spacer column.
var positionalOffsets = map[string]int{
	colRegion:   1,
	colStart:    2,
	colEnd:      3,
	colFee:      4,
	colLocation: 5,
	colEnrolled: 6,
	colStatus:   8,
}

var (
	dateRegex  = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
	colorRegex = regexp.MustCompile(`(?i)(?:background-color|background|color)\s*:\s*([^;]+)`)

	dateLayouts = []string{"02/01/2006", "2/1/2006"}

	foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// columnStrategy decides how a row's fields are located.
type columnStrategy int

const (
	strategyHeader columnStrategy = iota
	strategyPositional
)

func (s columnStrategy) String() string {
	if s == strategyHeader {
		return "header"
	}
	return "positional"
}

// layout is the per-document parse plan.
type layout struct {
	headerRow *goquery.Selection
	columns   map[string]int
	strategy  columnStrategy
}

// Listing is the outcome of parsing one listing document.
type Listing struct {
	Events     []*notifier.Event
	Strategy   string // Column strategy used: "header" or "positional"
	Rows       int    // Data rows examined
	Skipped    int    // Rows that did not yield an event
	TableFound bool
}

// ExtractEvents parses a listing page into events, in document order.
// It never fails: malformed documents or missing tables yield an empty result.
func ExtractEvents(r io.Reader, baseURL string) []*notifier.Event {
	return ParseListing(r, baseURL).Events
}

// ParseListing is ExtractEvents with parse diagnostics.
func ParseListing(r io.Reader, baseURL string) *Listing {
	out := &Listing{}

	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return out
	}

	table := findEventsTable(doc)
	if table == nil {
		return out
	}
	out.TableFound = true

	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	lay := planLayout(table)
	out.Strategy = lay.strategy.String()

	for _, row := range directRows(table) {
		if lay.headerRow != nil && row.IsSelection(lay.headerRow) {
			continue
		}
		out.Rows++
		ev, ok := parseRow(row, lay, base, baseURL)
		if !ok {
			out.Skipped++
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out
}

// fold lowercases s and strips diacritics so that "Località" matches "localita".
func fold(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// cleanText collapses runs of whitespace (including &nbsp;) into single spaces.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// findEventsTable picks the first table whose own header cells name every required column.
// Header cells of nested tables do not count, so a layout table wrapping the listing is skipped.
// Without such a table it falls back to the first table that directly holds a detail link.
func findEventsTable(doc *goquery.Document) *goquery.Selection {
	tables := doc.Find("table")

	var found *goquery.Selection
	tables.EachWithBreak(func(_ int, table *goquery.Selection) bool {
		var headers []string
		owned(table, "th").Each(func(_ int, th *goquery.Selection) {
			headers = append(headers, fold(th.Text()))
		})
		for _, key := range requiredHeaders {
			if matchHeader(headers, key) < 0 {
				return true
			}
		}
		found = table
		return false
	})
	if found != nil {
		return found
	}

	tables.EachWithBreak(func(_ int, table *goquery.Selection) bool {
		if owned(table, "a[href]").FilterFunction(isDetailLink).Length() > 0 {
			found = table
			return false
		}
		return true
	})
	if found != nil {
		return found
	}

	first := tables.First()
	if first.Length() == 0 {
		return nil
	}
	return first
}

// owned returns the descendants of table matching selector whose nearest table is table itself.
func owned(table *goquery.Selection, selector string) *goquery.Selection {
	return table.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Closest("table").IsSelection(table)
	})
}

func isDetailLink(_ int, a *goquery.Selection) bool {
	href, _ := a.Attr("href")
	return strings.Contains(strings.ToLower(href), detailMarker)
}

// directRows returns the rows that belong to table itself, skipping nested tables.
func directRows(table *goquery.Selection) []*goquery.Selection {
	var rows []*goquery.Selection
	owned(table, "tr").Each(func(_ int, tr *goquery.Selection) {
		rows = append(rows, tr)
	})
	return rows
}

// matchHeader returns the index of the first header matching key, or -1.
func matchHeader(headers []string, key string) int {
	for _, syn := range headerSynonyms[key] {
		for i, h := range headers {
			if strings.Contains(h, syn) {
				return i
			}
		}
	}
	return -1
}

func planLayout(table *goquery.Selection) layout {
	rows := directRows(table)

	// Prefer a row with an explicit title header, else the first row with any header cell.
	var headerRow *goquery.Selection
	confident := false
	for _, tr := range rows {
		ths := tr.ChildrenFiltered("th")
		if ths.Length() == 0 {
			continue
		}
		var texts []string
		ths.Each(func(_ int, th *goquery.Selection) { texts = append(texts, fold(th.Text())) })
		if matchHeader(texts, colTitle) >= 0 {
			headerRow = tr
			confident = true
			break
		}
		if headerRow == nil {
			headerRow = tr
		}
	}

	columns := map[string]int{}
	for key := range headerSynonyms {
		columns[key] = -1
	}
	columns[colTitle] = 0

	if headerRow == nil {
		return layout{columns: columns, strategy: strategyPositional}
	}

	var headers []string
	headerRow.ChildrenFiltered("th,td").Each(func(_ int, cell *goquery.Selection) {
		headers = append(headers, fold(cell.Text()))
	})

	resolved := 0
	for key := range headerSynonyms {
		if idx := matchHeader(headers, key); idx >= 0 {
			columns[key] = idx
			if key != colTitle {
				resolved++
			}
		}
	}

	strategy := strategyPositional
	if confident && resolved > 0 {
		strategy = strategyHeader
	}
	return layout{headerRow: headerRow, columns: columns, strategy: strategy}
}

// parseRow converts one table row. It reports false for rows that are not events.
func parseRow(row *goquery.Selection, lay layout, base *url.URL, baseURL string) (*notifier.Event, bool) {
	var cells []*goquery.Selection
	row.ChildrenFiltered("td").Each(func(_ int, td *goquery.Selection) {
		cells = append(cells, td)
	})
	if len(cells) == 0 {
		return nil, false
	}

	titleIdx, link := findTitleCell(cells)
	if titleIdx < 0 {
		titleIdx = lay.columns[colTitle]
		if titleIdx >= len(cells) {
			return nil, false
		}
		link = cells[titleIdx].Find("a").First()
	}

	// Subtotal and decorative rows carry no link.
	if link.Length() == 0 {
		return nil, false
	}
	title := cleanText(link.Text())
	if title == "" {
		return nil, false
	}

	detailURL := resolveLink(link, base)
	if detailURL == "" {
		detailURL = baseURL
	}

	cell := func(key string) *goquery.Selection {
		idx := -1
		switch lay.strategy {
		case strategyHeader:
			idx = lay.columns[key]
		case strategyPositional:
			if off, ok := positionalOffsets[key]; ok {
				idx = titleIdx + off
			}
		}
		if idx < 0 || idx >= len(cells) {
			return nil
		}
		return cells[idx]
	}
	text := func(key string) string {
		if c := cell(key); c != nil {
			return cleanText(c.Text())
		}
		return ""
	}

	var eventType string
	if lay.strategy == strategyHeader {
		eventType = text(colType)
	} else {
		eventType = leadingText(cells, titleIdx)
	}

	ev := &notifier.Event{
		ID:          extractEventID(detailURL),
		Type:        eventType,
		Title:       title,
		Region:      text(colRegion),
		StartDate:   parseDate(text(colStart)),
		EndDate:     parseDate(text(colEnd)),
		Fee:         text(colFee),
		Location:    text(colLocation),
		Enrolled:    text(colEnrolled),
		Status:      text(colStatus),
		StatusColor: statusColor(cell(colStatus)),
		DetailURL:   detailURL,
		Branch:      branchFromIcon(cells[0]),
	}
	return ev, true
}

// findTitleCell returns the first cell linking to a detail page.
func findTitleCell(cells []*goquery.Selection) (int, *goquery.Selection) {
	for i, c := range cells {
		if hit := c.Find("a[href]").FilterFunction(isDetailLink).First(); hit.Length() > 0 {
			return i, hit
		}
	}
	return -1, nil
}

// leadingText returns the nearest non-blank cell text before the title column.
func leadingText(cells []*goquery.Selection, titleIdx int) string {
	for i := titleIdx - 1; i >= 0; i-- {
		if t := cleanText(cells[i].Text()); t != "" {
			return t
		}
	}
	return ""
}

func resolveLink(link *goquery.Selection, base *url.URL) string {
	if link == nil || link.Length() == 0 {
		return ""
	}
	href, ok := link.Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if !ref.IsAbs() {
		return ""
	}
	return ref.String()
}

// extractEventID returns the decoded "e" query parameter of a detail URL, or "".
func extractEventID(detailURL string) string {
	u, err := url.Parse(detailURL)
	if err != nil {
		return ""
	}
	// Query drops malformed pairs and keeps the rest.
	return strings.TrimSpace(u.Query().Get("e"))
}

// parseDate reads the first dd/mm/yyyy date in s. Unparseable input yields the zero time.
func parseDate(s string) time.Time {
	raw := dateRegex.FindString(s)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return notifier.Date(t.Year(), t.Month(), t.Day())
		}
	}
	return time.Time{}
}

func statusColor(c *goquery.Selection) string {
	if c == nil {
		return ""
	}
	color := ""
	c.AddSelection(c.Find("*")).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, ok := s.Attr("bgcolor"); ok && strings.TrimSpace(v) != "" {
			color = v
			return false
		}
		if v, ok := s.Attr("color"); ok && strings.TrimSpace(v) != "" {
			color = v
			return false
		}
		if style, ok := s.Attr("style"); ok {
			if m := colorRegex.FindStringSubmatch(style); m != nil {
				color = m[1]
				return false
			}
		}
		return true
	})
	return strings.ToLower(strings.TrimSpace(color))
}

var branchMarkers = []struct {
	branch notifier.Branch
	codes  []string // Whole tokens of the icon file name
	words  []string // Substrings of the icon file name
}{
	{notifier.BranchCub, []string{"lc"}, []string{"branco", "lupett", "coccinell", "cerchio"}},
	{notifier.BranchScout, []string{"eg"}, []string{"reparto", "esplorator", "guide"}},
	{notifier.BranchRover, []string{"rs"}, []string{"clan", "rover", "scolte", "noviziato"}},
	{notifier.BranchLeader, []string{"co", "capi"}, []string{"capi", "formazione"}},
}

// branchFromIcon classifies a row by the icon in its leading cell.
// Missing or unknown icons default to the leader branch.
func branchFromIcon(lead *goquery.Selection) notifier.Branch {
	src, ok := lead.Find("img").First().Attr("src")
	if !ok {
		return notifier.BranchLeader
	}
	name := strings.ToLower(path.Base(strings.TrimSpace(src)))
	name = strings.TrimSuffix(name, path.Ext(name))
	tokens := strings.FieldsFunc(name, func(r rune) bool { return !unicode.IsLetter(r) })

	for _, m := range branchMarkers {
		for _, tok := range tokens {
			for _, code := range m.codes {
				if tok == code {
					return m.branch
				}
			}
		}
		for _, w := range m.words {
			if strings.Contains(name, w) {
				return m.branch
			}
		}
	}
	return notifier.BranchLeader
}
