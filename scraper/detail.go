package scraper

import (
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Label patterns on the detail page, matched against folded text.
var (
	windowRegex = regexp.MustCompile(`iscrizion[ei][^0-9]{0,30}?dal\D{0,10}(\d{1,2}/\d{1,2}/\d{4})\D{0,10}al\D{0,10}(\d{1,2}/\d{1,2}/\d{4})`)
	openRegex   = regexp.MustCompile(`(?:apertura|inizio)(?: delle)? iscrizion[ei][^0-9]{0,40}?(\d{1,2}/\d{1,2}/\d{4})|registration opens?[^0-9]{0,40}?(\d{1,2}/\d{1,2}/\d{4})`)
	closeRegex  = regexp.MustCompile(`(?:chiusura|fine)(?: delle)? iscrizion[ei][^0-9]{0,40}?(\d{1,2}/\d{1,2}/\d{4})|registration closes?[^0-9]{0,40}?(\d{1,2}/\d{1,2}/\d{4})`)
)

// ParseRegistrationDates reads the registration window from an event detail page.
// Dates that cannot be found are returned as the zero time.
func ParseRegistrationDates(r io.Reader) (opens, closes time.Time) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return time.Time{}, time.Time{}
	}

	// Label/value rows are the common layout; scan them first so that each
	// date is read next to its own label.
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.Find("tr").Length() > 0 {
			return
		}
		text := fold(cleanText(rowText(tr)))
		if opens.IsZero() {
			opens = firstGroupDate(openRegex, text)
		}
		if closes.IsZero() {
			closes = firstGroupDate(closeRegex, text)
		}
	})

	if !opens.IsZero() && !closes.IsZero() {
		return opens, closes
	}

	text := fold(cleanText(rowText(doc.Find("body"))))
	if m := windowRegex.FindStringSubmatch(text); m != nil {
		if opens.IsZero() {
			opens = parseDate(m[1])
		}
		if closes.IsZero() {
			closes = parseDate(m[2])
		}
	}
	if opens.IsZero() {
		opens = firstGroupDate(openRegex, text)
	}
	if closes.IsZero() {
		closes = firstGroupDate(closeRegex, text)
	}
	return opens, closes
}

// rowText joins the text nodes of s with spaces so adjacent cells do not run together.
func rowText(s *goquery.Selection) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return b.String()
}

func firstGroupDate(re *regexp.Regexp, text string) time.Time {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}
	}
	for _, g := range m[1:] {
		if g != "" {
			return parseDate(g)
		}
	}
	return time.Time{}
}
