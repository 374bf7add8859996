package notifier

import (
	"regexp"
	"sort"
	"strings"
)

type regionPattern struct {
	name string
	re   *regexp.Regexp
}

// Italian regions, including the short forms that appear in event titles.
// Sorted longest first so that "Trentino-Alto Adige" wins over "Trentino".
// A region only matches as whole words: "Marchesato" is not "Marche".
var regions = func() []regionPattern {
	r := []string{
		"Abruzzo", "Basilicata", "Calabria", "Campania", "Emilia-Romagna", "Friuli-Venezia Giulia",
		"Lazio", "Liguria", "Lombardia", "Marche", "Molise", "Piemonte", "Puglia", "Sardegna",
		"Sicilia", "Toscana", "Trentino-Alto Adige", "Umbria", "Valle d'Aosta", "Veneto",
		"Emilia Romagna", "Friuli Venezia Giulia", "Trentino", "Alto Adige", "Val d'Aosta",
	}
	sort.SliceStable(r, func(i, j int) bool { return len(r[i]) > len(r[j]) })
	out := make([]regionPattern, len(r))
	for i, name := range r {
		out[i] = regionPattern{
			name: name,
			re:   regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])` + regexp.QuoteMeta(name) + `(?:$|[^\p{L}\p{N}])`),
		}
	}
	return out
}()

// InferRegion returns the event region, guessing it from the location and
// title when the listing left it blank. Returns "" when nothing matches.
func InferRegion(e *Event) string {
	if r := strings.TrimSpace(e.Region); r != "" {
		return r
	}
	hay := e.Location + " " + e.Title
	for _, r := range regions {
		if r.re.MatchString(hay) {
			return r.name
		}
	}
	return ""
}

// ClassifyUnit maps the free-text type label to a branch.
// Unlike Event.Branch this reads the text, not the row icon.
func ClassifyUnit(e *Event) Branch {
	t := strings.ToUpper(strings.TrimSpace(e.Type))
	switch {
	case strings.HasPrefix(t, "LC"):
		return BranchCub
	case strings.HasPrefix(t, "EG"):
		return BranchScout
	case strings.HasPrefix(t, "RS"), strings.Contains(t, "ROSS"):
		return BranchRover
	case strings.Contains(t, "CAPI"):
		return BranchLeader
	default:
		return BranchNone
	}
}

var openColors = []string{"green", "#0f0", "#00ff00", "#008000", "#28a745", "lime"}

// OpenForRegistration reports whether the listing marks the event as accepting registrations.
func (e *Event) OpenForRegistration() bool {
	color := strings.ToLower(strings.TrimSpace(e.StatusColor))
	for _, c := range openColors {
		if color == c {
			return true
		}
	}
	status := strings.ToLower(e.Status)
	return strings.Contains(status, "aperte") || strings.Contains(status, "aperto") || strings.Contains(status, "open")
}

// Filter selects catalog entries for the read API.
type Filter struct {
	Query    string
	Region   string
	Unit     Branch
	OnlyOpen bool
}

// Match reports whether the event passes every non-empty criterion.
func (f Filter) Match(e *Event) bool {
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		found := false
		for _, field := range []string{e.Title, e.Region, e.Type, e.Location} {
			if strings.Contains(strings.ToLower(field), q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Region != "" && !strings.EqualFold(InferRegion(e), f.Region) {
		return false
	}
	if f.Unit != BranchNone && ClassifyUnit(e) != f.Unit {
		return false
	}
	if f.OnlyOpen && !e.OpenForRegistration() {
		return false
	}
	return true
}

// Regions returns the distinct inferred regions of the given events, sorted case-insensitively.
func Regions(events []*Event) []string {
	seen := make(map[string]string)
	for _, e := range events {
		if r := InferRegion(e); r != "" {
			seen[strings.ToLower(r)] = r
		}
	}
	out := make([]string, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}
