package email

import (
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/reminder"
	"fmt"
	"strings"
	"time"
)

const displayDate = "02/01/2006"

func reminderHeadline(tag reminder.Tag) string {
	switch tag {
	case reminder.OpenMinus7:
		return "Le iscrizioni aprono tra 7 giorni"
	case reminder.OpenMinus1:
		return "Le iscrizioni aprono domani"
	case reminder.OpenToday:
		return "Le iscrizioni aprono oggi"
	case reminder.CloseMinus1:
		return "Le iscrizioni chiudono domani"
	default:
		return "Promemoria iscrizioni"
	}
}

func writeHead(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"it\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #2e7d32; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".branch { color: #7f8c8d; font-weight: 500; }\n")
	b.WriteString("table.details { border-collapse: collapse; margin: 15px 0; }\n")
	b.WriteString("table.details th { text-align: left; color: #7f8c8d; font-weight: 500; padding: 4px 16px 4px 0; }\n")
	b.WriteString("table.details td { padding: 4px 0; }\n")
	b.WriteString(".status-open { color: #2e7d32; font-weight: 600; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString(".footer a { color: #7f8c8d; text-decoration: underline; margin: 0 8px; }\n")
	b.WriteString(".footer a:first-child { margin-left: 0; }\n")
	b.WriteString("a { color: #2e7d32; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".header { border-bottom-color: #66bb6a; }\n")
	b.WriteString("table.details th, .branch, .footer, .footer a { color: #a0a0a0; }\n")
	b.WriteString(".footer { border-top-color: #444; }\n")
	b.WriteString(".status-open { color: #66bb6a; }\n")
	b.WriteString("a { color: #66bb6a; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) writeFooter(b *strings.Builder, ev *notifier.Event) {
	b.WriteString("<div class=\"footer\">\n")
	if isSafeURL(ev.DetailURL) {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Vedi su BuonaCaccia</a>\n", escapeHTML(ev.DetailURL)))
	}
	if s.baseURL != "" {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Prossime aperture</a>\n", escapeHTML(strings.TrimRight(s.baseURL, "/")+"/upcoming")))
	}
	b.WriteString("</div>\n")
	b.WriteString("</body>\n</html>")
}

// writeDetails renders the known fields of an event. Absent fields are left out.
func writeDetails(b *strings.Builder, ev *notifier.Event) {
	rows := []struct {
		label string
		value string
	}{
		{"Tipo", ev.Type},
		{"Regione", notifier.InferRegion(ev)},
		{"Località", ev.Location},
		{"Date", formatRange(ev.StartDate, ev.EndDate)},
		{"Quota", ev.Fee},
		{"Iscritti", ev.Enrolled},
		{"Apertura iscrizioni", formatDay(ev.RegistrationOpen)},
		{"Chiusura iscrizioni", formatDay(ev.RegistrationClose)},
	}

	b.WriteString("<table class=\"details\">\n")
	for _, r := range rows {
		if strings.TrimSpace(r.value) == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("<tr><th>%s</th><td>%s</td></tr>\n", r.label, escapeHTML(r.value)))
	}
	if ev.Status != "" {
		class := ""
		if ev.OpenForRegistration() {
			class = " class=\"status-open\""
		}
		b.WriteString(fmt.Sprintf("<tr><th>Stato</th><td%s>%s</td></tr>\n", class, escapeHTML(ev.Status)))
	}
	b.WriteString("</table>\n")
}

func (s *Sender) formatNewEventBody(ev *notifier.Event) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(ev.Title)))
	if ev.Branch != notifier.BranchNone {
		b.WriteString(fmt.Sprintf("<span class=\"branch\">%s</span>\n", branchLabel(ev.Branch)))
	}
	b.WriteString("</div>\n")

	b.WriteString("<p>Un nuovo evento è stato pubblicato su BuonaCaccia.</p>\n")
	writeDetails(&b, ev)

	s.writeFooter(&b, ev)
	return b.String()
}

func (s *Sender) formatReminderBody(ev *notifier.Event, tag reminder.Tag) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(reminderHeadline(tag))))
	b.WriteString("</div>\n")

	b.WriteString(fmt.Sprintf("<p><strong>%s</strong></p>\n", escapeHTML(ev.Title)))
	writeDetails(&b, ev)

	s.writeFooter(&b, ev)
	return b.String()
}

func branchLabel(b notifier.Branch) string {
	switch b {
	case notifier.BranchCub:
		return "Lupetti e Coccinelle"
	case notifier.BranchScout:
		return "Esploratori e Guide"
	case notifier.BranchRover:
		return "Rover e Scolte"
	case notifier.BranchLeader:
		return "Capi"
	default:
		return ""
	}
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(displayDate)
}

func formatRange(start, end time.Time) string {
	switch {
	case start.IsZero() && end.IsZero():
		return ""
	case end.IsZero() || start.Equal(end):
		return formatDay(start)
	case start.IsZero():
		return "fino al " + formatDay(end)
	default:
		return formatDay(start) + " – " + formatDay(end)
	}
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL reports whether a link is absolute http(s).
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
