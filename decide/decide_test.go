package decide

import (
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/reminder"
	"testing"
	"time"
)

var (
	today   = notifier.Date(2025, time.June, 10)
	morning = time.Date(2025, time.June, 10, 7, 30, 0, 0, time.UTC)
	evening = time.Date(2025, time.June, 10, 18, 0, 0, 0, time.UTC)
)

func ev(id, category, region string) *notifier.Event {
	return &notifier.Event{
		ID:        id,
		Type:      category,
		Title:     "Event " + id,
		Region:    region,
		DetailURL: "https://buonacaccia.net/event.aspx?e=" + id,
	}
}

func keys(d Decision) []string {
	out := make([]string, len(d.NewEvents))
	for i, n := range d.NewEvents {
		out[i] = n.Key
	}
	return out
}

func TestDeniedTypeNeverReported(t *testing.T) {
	prefs := notifier.Prefs{DeniedTypes: notifier.NewStringSet("LC")}
	fresh := []*notifier.Event{ev("1", "LC", "Lazio"), ev("2", "EG", "Sicilia"), ev("3", "EG", "")}

	d := Decide(Input{Fresh: fresh, Prefs: prefs, Today: today, Now: morning})

	got := keys(d)
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Errorf("NewEvents = %v, want [2 3]", got)
	}
	if d.NotifiedNewIDs.Has("1") {
		t.Error("denied event recorded as notified")
	}
}

func TestTypeGate(t *testing.T) {
	tests := []struct {
		name     string
		prefs    notifier.Prefs
		category string
		want     bool
	}{
		{"no preferences", notifier.Prefs{}, "EG", true},
		{"blank type without preferences", notifier.Prefs{}, "", true},
		{"allowed", notifier.Prefs{AllowedTypes: notifier.NewStringSet("EG")}, "EG", true},
		{"not allowed", notifier.Prefs{AllowedTypes: notifier.NewStringSet("EG")}, "RS", false},
		{"blank type with allow list", notifier.Prefs{AllowedTypes: notifier.NewStringSet("EG")}, " ", false},
		{"denied", notifier.Prefs{DeniedTypes: notifier.NewStringSet("LC")}, "LC", false},
		{"blank type with deny list", notifier.Prefs{DeniedTypes: notifier.NewStringSet("LC")}, "", true},
		{"deny list wins over allow list", notifier.Prefs{
			AllowedTypes: notifier.NewStringSet("EG"),
			DeniedTypes:  notifier.NewStringSet("LC"),
		}, "RS", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TypeAllowed(tt.prefs, tt.category); got != tt.want {
				t.Errorf("TypeAllowed(%q) = %v, want %v", tt.category, got, tt.want)
			}
		})
	}
}

func TestRegionGateUsesInferredRegion(t *testing.T) {
	prefs := notifier.Prefs{AllowedRegions: notifier.NewStringSet("Toscana")}
	inferred := ev("1", "EG", "")
	inferred.Location = "Firenze, Toscana"
	other := ev("2", "EG", "Umbria")
	unknown := ev("3", "EG", "")

	d := Decide(Input{Fresh: []*notifier.Event{inferred, other, unknown}, Prefs: prefs, Today: today, Now: morning})
	got := keys(d)
	if len(got) != 1 || got[0] != "1" {
		t.Errorf("NewEvents = %v, want [1]", got)
	}
}

func TestAlreadyNotifiedAndEndedEventsSkipped(t *testing.T) {
	ended := ev("old", "EG", "Lazio")
	ended.EndDate = notifier.Date(2025, time.June, 9)
	noID := &notifier.Event{Title: "No id", DetailURL: "https://buonacaccia.net/event.aspx?x=1"}

	in := Input{
		Fresh:          []*notifier.Event{ev("seen", "EG", ""), ended, noID, nil},
		NotifiedNewIDs: notifier.NewStringSet("seen"),
		Today:          today,
		Now:            morning,
	}
	d := Decide(in)
	got := keys(d)
	if len(got) != 1 || got[0] != noID.DetailURL {
		t.Errorf("NewEvents = %v, want only the event keyed by url", got)
	}
	if in.NotifiedNewIDs.Has(noID.DetailURL) {
		t.Error("input ledger was modified")
	}
	if !d.NotifiedNewIDs.Has("seen") || !d.NotifiedNewIDs.Has(noID.DetailURL) {
		t.Errorf("NotifiedNewIDs = %v", d.NotifiedNewIDs.Sorted())
	}
}

func TestReminders(t *testing.T) {
	followed := ev("7", "EG", "")
	followed.RegistrationOpen = notifier.Date(2025, time.June, 11)
	followed.RegistrationClose = notifier.Date(2025, time.June, 11)
	openingToday := ev("8", "EG", "")
	openingToday.RegistrationOpen = today
	unfollowed := ev("9", "EG", "")
	unfollowed.RegistrationOpen = notifier.Date(2025, time.June, 11)

	in := Input{
		Snapshot: []*notifier.Event{followed, openingToday, unfollowed},
		Prefs:    notifier.Prefs{FollowedKeys: notifier.NewStringSet("7", "8")},
		Today:    today,
		Now:      morning,
	}

	d := Decide(in)
	if len(d.Reminders) != 2 {
		t.Fatalf("Reminders = %+v, want 2", d.Reminders)
	}
	if r := d.Reminders[0]; r.Tag != reminder.OpenMinus1 || r.LedgerKey != "7|2025-06-10|OPEN-1" {
		t.Errorf("first reminder = %v %q, want OPEN-1 for 7", r.Tag, r.LedgerKey)
	}
	if r := d.Reminders[1]; r.Tag != reminder.OpenToday || r.LedgerKey != "8|2025-06-10|OPEN" {
		t.Errorf("second reminder = %v %q, want OPEN for 8", r.Tag, r.LedgerKey)
	}

	// Same day again: the ledger suppresses both.
	in.SentReminderKeys = d.SentReminderKeys
	if again := Decide(in); len(again.Reminders) != 0 {
		t.Errorf("repeat run produced %d reminders", len(again.Reminders))
	}

	// After the cutoff the opening-day reminder is no longer due.
	in.SentReminderKeys = nil
	in.Now = evening
	if late := Decide(in); len(late.Reminders) != 1 || late.Reminders[0].Event.ID != "7" {
		t.Errorf("evening reminders = %+v, want only 7", late.Reminders)
	}
}

func TestCustomCutoff(t *testing.T) {
	e := ev("1", "", "")
	e.RegistrationOpen = today
	in := Input{
		Snapshot: []*notifier.Event{e},
		Prefs:    notifier.Prefs{FollowedKeys: notifier.NewStringSet("1")},
		Today:    today,
		Now:      evening,
		Cutoff:   20 * time.Hour,
	}
	if d := Decide(in); len(d.Reminders) != 1 {
		t.Errorf("Reminders = %d, want 1 with a 20:00 cutoff", len(d.Reminders))
	}
}

func TestEndToEndNewEvent(t *testing.T) {
	hike := &notifier.Event{
		ID:        "777",
		Title:     "Autumn Hike",
		Region:    "Piemonte",
		StartDate: notifier.Date(2025, time.October, 23),
		EndDate:   notifier.Date(2025, time.October, 28),
		DetailURL: "https://buonacaccia.net/event.aspx?e=777",
	}
	day := notifier.Date(2025, time.October, 1)
	d := Decide(Input{
		Fresh:    []*notifier.Event{hike},
		Snapshot: []*notifier.Event{hike},
		Today:    day,
		Now:      day.Add(8 * time.Hour),
	})
	if len(d.NewEvents) != 1 || d.NewEvents[0].Event != hike {
		t.Fatalf("NewEvents = %+v, want exactly the hike", d.NewEvents)
	}
	if !d.NotifiedNewIDs.Has("777") {
		t.Error("NotifiedNewIDs missing 777")
	}
	if len(d.Reminders) != 0 {
		t.Errorf("Reminders = %+v, want none", d.Reminders)
	}
}
