package cache

import (
	"buonacaccia-notifier/pkg/notifier"
	"errors"
	"strings"
	"testing"
	"time"
)

func fullEvent() *notifier.Event {
	return &notifier.Event{
		ID:                "12345",
		Type:              "EG | Reparto",
		Title:             "Campo & Hike | «Lupetti» 🏕",
		Region:            "Friuli-Venezia Giulia",
		StartDate:         notifier.Date(2025, time.October, 23),
		EndDate:           notifier.Date(2025, time.October, 28),
		Fee:               "€ 50,00",
		Location:          "Sant'Antonio a/b %20",
		Enrolled:          "12/40",
		Status:            "Aperte",
		DetailURL:         "https://buonacaccia.net/event.aspx?x=1&e=12345",
		StatusColor:       "#00ff00",
		Branch:            notifier.BranchRover,
		RegistrationOpen:  notifier.Date(2025, time.September, 1),
		RegistrationClose: notifier.Date(2025, time.October, 15),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := fullEvent()
	record := Encode(want)

	if n := strings.Count(record, separator); n != fieldCount-1 {
		t.Fatalf("record has %d separators, want %d: %s", n, fieldCount-1, record)
	}

	got, err := Decode(record)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", *got, *want)
	}
}

func TestDecodeShortRecord(t *testing.T) {
	// An older layout that stopped after the detail url.
	record := "9||Uscita|Lazio|2025-05-01|2025-05-02|||||https%3A%2F%2Fbuonacaccia.net%2Fevent.aspx%3Fe%3D9"
	got, err := Decode(record)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.ID != "9" || got.Title != "Uscita" || got.DetailURL != "https://buonacaccia.net/event.aspx?e=9" {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.StatusColor != "" || got.Branch != notifier.BranchNone {
		t.Errorf("missing fields should be absent: %+v", got)
	}
	if !got.RegistrationOpen.IsZero() || !got.RegistrationClose.IsZero() {
		t.Errorf("missing registration dates should be absent: %+v", got)
	}
}

func TestDecodeTolerance(t *testing.T) {
	base := strings.Split(Encode(fullEvent()), separator)

	t.Run("unknown branch", func(t *testing.T) {
		fields := append([]string(nil), base...)
		fields[fieldBranch] = "WOLF"
		got, err := Decode(strings.Join(fields, separator))
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got.Branch != notifier.BranchNone {
			t.Errorf("Branch = %v, want absent", got.Branch)
		}
	})

	t.Run("malformed date", func(t *testing.T) {
		fields := append([]string(nil), base...)
		fields[fieldStart] = "23%2F10%2F2025"
		got, err := Decode(strings.Join(fields, separator))
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if !got.StartDate.IsZero() {
			t.Errorf("StartDate = %v, want absent", got.StartDate)
		}
	})

	t.Run("extra trailing fields", func(t *testing.T) {
		got, err := Decode(strings.Join(append(base, "future", "fields"), separator))
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if *got != *fullEvent() {
			t.Errorf("extra fields changed the event: %+v", got)
		}
	})
}

func TestDecodeRejectsIncompleteRecords(t *testing.T) {
	for _, record := range []string{"", "1|EG", "1|EG|Title"} {
		if _, err := Decode(record); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("Decode(%q) error = %v, want ErrInvalidRecord", record, err)
		}
	}
}
