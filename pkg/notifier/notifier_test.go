package notifier

import (
	"encoding/json"
	"slices"
	"testing"
	"time"
)

func TestKeyOf(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"id wins", Event{ID: "123", DetailURL: "https://buonacaccia.net/event.aspx?e=123"}, "123"},
		{"falls back to url", Event{DetailURL: "https://buonacaccia.net/event.aspx?x=1"}, "https://buonacaccia.net/event.aspx?x=1"},
		{"both empty", Event{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyOf(&tt.ev); got != tt.want {
				t.Errorf("KeyOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActiveAndRetained(t *testing.T) {
	today := Date(2025, time.October, 10)
	yesterday := today.AddDate(0, 0, -1)

	tests := []struct {
		name         string
		ev           Event
		wantActive   bool
		wantRetained bool
	}{
		{"no dates", Event{}, true, true},
		{"ends today", Event{EndDate: today}, true, true},
		{"ended yesterday", Event{EndDate: yesterday}, false, false},
		{"closes today", Event{EndDate: today.AddDate(0, 1, 0), RegistrationClose: today}, true, true},
		{"closed yesterday", Event{EndDate: today.AddDate(0, 1, 0), RegistrationClose: yesterday}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Active(today); got != tt.wantActive {
				t.Errorf("Active() = %v, want %v", got, tt.wantActive)
			}
			if got := tt.ev.Retained(today); got != tt.wantRetained {
				t.Errorf("Retained() = %v, want %v", got, tt.wantRetained)
			}
		})
	}
}

func TestValid(t *testing.T) {
	if (&Event{Title: " ", DetailURL: "u"}).Valid() {
		t.Error("blank title should be invalid")
	}
	if (&Event{Title: "Campo", DetailURL: ""}).Valid() {
		t.Error("missing detail url should be invalid")
	}
	if !(&Event{Title: "Campo", DetailURL: "u"}).Valid() {
		t.Error("title and url should be valid")
	}
}

func TestTodayUsesOwnLocation(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	now := time.Date(2025, time.October, 10, 0, 30, 0, 0, loc) // 22:30 UTC on the 9th
	if got, want := Today(now), Date(2025, time.October, 10); !got.Equal(want) {
		t.Errorf("Today() = %v, want %v", got, want)
	}
}

func TestParseBranch(t *testing.T) {
	for _, b := range []Branch{BranchCub, BranchScout, BranchRover, BranchLeader} {
		if got := ParseBranch(b.String()); got != b {
			t.Errorf("ParseBranch(%q) = %v", b.String(), got)
		}
	}
	if got := ParseBranch(" rover "); got != BranchRover {
		t.Errorf("ParseBranch is case sensitive: got %v", got)
	}
	if got := ParseBranch("PIONIERI"); got != BranchNone {
		t.Errorf("ParseBranch(unknown) = %v, want BranchNone", got)
	}
}

func TestStringSetJSON(t *testing.T) {
	s := NewStringSet("b", "a", "c", "a")
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `["a","b","c"]` {
		t.Errorf("Marshal = %s", data)
	}

	var got StringSet
	if err := json.Unmarshal([]byte(`["x","y","x"]`), &got); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got.Sorted(), []string{"x", "y"}) {
		t.Errorf("Unmarshal = %v", got.Sorted())
	}

	var empty StringSet
	if err := json.Unmarshal([]byte(`null`), &empty); err != nil {
		t.Fatal(err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("null should decode to an empty set, got %#v", empty)
	}

	if err := json.Unmarshal([]byte(`{"a":1}`), &empty); err == nil {
		t.Error("object should not decode as a set")
	}
}

func TestStringSetClone(t *testing.T) {
	var nilSet StringSet
	c := nilSet.Clone()
	if c == nil {
		t.Fatal("Clone of nil set is nil")
	}
	c.Add("x")
	if nilSet.Has("x") {
		t.Error("nil set changed")
	}

	orig := NewStringSet("a")
	cp := orig.Clone()
	cp.Remove("a")
	if !orig.Has("a") {
		t.Error("Clone shares storage with the original")
	}
}

func TestPrefsJSON(t *testing.T) {
	in := Prefs{
		AllowedTypes:   NewStringSet("EG"),
		AllowedRegions: NewStringSet("Lazio"),
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Prefs
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !out.AllowedTypes.Has("EG") || !out.AllowedRegions.Has("Lazio") {
		t.Errorf("round trip lost values: %s", data)
	}
	if len(out.DeniedTypes) != 0 || len(out.FollowedKeys) != 0 {
		t.Errorf("empty sets gained members: %s", data)
	}
}
