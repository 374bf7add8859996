// Package notifier contains the core domain types for the BuonaCaccia notification service.
package notifier

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Branch is the audience group of an event, derived from the row icon.
type Branch int

// Branch values. BranchNone means the branch is unknown.
const (
	BranchNone Branch = iota
	BranchCub
	BranchScout
	BranchRover
	BranchLeader
)

var branchNames = map[Branch]string{
	BranchCub:    "CUB",
	BranchScout:  "SCOUT",
	BranchRover:  "ROVER",
	BranchLeader: "LEADER",
}

func (b Branch) String() string {
	return branchNames[b]
}

// ParseBranch returns the branch for a name produced by String.
// Unknown names map to BranchNone.
func ParseBranch(s string) Branch {
	s = strings.ToUpper(strings.TrimSpace(s))
	for b, name := range branchNames {
		if name == s {
			return b
		}
	}
	return BranchNone
}

// Event represents a single catalog entry.
// Empty strings and zero dates mean the field is absent.
type Event struct {
	StartDate         time.Time // Activity start ("Partenza")
	EndDate           time.Time // Activity end ("Rientro")
	RegistrationOpen  time.Time // From the detail page
	RegistrationClose time.Time // From the detail page
	ID                string    // Value of the "e" query parameter
	Type              string    // Free-text type/unit label
	Title             string
	Region            string
	Fee               string
	Location          string
	Enrolled          string
	Status            string
	StatusColor       string
	DetailURL         string
	Branch            Branch
}

// Valid reports whether the event has the fields required to be stored.
func (e *Event) Valid() bool {
	return strings.TrimSpace(e.Title) != "" && strings.TrimSpace(e.DetailURL) != ""
}

// Active reports whether the event has not ended before today.
func (e *Event) Active(today time.Time) bool {
	return e.EndDate.IsZero() || !e.EndDate.Before(today)
}

// Retained reports whether the event is active and its registration window is still open.
func (e *Event) Retained(today time.Time) bool {
	return e.Active(today) && (e.RegistrationClose.IsZero() || !e.RegistrationClose.Before(today))
}

// HasRegistrationDates reports whether either registration date is known.
func (e *Event) HasRegistrationDates() bool {
	return !e.RegistrationOpen.IsZero() || !e.RegistrationClose.IsZero()
}

// Clone returns a copy of the event.
func (e *Event) Clone() *Event {
	c := *e
	return &c
}

// KeyOf returns the identity key of an event: its ID, or the detail URL when the ID is missing.
func KeyOf(e *Event) string {
	if e.ID != "" {
		return e.ID
	}
	return e.DetailURL
}

// Date returns the civil date y-m-d as UTC midnight.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the calendar date of now, read in now's own location.
func Today(now time.Time) time.Time {
	return Date(now.Year(), now.Month(), now.Day())
}

// StringSet is an unordered set of strings.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports whether v is in the set. A nil set contains nothing.
func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Add inserts v.
func (s StringSet) Add(v string) {
	s[v] = struct{}{}
}

// Remove deletes v.
func (s StringSet) Remove(v string) {
	delete(s, v)
}

// Clone returns an independent copy, never nil.
func (s StringSet) Clone() StringSet {
	c := make(StringSet, len(s))
	for v := range s {
		c[v] = struct{}{}
	}
	return c
}

// Sorted returns the members in lexical order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of strings. A null value yields an empty set.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewStringSet(values...)
	return nil
}

// Prefs is the user's notification filter snapshot.
// Empty sets mean no restriction.
type Prefs struct {
	AllowedTypes   StringSet `json:"allowed_types"`
	DeniedTypes    StringSet `json:"denied_types"`    // Takes precedence over AllowedTypes when non-empty
	AllowedRegions StringSet `json:"allowed_regions"`
	FollowedKeys   StringSet `json:"followed_keys"`   // Events the user wants reminders for
}
