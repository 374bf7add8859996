package server

import (
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/storage"
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultUpcomingLimit = 10
	maxUpcomingLimit     = 100
)

// eventView is the JSON shape of an event. Dates are YYYY-MM-DD and omitted when unknown.
type eventView struct {
	Key               string `json:"key"`
	ID                string `json:"id,omitempty"`
	Title             string `json:"title"`
	Type              string `json:"type,omitempty"`
	Unit              string `json:"unit,omitempty"`
	Branch            string `json:"branch,omitempty"`
	Region            string `json:"region,omitempty"`
	Location          string `json:"location,omitempty"`
	Start             string `json:"start,omitempty"`
	End               string `json:"end,omitempty"`
	RegistrationOpen  string `json:"registration_open,omitempty"`
	RegistrationClose string `json:"registration_close,omitempty"`
	Fee               string `json:"fee,omitempty"`
	Enrolled          string `json:"enrolled,omitempty"`
	Status            string `json:"status,omitempty"`
	DetailURL         string `json:"detail_url"`
	Open              bool   `json:"open"`
	Followed          bool   `json:"followed"`
}

func day(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}

func newEventView(e *notifier.Event, followed notifier.StringSet) eventView {
	key := notifier.KeyOf(e)
	return eventView{
		Key:               key,
		ID:                e.ID,
		Title:             e.Title,
		Type:              e.Type,
		Unit:              notifier.ClassifyUnit(e).String(),
		Branch:            e.Branch.String(),
		Region:            notifier.InferRegion(e),
		Location:          e.Location,
		Start:             day(e.StartDate),
		End:               day(e.EndDate),
		RegistrationOpen:  day(e.RegistrationOpen),
		RegistrationClose: day(e.RegistrationClose),
		Fee:               e.Fee,
		Enrolled:          e.Enrolled,
		Status:            e.Status,
		DetailURL:         e.DetailURL,
		Open:              e.OpenForRegistration(),
		Followed:          followed.Has(key),
	}
}

// followed returns the followed keys, or an empty set when they cannot be read.
func (s *Server) followed(ctx context.Context) notifier.StringSet {
	set, err := s.store.LoadSet(ctx, storage.SetFollowedKeys)
	if err != nil {
		s.logger.Warn("Failed to load followed events", "error", err)
		return notifier.StringSet{}
	}
	return set
}

func (s *Server) views(ctx context.Context, events []*notifier.Event) []eventView {
	followed := s.followed(ctx)
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, newEventView(e, followed))
	}
	return out
}

// parseUnit accepts a branch name (CUB, SCOUT, ROVER, LEADER) or a unit label (LC, EG, RS, CAPI).
func parseUnit(s string) (notifier.Branch, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return notifier.BranchNone, true
	}
	if b := notifier.ParseBranch(s); b != notifier.BranchNone {
		return b, true
	}
	if b := notifier.ClassifyUnit(&notifier.Event{Type: s}); b != notifier.BranchNone {
		return b, true
	}
	return notifier.BranchNone, false
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	unit, ok := parseUnit(q.Get("unit"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown unit")
		return
	}
	filter := notifier.Filter{
		Query:    q.Get("q"),
		Region:   strings.TrimSpace(q.Get("region")),
		Unit:     unit,
		OnlyOpen: parseBool(q.Get("open")),
	}

	var matched []*notifier.Event
	for _, e := range s.events.Snapshot(s.today()) {
		if filter.Match(e) {
			matched = append(matched, e)
		}
	}
	s.writeJSON(w, http.StatusOK, s.views(r.Context(), matched))
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultUpcomingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxUpcomingLimit)
	}
	s.writeJSON(w, http.StatusOK, s.views(r.Context(), s.events.UpcomingOpenings(s.today(), limit)))
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, notifier.Regions(s.events.Snapshot(s.today())))
}
