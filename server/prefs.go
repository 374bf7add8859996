package server

import (
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/storage"
	"encoding/json"
	"net/http"
	"strings"
)

const maxPrefsBody = 64 << 10

// prefsUpdate is the PUT /prefs body. Omitted fields are left unchanged.
type prefsUpdate struct {
	AllowedTypes   *notifier.StringSet `json:"allowed_types"`
	DeniedTypes    *notifier.StringSet `json:"denied_types"`
	AllowedRegions *notifier.StringSet `json:"allowed_regions"`
}

func (s *Server) handlePrefs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getPrefs(w, r)
	case http.MethodPut:
		s.putPrefs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getPrefs(w http.ResponseWriter, r *http.Request) {
	var prefs notifier.Prefs
	sets := []struct {
		name string
		dst  *notifier.StringSet
	}{
		{storage.SetAllowedTypes, &prefs.AllowedTypes},
		{storage.SetDeniedTypes, &prefs.DeniedTypes},
		{storage.SetAllowedRegions, &prefs.AllowedRegions},
		{storage.SetFollowedKeys, &prefs.FollowedKeys},
	}
	for _, set := range sets {
		v, err := s.store.LoadSet(r.Context(), set.name)
		if err != nil {
			s.logger.Error("Failed to load preferences", "set", set.name, "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "preferences unavailable")
			return
		}
		*set.dst = v
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

// cleanSet trims members and drops empty ones.
func cleanSet(in notifier.StringSet) notifier.StringSet {
	out := notifier.StringSet{}
	for v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out.Add(v)
		}
	}
	return out
}

func (s *Server) putPrefs(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var update prefsUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPrefsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid preferences body")
		return
	}

	changes := []struct {
		name string
		set  *notifier.StringSet
	}{
		{storage.SetAllowedTypes, update.AllowedTypes},
		{storage.SetDeniedTypes, update.DeniedTypes},
		{storage.SetAllowedRegions, update.AllowedRegions},
	}
	for _, c := range changes {
		if c.set == nil {
			continue
		}
		next := cleanSet(*c.set)
		_, err := s.editor.EditSet(r.Context(), c.name, func(cur notifier.StringSet) bool {
			clear(cur)
			for v := range next {
				cur.Add(v)
			}
			return true
		})
		if err != nil {
			s.logger.Error("Failed to save preferences", "set", c.name, "error", err)
			s.writeError(w, http.StatusServiceUnavailable, "preferences unavailable")
			return
		}
		s.logger.Info("Preferences updated", "set", c.name, "count", len(next))
	}
	s.getPrefs(w, r)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	follow := r.Method == http.MethodPost
	if follow {
		if _, ok := s.events.Lookup(key); !ok {
			s.writeError(w, http.StatusNotFound, "unknown event")
			return
		}
	}

	set, err := s.editor.EditSet(r.Context(), storage.SetFollowedKeys, func(cur notifier.StringSet) bool {
		if cur.Has(key) == follow {
			return false
		}
		if follow {
			cur.Add(key)
		} else {
			cur.Remove(key)
		}
		return true
	})
	if err != nil {
		s.logger.Error("Failed to update followed events", "key", key, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "preferences unavailable")
		return
	}
	s.logger.Info("Followed events updated", "key", key, "follow", follow, "count", len(set))
	s.writeJSON(w, http.StatusOK, map[string]any{"key": key, "followed": follow})
}
