// Package poll runs the fetch, merge and notify pipeline.
package poll

import (
	"buonacaccia-notifier/decide"
	"buonacaccia-notifier/email"
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/reminder"
	"buonacaccia-notifier/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// persistTimeout bounds ledger writes, which outlive a cancelled run.
const persistTimeout = 10 * time.Second

// Outcome is how a run ended, as reported to the scheduler.
type Outcome int

// Outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Scraper fetches the remote catalog.
type Scraper interface {
	FetchListing(ctx context.Context, listingURL string) ([]*notifier.Event, error)
	FetchRegistration(ctx context.Context, detailURL string) (opens, closes time.Time, err error)
}

// Store persists the ledgers and preference sets.
type Store interface {
	LoadSet(ctx context.Context, name string) (notifier.StringSet, error)
	SaveSet(ctx context.Context, name string, set notifier.StringSet) error
}

// EventCache holds retained events between runs.
type EventCache interface {
	Upsert(ctx context.Context, events []*notifier.Event, today time.Time) error
	PurgeClosed(ctx context.Context, today time.Time) ([]string, error)
	Snapshot(today time.Time) []*notifier.Event
	Lookup(key string) (*notifier.Event, bool)
	Len() int
}

// Notifier delivers directives. It returns an error wrapping
// email.ErrPermissionDenied when it is not allowed to deliver.
type Notifier interface {
	NotifyNewEvent(ctx context.Context, ev *notifier.Event) error
	NotifyReminder(ctx context.Context, ev *notifier.Event, tag reminder.Tag) error
}

// Config tunes a Monitor.
type Config struct {
	Location       *time.Location // Calendar used for "today" and the reminder cutoff
	ListingURL     string
	RunTimeout     time.Duration
	EnrichBudget   time.Duration // Share of the run spent on detail pages; defaults to two thirds of RunTimeout
	DetailTimeout  time.Duration
	ReminderCutoff time.Duration
	DetailWorkers  int
}

func (c *Config) setDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 45 * time.Second
	}
	if c.EnrichBudget <= 0 || c.EnrichBudget >= c.RunTimeout {
		c.EnrichBudget = c.RunTimeout * 2 / 3
	}
	if c.DetailTimeout <= 0 {
		c.DetailTimeout = 10 * time.Second
	}
	if c.DetailWorkers <= 0 {
		c.DetailWorkers = 4
	}
	if c.ReminderCutoff <= 0 {
		c.ReminderCutoff = reminder.DefaultCutoff
	}
}

// Report summarizes a run.
type Report struct {
	Started       time.Time `json:"started"`
	RunID         string    `json:"run_id"`
	Trigger       string    `json:"trigger"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	Parsed        int       `json:"parsed"`
	Unknown       int       `json:"unknown"`
	Enriched      int       `json:"enriched"`
	EnrichFailed  int       `json:"enrich_failed"`
	Purged        int       `json:"purged"`
	NewEvents     int       `json:"new_events"`
	Reminders     int       `json:"reminders"`
	Delivered     int       `json:"delivered"`
	Denied        int       `json:"denied"`
	DeliverFailed int       `json:"deliver_failed"`
}

// Monitor runs the pipeline. Runs are serialized.
type Monitor struct {
	scraper  Scraper
	store    Store
	cache    EventCache
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	last     *Report
	cfg      Config
	closed   map[string]window // windows of listed events whose registration has closed; guarded by mu
	mu       sync.Mutex        // held for a whole run
	lastMu   sync.RWMutex // guards last
}

// New creates a new monitor. A nil metrics gets an unregistered set.
func New(cfg Config, scraper Scraper, store Store, events EventCache, n Notifier, metrics *Metrics, logger *slog.Logger) *Monitor {
	cfg.setDefaults()
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Monitor{
		scraper:  scraper,
		store:    store,
		cache:    events,
		notifier: n,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		cfg:      cfg,
		closed:   make(map[string]window),
	}
}

// LastReport returns the summary of the most recent run, or nil before the first one.
func (m *Monitor) LastReport() *Report {
	m.lastMu.RLock()
	defer m.lastMu.RUnlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

// EditSet applies edit to a stored set and saves the result when edit reports a change.
// Edits are serialized with runs.
func (m *Monitor) EditSet(ctx context.Context, name string, edit func(notifier.StringSet) bool) (notifier.StringSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, err := m.store.LoadSet(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	if !edit(set) {
		return set, nil
	}
	if err := m.store.SaveSet(ctx, name, set); err != nil {
		return nil, fmt.Errorf("save %s: %w", name, err)
	}
	return set, nil
}

// Run executes one pass of the pipeline under the configured run timeout.
// Cancellation of ctx yields OutcomeCancelled; network and storage failures,
// including the run timeout, yield OutcomeRetry.
func (m *Monitor) Run(ctx context.Context, trigger string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := &Report{
		RunID:   uuid.NewString(),
		Trigger: trigger,
		Started: m.now(),
	}
	logger := m.logger.With("run_id", report.RunID, "trigger", trigger)
	logger.Info("Run starting", "listing_url", m.cfg.ListingURL)

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	err := m.run(runCtx, logger, report)
	duration := time.Since(start)

	outcome := OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeRetry
	}

	report.Outcome = outcome.String()
	report.DurationMS = duration.Milliseconds()
	if err != nil {
		report.Error = err.Error()
	}
	m.lastMu.Lock()
	m.last = report
	m.lastMu.Unlock()

	m.metrics.IncRuns(trigger, outcome)
	m.metrics.ObserveRunDuration(trigger, duration.Seconds())
	m.metrics.SetCachedEvents(m.cache.Len())

	switch outcome {
	case OutcomeSuccess:
		logger.Info("Run completed",
			"duration_ms", duration.Milliseconds(),
			"parsed", report.Parsed,
			"purged", report.Purged,
			"new_events", report.NewEvents,
			"reminders", report.Reminders,
			"delivered", report.Delivered)
	case OutcomeCancelled:
		logger.Info("Run cancelled", "duration_ms", duration.Milliseconds(), "error", err)
	default:
		logger.Warn("Run failed, will retry", "duration_ms", duration.Milliseconds(), "error", err)
	}
	return outcome, err
}

func (m *Monitor) run(ctx context.Context, logger *slog.Logger, report *Report) error {
	localNow := m.now().In(m.cfg.Location)
	today := notifier.Today(localNow)

	events, err := m.scraper.FetchListing(ctx, m.cfg.ListingURL)
	if err != nil {
		return fmt.Errorf("fetch listing: %w", err)
	}
	report.Parsed = len(events)
	m.metrics.SetEventsParsed(len(events))
	if len(events) == 0 {
		logger.Warn("Listing returned no events")
	}

	m.carryRegistrationDates(events)
	enrichCtx, cancelEnrich := context.WithTimeout(ctx, m.cfg.EnrichBudget)
	m.enrich(enrichCtx, logger, events, today, report)
	cancelEnrich()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enrich events: %w", err)
	}
	m.rememberClosed(events, today)

	if err := m.cache.Upsert(ctx, events, today); err != nil {
		return fmt.Errorf("upsert events: %w", err)
	}
	purged, err := m.cache.PurgeClosed(ctx, today)
	if err != nil {
		return fmt.Errorf("purge closed events: %w", err)
	}
	report.Purged = len(purged)
	if len(purged) > 0 {
		logger.Info("Purged closed events", "count", len(purged), "keys", purged)
	}

	st, err := m.loadState(ctx)
	if err != nil {
		return err
	}
	followedBefore := len(st.prefs.FollowedKeys)
	st.prune(purged, today)

	for _, e := range events {
		key := notifier.KeyOf(e)
		if key != "" && !st.known.Has(key) {
			report.Unknown++
			st.known.Add(key)
		}
	}

	d := decide.Decide(decide.Input{
		Fresh:            events,
		Snapshot:         m.cache.Snapshot(today),
		NotifiedNewIDs:   st.seen,
		SentReminderKeys: st.sent,
		Prefs:            st.prefs,
		Today:            today,
		Now:              localNow,
		Cutoff:           m.cfg.ReminderCutoff,
	})
	report.NewEvents = len(d.NewEvents)
	report.Reminders = len(d.Reminders)

	m.deliver(ctx, logger, &d, report)

	// Delivered directives are recorded even when the run was cancelled meanwhile.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	writes := []struct {
		name string
		set  notifier.StringSet
	}{
		{storage.SetSeenIDs, d.NotifiedNewIDs},
		{storage.SetSentReminders, d.SentReminderKeys},
		{storage.SetKnownIDs, st.known},
	}
	if len(st.prefs.FollowedKeys) != followedBefore {
		writes = append(writes, struct {
			name string
			set  notifier.StringSet
		}{storage.SetFollowedKeys, st.prefs.FollowedKeys})
	}
	for _, w := range writes {
		if err := m.store.SaveSet(persistCtx, w.name, w.set); err != nil {
			return fmt.Errorf("save %s: %w", w.name, err)
		}
	}

	return ctx.Err()
}

// carryRegistrationDates copies already known registration windows from the cache
// so detail pages are fetched only once per event.
func (m *Monitor) carryRegistrationDates(events []*notifier.Event) {
	for _, e := range events {
		if e.HasRegistrationDates() {
			continue
		}
		key := notifier.KeyOf(e)
		if w, ok := m.closed[key]; ok {
			e.RegistrationOpen, e.RegistrationClose = w.opens, w.closes
			continue
		}
		cached, ok := m.cache.Lookup(key)
		if !ok || !cached.HasRegistrationDates() {
			continue
		}
		e.RegistrationOpen = cached.RegistrationOpen
		e.RegistrationClose = cached.RegistrationClose
	}
}

// rememberClosed keeps the windows of listed events whose registration has closed.
// The cache drops those events, so without this their detail pages would be fetched on every run.
func (m *Monitor) rememberClosed(events []*notifier.Event, today time.Time) {
	listed := make(map[string]window, len(events))
	for _, e := range events {
		if e.HasRegistrationDates() && e.Active(today) && !e.Retained(today) {
			listed[notifier.KeyOf(e)] = window{opens: e.RegistrationOpen, closes: e.RegistrationClose, ok: true}
		}
	}
	m.closed = listed
}

type window struct {
	opens  time.Time
	closes time.Time
	ok     bool
}

// enrich fetches missing registration windows from detail pages with bounded concurrency.
// A failed fetch leaves its event without dates; it never drops the event. When ctx
// expires the remaining events are left for the next run and what was fetched is kept.
func (m *Monitor) enrich(ctx context.Context, logger *slog.Logger, events []*notifier.Event, today time.Time, report *Report) {
	results := make([]window, len(events))

	var g errgroup.Group
	g.SetLimit(m.cfg.DetailWorkers)

	for i, e := range events {
		if e.HasRegistrationDates() || !e.Active(today) || e.DetailURL == "" || e.DetailURL == m.cfg.ListingURL {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, m.cfg.DetailTimeout)
			defer cancel()

			opens, closes, err := m.scraper.FetchRegistration(reqCtx, e.DetailURL)
			if err != nil {
				logger.Warn("Detail fetch failed, keeping event without registration dates",
					"event_key", notifier.KeyOf(e),
					"url", e.DetailURL,
					"error", err)
				m.metrics.IncDetailFetches(ResultFailed)
				return nil
			}
			m.metrics.IncDetailFetches(ResultOK)
			results[i] = window{opens: opens, closes: closes, ok: true}
			return nil
		})
	}
	_ = g.Wait() // workers absorb their own errors
	if ctx.Err() != nil {
		logger.Warn("Enrichment budget exhausted, continuing with partial results", "budget", m.cfg.EnrichBudget)
	}

	// Apply in listing order; each result only touches its own event.
	for i, r := range results {
		switch {
		case r.ok:
			events[i].RegistrationOpen = r.opens
			events[i].RegistrationClose = r.closes
			report.Enriched++
		case !events[i].HasRegistrationDates() && events[i].Active(today):
			report.EnrichFailed++
		}
	}
	logger.Info("Detail enrichment finished", "enriched", report.Enriched, "without_dates", report.EnrichFailed)
}

type state struct {
	seen  notifier.StringSet
	sent  notifier.StringSet
	known notifier.StringSet
	prefs notifier.Prefs
}

// loadState reads the ledgers and preferences. Ledger read failures abort the run,
// since an empty ledger would repeat every notification. Preference read failures
// fall back to no restriction.
func (m *Monitor) loadState(ctx context.Context) (*state, error) {
	st := &state{}
	ledgers := []struct {
		name string
		dst  *notifier.StringSet
	}{
		{storage.SetSeenIDs, &st.seen},
		{storage.SetSentReminders, &st.sent},
		{storage.SetKnownIDs, &st.known},
	}
	for _, l := range ledgers {
		set, err := m.store.LoadSet(ctx, l.name)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", l.name, err)
		}
		*l.dst = set
	}

	prefs := []struct {
		name string
		dst  *notifier.StringSet
	}{
		{storage.SetAllowedTypes, &st.prefs.AllowedTypes},
		{storage.SetDeniedTypes, &st.prefs.DeniedTypes},
		{storage.SetAllowedRegions, &st.prefs.AllowedRegions},
		{storage.SetFollowedKeys, &st.prefs.FollowedKeys},
	}
	for _, p := range prefs {
		set, err := m.store.LoadSet(ctx, p.name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("load %s: %w", p.name, err)
			}
			m.logger.Warn("Failed to load preference set, treating as empty", "set", p.name, "error", err)
			set = notifier.StringSet{}
		}
		*p.dst = set
	}
	return st, nil
}

// prune forgets purged events and reminder ledger entries from past days.
func (st *state) prune(purged []string, today time.Time) {
	gone := notifier.NewStringSet(purged...)
	for key := range gone {
		st.seen.Remove(key)
		st.known.Remove(key)
		st.prefs.FollowedKeys.Remove(key)
	}

	day := today.Format("2006-01-02")
	for entry := range st.sent {
		parts := strings.Split(entry, "|")
		if len(parts) < 3 {
			st.sent.Remove(entry)
			continue
		}
		// The event key may itself contain "|", so read the day from the end.
		entryDay := parts[len(parts)-2]
		key := strings.Join(parts[:len(parts)-2], "|")
		if gone.Has(key) || entryDay < day {
			st.sent.Remove(entry)
		}
	}
}

// deliver sends the decided directives. Directives that were not delivered are
// removed from the decision's ledgers so they are retried by a later run.
func (m *Monitor) deliver(ctx context.Context, logger *slog.Logger, d *decide.Decision, report *Report) {
	handle := func(kind, key string, err error) bool {
		switch {
		case err == nil:
			report.Delivered++
			m.metrics.IncNotifications(kind, ResultSent)
			return true
		case errors.Is(err, email.ErrPermissionDenied):
			report.Denied++
			m.metrics.IncNotifications(kind, ResultDenied)
			logger.Warn("Notification not permitted, skipping", "kind", kind, "event_key", key, "error", err)
		default:
			report.DeliverFailed++
			m.metrics.IncNotifications(kind, ResultFailed)
			logger.Warn("Notification delivery failed", "kind", kind, "event_key", key, "error", err)
		}
		return false
	}

	for _, n := range d.NewEvents {
		if ctx.Err() != nil || !handle(KindNewEvent, n.Key, m.notifier.NotifyNewEvent(ctx, n.Event)) {
			d.NotifiedNewIDs.Remove(n.Key)
		}
	}
	for _, r := range d.Reminders {
		if ctx.Err() != nil || !handle(KindReminder, notifier.KeyOf(r.Event), m.notifier.NotifyReminder(ctx, r.Event, r.Tag)) {
			d.SentReminderKeys.Remove(r.LedgerKey)
		}
	}
}
