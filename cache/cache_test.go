package cache

import (
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/storage"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	sets    map[string]notifier.StringSet
	loadErr error
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{sets: make(map[string]notifier.StringSet)}
}

func (m *memStore) LoadSet(_ context.Context, name string) (notifier.StringSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.sets[name].Clone(), nil
}

func (m *memStore) SaveSet(_ context.Context, name string, set notifier.StringSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.sets[name] = set.Clone()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(id string, end time.Time) *notifier.Event {
	return &notifier.Event{
		ID:        id,
		Title:     "Event " + id,
		DetailURL: "https://buonacaccia.net/event.aspx?e=" + id,
		EndDate:   end,
	}
}

var today = notifier.Date(2025, time.June, 10)

func TestSnapshotActiveBoundary(t *testing.T) {
	c := New(newMemStore(), testLogger())
	ctx := context.Background()

	// Seeded on an earlier day so both events are retained.
	if err := c.Upsert(ctx, []*notifier.Event{
		event("ended", notifier.Date(2025, time.June, 9)),
		event("last-day", notifier.Date(2025, time.June, 10)),
	}, notifier.Date(2025, time.June, 1)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	snap := c.Snapshot(today)
	if len(snap) != 1 || snap[0].ID != "last-day" {
		t.Fatalf("Snapshot() = %v, want only the event ending today", ids(snap))
	}
}

func TestUpsertRemovesIneligible(t *testing.T) {
	c := New(newMemStore(), testLogger())
	ctx := context.Background()

	e := event("1", notifier.Date(2025, time.July, 1))
	if err := c.Upsert(ctx, []*notifier.Event{e}, today); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup("1"); !ok {
		t.Fatal("event not inserted")
	}

	closed := e.Clone()
	closed.RegistrationClose = notifier.Date(2025, time.June, 9)
	if err := c.Upsert(ctx, []*notifier.Event{closed}, today); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup("1"); ok {
		t.Error("event with closed registration should have been removed")
	}
}

func TestUpsertReplacesByKeyAndSkipsInvalid(t *testing.T) {
	c := New(newMemStore(), testLogger())
	ctx := context.Background()

	noID := &notifier.Event{Title: "No id", DetailURL: "https://buonacaccia.net/event.aspx?x=1"}
	updated := event("1", time.Time{})
	updated.Status = "Chiuse"

	err := c.Upsert(ctx, []*notifier.Event{
		event("1", time.Time{}),
		updated,
		noID,
		{ID: "2", Title: "missing url"},
		nil,
	}, today)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	got, _ := c.Lookup("1")
	if got.Status != "Chiuse" {
		t.Errorf("Status = %q, want last write to win", got.Status)
	}
	if _, ok := c.Lookup(noID.DetailURL); !ok {
		t.Error("event without id should be keyed by its detail url")
	}
}

func TestPurgeClosed(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	ctx := context.Background()

	closing := event("closing", time.Time{})
	closing.RegistrationClose = notifier.Date(2025, time.June, 12)
	ending := event("ending", notifier.Date(2025, time.June, 11))
	keep := event("keep", notifier.Date(2025, time.August, 1))
	if err := c.Upsert(ctx, []*notifier.Event{closing, ending, keep}, today); err != nil {
		t.Fatal(err)
	}

	removed, err := c.PurgeClosed(ctx, notifier.Date(2025, time.June, 13))
	if err != nil {
		t.Fatalf("PurgeClosed() error = %v", err)
	}
	if len(removed) != 2 || removed[0] != "closing" || removed[1] != "ending" {
		t.Errorf("PurgeClosed() = %v, want [closing ending]", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}

	saves := store.saves
	removed, err = c.PurgeClosed(ctx, notifier.Date(2025, time.June, 13))
	if err != nil || len(removed) != 0 {
		t.Errorf("second PurgeClosed() = %v, %v, want nothing", removed, err)
	}
	if store.saves != saves {
		t.Error("a purge with nothing to remove should not write")
	}
}

func TestPersistFailureKeepsPreviousSnapshot(t *testing.T) {
	store := newMemStore()
	c := New(store, testLogger())
	ctx := context.Background()

	if err := c.Upsert(ctx, []*notifier.Event{event("1", time.Time{})}, today); err != nil {
		t.Fatal(err)
	}

	store.saveErr = errors.New("disk full")
	err := c.Upsert(ctx, []*notifier.Event{event("2", time.Time{})}, today)
	if !errors.Is(err, store.saveErr) {
		t.Fatalf("Upsert() error = %v, want wrapped save error", err)
	}
	if _, ok := c.Lookup("2"); ok {
		t.Error("failed upsert must not be visible to readers")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestLoadSurvivesRestart(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	first := New(store, testLogger())
	e := event("1", notifier.Date(2025, time.July, 1))
	e.RegistrationOpen = notifier.Date(2025, time.June, 20)
	e.Branch = notifier.BranchScout
	if err := first.Upsert(ctx, []*notifier.Event{e}, today); err != nil {
		t.Fatal(err)
	}
	store.sets[storage.SetCachedEvents].Add("garbage")

	second := New(store, testLogger())
	if n := second.Load(ctx); n != 1 {
		t.Fatalf("Load() = %d, want 1", n)
	}
	got, ok := second.Lookup("1")
	if !ok || *got != *e {
		t.Errorf("Lookup() = %+v, want %+v", got, e)
	}
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("permission denied")
	c := New(store, testLogger())
	if n := c.Load(context.Background()); n != 0 {
		t.Errorf("Load() = %d, want 0", n)
	}
}

func TestReturnedEventsAreCopies(t *testing.T) {
	c := New(newMemStore(), testLogger())
	if err := c.Upsert(context.Background(), []*notifier.Event{event("1", time.Time{})}, today); err != nil {
		t.Fatal(err)
	}
	c.Snapshot(today)[0].Title = "mutated"
	got, _ := c.Lookup("1")
	if got.Title == "mutated" {
		t.Error("Snapshot() exposed internal state")
	}
}

func TestSnapshotOrder(t *testing.T) {
	c := New(newMemStore(), testLogger())
	a := event("b", time.Time{})
	a.StartDate = notifier.Date(2025, time.July, 1)
	b := event("a", time.Time{})
	b.StartDate = notifier.Date(2025, time.July, 1)
	undated := event("0", time.Time{})
	early := event("z", time.Time{})
	early.StartDate = notifier.Date(2025, time.June, 20)

	if err := c.Upsert(context.Background(), []*notifier.Event{a, b, undated, early}, today); err != nil {
		t.Fatal(err)
	}
	got := ids(c.Snapshot(today))
	want := []string{"z", "a", "b", "0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot() order = %v, want %v", got, want)
		}
	}
}

func TestUpcomingOpenings(t *testing.T) {
	c := New(newMemStore(), testLogger())
	past := event("past", time.Time{})
	past.RegistrationOpen = notifier.Date(2025, time.June, 1)
	later := event("later", time.Time{})
	later.RegistrationOpen = notifier.Date(2025, time.July, 1)
	soon := event("soon", time.Time{})
	soon.RegistrationOpen = today
	none := event("none", time.Time{})

	if err := c.Upsert(context.Background(), []*notifier.Event{past, later, soon, none}, today); err != nil {
		t.Fatal(err)
	}

	got := ids(c.UpcomingOpenings(today, 0))
	if len(got) != 2 || got[0] != "soon" || got[1] != "later" {
		t.Errorf("UpcomingOpenings() = %v, want [soon later]", got)
	}
	if got := c.UpcomingOpenings(today, 1); len(got) != 1 {
		t.Errorf("UpcomingOpenings(limit 1) returned %d events", len(got))
	}
}

func ids(events []*notifier.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}
