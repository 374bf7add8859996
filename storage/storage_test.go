package storage

import (
	"buonacaccia-notifier/pkg/notifier"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(nil, "", dir, logger), dir
}

func TestLoadMissingSetIsEmpty(t *testing.T) {
	s, _ := testStore(t)
	set, err := s.LoadSet(context.Background(), SetSeenIDs)
	if err != nil {
		t.Fatalf("LoadSet() error = %v", err)
	}
	if set == nil || len(set) != 0 {
		t.Errorf("LoadSet() = %v, want empty non-nil set", set)
	}
}

func TestSaveAndLoadSet(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()

	want := notifier.NewStringSet("777", "https://buonacaccia.net/event.aspx?x=1", "1|2025-06-10|OPEN")
	if err := s.SaveSet(ctx, SetSentReminders, want); err != nil {
		t.Fatalf("SaveSet() error = %v", err)
	}

	got, err := s.LoadSet(ctx, SetSentReminders)
	if err != nil {
		t.Fatalf("LoadSet() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("LoadSet() = %v, want %v", got.Sorted(), want.Sorted())
	}
	for v := range want {
		if !got.Has(v) {
			t.Errorf("missing %q", v)
		}
	}

	info, err := os.Stat(filepath.Join(dir, "set-sent_reminders.json"))
	if err != nil {
		t.Fatalf("stat saved file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestSaveSetOverwrites(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.SaveSet(ctx, SetFollowedKeys, notifier.NewStringSet("1", "2")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSet(ctx, SetFollowedKeys, notifier.NewStringSet("3")); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadSet(ctx, SetFollowedKeys)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got.Has("3") {
		t.Errorf("LoadSet() = %v, want [3]", got.Sorted())
	}
}

func TestLoadCorruptSet(t *testing.T) {
	s, dir := testStore(t)
	if err := os.WriteFile(filepath.Join(dir, "set-known_ids.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadSet(context.Background(), SetKnownIDs); err == nil {
		t.Error("LoadSet() expected error for corrupt data")
	}
}

func TestInvalidSetNames(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	for _, name := range []string{"", "../etc", "Seen", "a/b", "1abc"} {
		if _, err := s.LoadSet(ctx, name); err == nil {
			t.Errorf("LoadSet(%q) expected error", name)
		}
		if err := s.SaveSet(ctx, name, notifier.NewStringSet("x")); err == nil {
			t.Errorf("SaveSet(%q) expected error", name)
		}
	}
}

func TestNames(t *testing.T) {
	s, dir := testStore(t)
	ctx := context.Background()

	for _, name := range []string{SetCachedEvents, SetAllowedRegions} {
		if err := s.SaveSet(ctx, name, notifier.NewStringSet("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatalf("Names() error = %v", err)
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("Names() not sorted: %v", names)
	}
	if len(names) != 2 || names[0] != SetAllowedRegions || names[1] != SetCachedEvents {
		t.Errorf("Names() = %v", names)
	}
}
