// Package decide chooses which notifications a run should deliver.
// It performs no I/O.
package decide

import (
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/reminder"
	"strings"
	"time"
)

// Input is everything a decision depends on. Nothing in it is modified.
type Input struct {
	Today            time.Time
	Now              time.Time          // Local wall clock, for the opening-day cutoff
	NotifiedNewIDs   notifier.StringSet // Keys already announced as new
	SentReminderKeys notifier.StringSet // Ledger keys of reminders already sent
	Fresh            []*notifier.Event  // Events parsed in this run
	Snapshot         []*notifier.Event  // Active cached events after the merge
	Prefs            notifier.Prefs
	Cutoff           time.Duration // Zero means reminder.DefaultCutoff
}

// NewEvent is a directive announcing an event not seen before.
type NewEvent struct {
	Event *notifier.Event
	Key   string
}

// Reminder is a directive about a followed event's registration window.
type Reminder struct {
	Event     *notifier.Event
	LedgerKey string
	Tag       reminder.Tag
}

// Decision is the outcome of Decide. The sets are new copies including the reported directives.
type Decision struct {
	NotifiedNewIDs   notifier.StringSet
	SentReminderKeys notifier.StringSet
	NewEvents        []NewEvent
	Reminders        []Reminder
}

// LedgerKey identifies a reminder for an event on a day.
func LedgerKey(key string, today time.Time, tag reminder.Tag) string {
	return key + "|" + today.Format("2006-01-02") + "|" + tag.String()
}

// Decide applies the preference gates and the reminder ledger to the run's events.
func Decide(in Input) Decision {
	d := Decision{
		NotifiedNewIDs:   in.NotifiedNewIDs.Clone(),
		SentReminderKeys: in.SentReminderKeys.Clone(),
	}

	for _, e := range in.Fresh {
		if e == nil || !e.Active(in.Today) {
			continue
		}
		key := notifier.KeyOf(e)
		if d.NotifiedNewIDs.Has(key) {
			continue
		}
		if !TypeAllowed(in.Prefs, e.Type) || !RegionAllowed(in.Prefs, notifier.InferRegion(e)) {
			continue
		}
		d.NewEvents = append(d.NewEvents, NewEvent{Event: e, Key: key})
		d.NotifiedNewIDs.Add(key)
	}

	cutoff := in.Cutoff
	if cutoff == 0 {
		cutoff = reminder.DefaultCutoff
	}
	for _, e := range in.Snapshot {
		key := notifier.KeyOf(e)
		if !in.Prefs.FollowedKeys.Has(key) {
			continue
		}
		tag, ok := reminder.TagFor(in.Today, in.Now, e.RegistrationOpen, e.RegistrationClose, cutoff)
		if !ok {
			continue
		}
		ledgerKey := LedgerKey(key, in.Today, tag)
		if d.SentReminderKeys.Has(ledgerKey) {
			continue
		}
		d.Reminders = append(d.Reminders, Reminder{Event: e, Tag: tag, LedgerKey: ledgerKey})
		d.SentReminderKeys.Add(ledgerKey)
	}

	return d
}

// TypeAllowed applies the type gate. A non-empty denied set takes over from the allowed set.
func TypeAllowed(p notifier.Prefs, category string) bool {
	category = strings.TrimSpace(category)
	if len(p.DeniedTypes) > 0 {
		return category == "" || !p.DeniedTypes.Has(category)
	}
	return len(p.AllowedTypes) == 0 || (category != "" && p.AllowedTypes.Has(category))
}

// RegionAllowed applies the region gate.
func RegionAllowed(p notifier.Prefs, region string) bool {
	region = strings.TrimSpace(region)
	return len(p.AllowedRegions) == 0 || (region != "" && p.AllowedRegions.Has(region))
}
