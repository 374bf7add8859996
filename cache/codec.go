package cache

import (
	"buonacaccia-notifier/pkg/notifier"
	"errors"
	"net/url"
	"strings"
	"time"
)

// Record layout. New fields must be appended; readers pad short records.
const (
	fieldID = iota
	fieldType
	fieldTitle
	fieldRegion
	fieldStart
	fieldEnd
	fieldFee
	fieldLocation
	fieldEnrolled
	fieldStatus
	fieldDetailURL
	fieldStatusColor
	fieldBranch
	fieldSubsOpen
	fieldSubsClose
	fieldCount
)

const (
	separator  = "|"
	dateLayout = "2006-01-02"
)

// ErrInvalidRecord is returned for records lacking a title or detail URL.
var ErrInvalidRecord = errors.New("record missing title or detail url")

// Encode serializes an event to a single record line.
func Encode(e *notifier.Event) string {
	fields := make([]string, fieldCount)
	fields[fieldID] = e.ID
	fields[fieldType] = e.Type
	fields[fieldTitle] = e.Title
	fields[fieldRegion] = e.Region
	fields[fieldStart] = formatDate(e.StartDate)
	fields[fieldEnd] = formatDate(e.EndDate)
	fields[fieldFee] = e.Fee
	fields[fieldLocation] = e.Location
	fields[fieldEnrolled] = e.Enrolled
	fields[fieldStatus] = e.Status
	fields[fieldDetailURL] = e.DetailURL
	fields[fieldStatusColor] = e.StatusColor
	fields[fieldBranch] = e.Branch.String()
	fields[fieldSubsOpen] = formatDate(e.RegistrationOpen)
	fields[fieldSubsClose] = formatDate(e.RegistrationClose)

	for i, f := range fields {
		fields[i] = url.QueryEscape(f)
	}
	return strings.Join(fields, separator)
}

// Decode parses a record produced by Encode, or by an older version with fewer fields.
// Unknown branches and malformed dates decode as absent. Fields beyond the known layout are ignored.
func Decode(record string) (*notifier.Event, error) {
	raw := strings.Split(record, separator)
	fields := make([]string, fieldCount)
	for i := 0; i < fieldCount && i < len(raw); i++ {
		v, err := url.QueryUnescape(raw[i])
		if err != nil {
			// Keep the literal text rather than losing the field.
			v = raw[i]
		}
		fields[i] = v
	}

	e := &notifier.Event{
		ID:                fields[fieldID],
		Type:              fields[fieldType],
		Title:             fields[fieldTitle],
		Region:            fields[fieldRegion],
		StartDate:         parseDate(fields[fieldStart]),
		EndDate:           parseDate(fields[fieldEnd]),
		Fee:               fields[fieldFee],
		Location:          fields[fieldLocation],
		Enrolled:          fields[fieldEnrolled],
		Status:            fields[fieldStatus],
		DetailURL:         fields[fieldDetailURL],
		StatusColor:       fields[fieldStatusColor],
		Branch:            notifier.ParseBranch(fields[fieldBranch]),
		RegistrationOpen:  parseDate(fields[fieldSubsOpen]),
		RegistrationClose: parseDate(fields[fieldSubsClose]),
	}
	if !e.Valid() {
		return nil, ErrInvalidRecord
	}
	return e, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
