package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Supported field types. The set is closed: every FieldValue carries exactly
// one of these tags and the payload variant that belongs to it, so validation
// and transformation can switch exhaustively instead of inspecting loose maps.
type FieldType string

const (
	FieldTypeGuestCount    FieldType = "guest_count"
	FieldTypeScheduledDate FieldType = "scheduled_date"
	FieldTypeDietaryMatrix FieldType = "dietary_matrix"
	FieldTypeTimeline      FieldType = "timeline"
	FieldTypeText          FieldType = "text"
	FieldTypeChoice        FieldType = "choice"
)

// KnownFieldType reports whether t belongs to the closed set.
func KnownFieldType(t FieldType) bool {
	switch t {
	case FieldTypeGuestCount, FieldTypeScheduledDate, FieldTypeDietaryMatrix,
		FieldTypeTimeline, FieldTypeText, FieldTypeChoice:
		return true
	default:
		return false
	}
}

// GuestCount breaks an attendee total down by age band.
type GuestCount struct {
	Adults   int `json:"adults"`
	Children int `json:"children"`
	Infants  int `json:"infants"`
}

// Total returns the combined head count.
func (g GuestCount) Total() int { return g.Adults + g.Children + g.Infants }

// ScheduledDate is a calendar commitment, date precision only.
type ScheduledDate struct {
	Date time.Time `json:"date"`
}

// DietaryEntry records one guest's dietary requirement.
type DietaryEntry struct {
	GuestKey    string `json:"guest_key"`
	Requirement string `json:"requirement"`
	Severity    string `json:"severity,omitempty"`
}

// TimelineEntry is one slot in a running-order timeline.
type TimelineEntry struct {
	Key   string    `json:"key"`
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ChoiceValue is a selection from a configured option set.
type ChoiceValue struct {
	Selected string `json:"selected"`
}

// FieldValue is the tagged union carried by every change event. Exactly one
// payload pointer matching Type is set; the rest stay nil. The zero value
// (empty Type, no payload) represents "field not set", which is a legal
// old_value for the first write to a field.
type FieldValue struct {
	Type       FieldType       `json:"type,omitempty"`
	GuestCount *GuestCount     `json:"guest_count,omitempty"`
	Date       *ScheduledDate  `json:"date,omitempty"`
	Dietary    []DietaryEntry  `json:"dietary,omitempty"`
	Timeline   []TimelineEntry `json:"timeline,omitempty"`
	Text       *string         `json:"text,omitempty"`
	Choice     *ChoiceValue    `json:"choice,omitempty"`
}

// IsZero reports whether the value represents an unset field.
func (v FieldValue) IsZero() bool { return v.Type == "" }

// Canonical returns the deterministic JSON encoding of the value. Struct
// field order is fixed, so identical values always serialize to identical
// bytes; transformation built on top of this stays idempotent.
func (v FieldValue) Canonical() ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("field value: encode: %w", err)
	}
	return b, nil
}

// Equal compares two values by canonical encoding.
func (v FieldValue) Equal(other FieldValue) bool {
	a, errA := v.Canonical()
	b, errB := other.Canonical()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// CheckShape verifies that the payload variant matches the declared type.
// A mismatched union is a programming error on the capture side and is
// rejected before the value ever reaches validation rules.
func (v FieldValue) CheckShape() error {
	if v.IsZero() {
		return nil
	}
	if !KnownFieldType(v.Type) {
		return fmt.Errorf("field value: unknown field type %q", v.Type)
	}
	switch v.Type {
	case FieldTypeGuestCount:
		if v.GuestCount == nil {
			return fmt.Errorf("field value: %s payload missing", v.Type)
		}
	case FieldTypeScheduledDate:
		if v.Date == nil {
			return fmt.Errorf("field value: %s payload missing", v.Type)
		}
	case FieldTypeDietaryMatrix:
		if v.Dietary == nil {
			return fmt.Errorf("field value: %s payload missing", v.Type)
		}
	case FieldTypeTimeline:
		if v.Timeline == nil {
			return fmt.Errorf("field value: %s payload missing", v.Type)
		}
	case FieldTypeText:
		if v.Text == nil {
			return fmt.Errorf("field value: %s payload missing", v.Type)
		}
	case FieldTypeChoice:
		if v.Choice == nil {
			return fmt.Errorf("field value: %s payload missing", v.Type)
		}
	}
	return nil
}

// GuestCountValue wraps a GuestCount payload into a FieldValue.
func GuestCountValue(g GuestCount) FieldValue {
	return FieldValue{Type: FieldTypeGuestCount, GuestCount: &g}
}

// DateValue wraps a scheduled date into a FieldValue.
func DateValue(d time.Time) FieldValue {
	return FieldValue{Type: FieldTypeScheduledDate, Date: &ScheduledDate{Date: d}}
}

// DietaryValue wraps dietary entries into a FieldValue.
func DietaryValue(entries []DietaryEntry) FieldValue {
	if entries == nil {
		entries = []DietaryEntry{}
	}
	return FieldValue{Type: FieldTypeDietaryMatrix, Dietary: entries}
}

// TimelineValue wraps timeline entries into a FieldValue.
func TimelineValue(entries []TimelineEntry) FieldValue {
	if entries == nil {
		entries = []TimelineEntry{}
	}
	return FieldValue{Type: FieldTypeTimeline, Timeline: entries}
}

// TextValue wraps free text into a FieldValue.
func TextValue(s string) FieldValue {
	return FieldValue{Type: FieldTypeText, Text: &s}
}

// ChoiceFieldValue wraps a selection into a FieldValue.
func ChoiceFieldValue(selected string) FieldValue {
	return FieldValue{Type: FieldTypeChoice, Choice: &ChoiceValue{Selected: selected}}
}
