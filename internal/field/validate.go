// Package field implements the pure validation layer of the sync engine.
// Validation runs once per event before any delivery attempt; a structurally
// invalid value is rejected outright rather than retried, since retrying
// cannot fix it.
package field

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/example/fieldsync/internal/models"
	"github.com/example/fieldsync/internal/util"
)

// AvailabilityChecker is the optional external collaborator consulted when
// validating scheduled dates. Implementations may perform network I/O; the
// engine bounds them with the caller's context.
type AvailabilityChecker interface {
	Available(ctx context.Context, date time.Time) (bool, error)
}

// Context carries the ambient inputs validation may consult. All fields are
// optional; the zero value validates with wall-clock now and no external
// availability check.
type Context struct {
	Now          func() time.Time
	Availability AvailabilityChecker
}

func (c Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Result is the outcome of validating one field value. Never persisted;
// computed on demand. Warnings do not block delivery.
type Result struct {
	IsValid    bool
	Errors     []string
	Warnings   []string
	Normalized models.FieldValue
}

func (r *Result) addError(format string, args ...any) {
	r.IsValid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks a field value against its definition. It is pure apart
// from the optional availability check and returns a normalized copy of the
// value suitable for deterministic transformation.
func Validate(ctx context.Context, def models.FieldDefinition, value models.FieldValue, vctx Context) Result {
	res := Result{IsValid: true, Normalized: value}

	if err := value.CheckShape(); err != nil {
		res.addError("%v", err)
		return res
	}
	if value.IsZero() {
		res.addError("value is not set")
		return res
	}
	if value.Type != def.FieldType {
		res.addError("value type %q does not match definition %q", value.Type, def.FieldType)
		return res
	}

	switch value.Type {
	case models.FieldTypeGuestCount:
		validateGuestCount(&res, *value.GuestCount, def.Config)
	case models.FieldTypeScheduledDate:
		validateScheduledDate(ctx, &res, *value.Date, def.Config, vctx)
	case models.FieldTypeDietaryMatrix:
		res.Normalized.Dietary = validateDietary(&res, value.Dietary)
	case models.FieldTypeTimeline:
		res.Normalized.Timeline = validateTimeline(&res, value.Timeline)
	case models.FieldTypeText:
		normalized := strings.TrimSpace(*value.Text)
		res.Normalized.Text = &normalized
		validateText(&res, normalized, def.Config)
	case models.FieldTypeChoice:
		selected := strings.TrimSpace(value.Choice.Selected)
		res.Normalized.Choice = &models.ChoiceValue{Selected: selected}
		validateChoice(&res, selected, def.Config)
	}

	return res
}

func validateGuestCount(res *Result, g models.GuestCount, cfg models.DefinitionConfig) {
	if g.Adults < 0 {
		res.addError("adults must not be negative: got %d", g.Adults)
	}
	if g.Children < 0 {
		res.addError("children must not be negative: got %d", g.Children)
	}
	if g.Infants < 0 {
		res.addError("infants must not be negative: got %d", g.Infants)
	}
	if !res.IsValid {
		return
	}

	total := g.Total()
	if cfg.VenueCapacity > 0 {
		if total > cfg.VenueCapacity {
			res.addError("guest total %d exceeds venue capacity %d", total, cfg.VenueCapacity)
			return
		}
		warnRatio := cfg.WarnRatio
		if warnRatio <= 0 || warnRatio >= 1 {
			warnRatio = 0.9
		}
		if float64(total) >= warnRatio*float64(cfg.VenueCapacity) {
			res.addWarning("guest total %d is approaching venue capacity %d", total, cfg.VenueCapacity)
		}
	}
}

func validateScheduledDate(ctx context.Context, res *Result, d models.ScheduledDate, cfg models.DefinitionConfig, vctx Context) {
	if d.Date.IsZero() {
		res.addError("date is not set")
		return
	}
	if cfg.MinLeadTime > 0 {
		earliest := vctx.now().Add(cfg.MinLeadTime)
		if d.Date.Before(earliest) {
			res.addError("date %s is inside the minimum lead time of %s",
				d.Date.Format("2006-01-02"), cfg.MinLeadTime)
			return
		}
	}
	if vctx.Availability != nil {
		available, err := vctx.Availability.Available(ctx, d.Date)
		if err != nil {
			// The availability source being unreachable is not a property of
			// the value; surface it as a warning and accept.
			res.addWarning("availability check failed: %v", err)
			return
		}
		if !available {
			res.addError("date %s is not available", d.Date.Format("2006-01-02"))
		}
	}
}

func validateDietary(res *Result, entries []models.DietaryEntry) []models.DietaryEntry {
	normalized := make([]models.DietaryEntry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, entry := range entries {
		key := strings.TrimSpace(entry.GuestKey)
		req := strings.TrimSpace(entry.Requirement)
		if key == "" {
			res.addError("dietary entry %d: guest key is empty", i)
			continue
		}
		if req == "" {
			res.addError("dietary entry %q: requirement is empty", key)
			continue
		}
		if seen[key] {
			res.addError("dietary entry %q: duplicate guest key", key)
			continue
		}
		seen[key] = true
		normalized = append(normalized, models.DietaryEntry{
			GuestKey:    key,
			Requirement: req,
			Severity:    strings.TrimSpace(entry.Severity),
		})
	}
	sort.Slice(normalized, func(i, j int) bool {
		return normalized[i].GuestKey < normalized[j].GuestKey
	})
	return normalized
}

func validateTimeline(res *Result, entries []models.TimelineEntry) []models.TimelineEntry {
	normalized := make([]models.TimelineEntry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			res.addError("timeline entry %d: key is empty", i)
			continue
		}
		if seen[key] {
			res.addError("timeline entry %q: duplicate key", key)
			continue
		}
		seen[key] = true
		if entry.Start.IsZero() || entry.End.IsZero() {
			res.addError("timeline entry %q: start and end are required", key)
			continue
		}
		if !entry.End.After(entry.Start) {
			res.addError("timeline entry %q: end must be after start", key)
			continue
		}
		normalized = append(normalized, models.TimelineEntry{
			Key:   key,
			Label: strings.TrimSpace(entry.Label),
			Start: entry.Start,
			End:   entry.End,
		})
	}

	sort.Slice(normalized, func(i, j int) bool {
		if !normalized[i].Start.Equal(normalized[j].Start) {
			return normalized[i].Start.Before(normalized[j].Start)
		}
		return normalized[i].Key < normalized[j].Key
	})
	for i := 1; i < len(normalized); i++ {
		prev, cur := normalized[i-1], normalized[i]
		if cur.Start.Before(prev.End) {
			res.addError("timeline entries %q and %q overlap", prev.Key, cur.Key)
		}
	}
	return normalized
}

func validateText(res *Result, value string, cfg models.DefinitionConfig) {
	if err := util.EnsureMaxRunes("text", value, cfg.MaxRunes); err != nil {
		res.addError("%v", err)
	}
}

func validateChoice(res *Result, selected string, cfg models.DefinitionConfig) {
	if selected == "" {
		res.addError("no option selected")
		return
	}
	if len(cfg.Options) == 0 {
		return
	}
	for _, opt := range cfg.Options {
		if opt == selected {
			return
		}
	}
	res.addError("option %q is not in the configured set", selected)
}
