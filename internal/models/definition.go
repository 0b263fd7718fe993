package models

import (
	"fmt"
	"time"
)

// DefinitionConfig carries the per-type validation knobs. Only the section
// matching the field type is consulted.
type DefinitionConfig struct {
	// Guest count limits.
	VenueCapacity int     `json:"venue_capacity,omitempty"`
	WarnRatio     float64 `json:"warn_ratio,omitempty"`

	// Scheduled date limits.
	MinLeadTime time.Duration `json:"min_lead_time,omitempty"`

	// Text limits.
	MaxRunes int `json:"max_runes,omitempty"`

	// Choice option set.
	Options []string `json:"options,omitempty"`
}

// FieldDefinition is the static metadata describing one field type: its
// validation configuration and its sync priority class. Owned by the
// definition registry and read-only to the rest of the engine.
type FieldDefinition struct {
	FieldType FieldType        `json:"field_type"`
	Priority  Priority         `json:"priority"`
	Config    DefinitionConfig `json:"config"`
}

// DefinitionRegistry holds the versioned set of field definitions. It is
// constructed once at startup and never mutated afterwards, so concurrent
// reads need no locking.
type DefinitionRegistry struct {
	version int64
	defs    map[FieldType]FieldDefinition
}

// NewDefinitionRegistry builds a registry from explicit definitions.
// Unknown field types and duplicates are rejected at construction.
func NewDefinitionRegistry(version int64, defs []FieldDefinition) (*DefinitionRegistry, error) {
	m := make(map[FieldType]FieldDefinition, len(defs))
	for _, def := range defs {
		if !KnownFieldType(def.FieldType) {
			return nil, fmt.Errorf("definition registry: unknown field type %q", def.FieldType)
		}
		if _, dup := m[def.FieldType]; dup {
			return nil, fmt.Errorf("definition registry: duplicate definition for %q", def.FieldType)
		}
		m[def.FieldType] = def
	}
	return &DefinitionRegistry{version: version, defs: m}, nil
}

// DefaultDefinitions returns the stock definition set. Callers override the
// capacity and lead-time knobs from organization configuration.
func DefaultDefinitions(venueCapacity int, minLeadTime time.Duration) []FieldDefinition {
	return []FieldDefinition{
		{
			FieldType: FieldTypeGuestCount,
			Priority:  PriorityCritical,
			Config:    DefinitionConfig{VenueCapacity: venueCapacity, WarnRatio: 0.9},
		},
		{
			FieldType: FieldTypeScheduledDate,
			Priority:  PriorityCritical,
			Config:    DefinitionConfig{MinLeadTime: minLeadTime},
		},
		{
			FieldType: FieldTypeDietaryMatrix,
			Priority:  PriorityImportant,
		},
		{
			FieldType: FieldTypeTimeline,
			Priority:  PriorityImportant,
		},
		{
			FieldType: FieldTypeText,
			Priority:  PriorityOptional,
			Config:    DefinitionConfig{MaxRunes: 2000},
		},
		{
			FieldType: FieldTypeChoice,
			Priority:  PriorityOptional,
		},
	}
}

// Version returns the registry version.
func (r *DefinitionRegistry) Version() int64 { return r.version }

// Lookup returns the definition for a field type.
func (r *DefinitionRegistry) Lookup(t FieldType) (FieldDefinition, bool) {
	def, ok := r.defs[t]
	return def, ok
}

// PriorityFor returns the sync priority class for a field type, defaulting
// to optional for types without a definition.
func (r *DefinitionRegistry) PriorityFor(t FieldType) Priority {
	if def, ok := r.defs[t]; ok {
		return def.Priority
	}
	return PriorityOptional
}
