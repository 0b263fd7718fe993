package registry

import (
	"context"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/adapters/common"
	"github.com/example/fieldsync/internal/models"
)

type stubAdapter struct {
	id       string
	priority models.Priority
	supports map[models.FieldType]bool
	healthy  bool
}

func (s *stubAdapter) ID() string                { return s.id }
func (s *stubAdapter) Priority() models.Priority { return s.priority }
func (s *stubAdapter) Supports(t models.FieldType) bool {
	return s.supports[t]
}
func (s *stubAdapter) MapField(models.FieldType, models.FieldValue) ([]byte, error) {
	return nil, nil
}
func (s *stubAdapter) Deliver(context.Context, models.FieldChangeEvent, []byte) (*common.SyncResult, error) {
	return &common.SyncResult{Status: "ok"}, nil
}
func (s *stubAdapter) HealthCheck(context.Context) bool { return s.healthy }

func newTestRegistry(t *testing.T, adapters ...common.Adapter) *Registry {
	t.Helper()
	r := New(zerolog.Nop())
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.ID(), err)
		}
	}
	return r
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	a := &stubAdapter{id: "crm"}
	r := newTestRegistry(t, a)

	if err := r.Register(&stubAdapter{id: "crm"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register(&stubAdapter{id: ""}); err == nil {
		t.Fatal("expected empty id registration to fail")
	}
}

func TestTargetsForOrdersByPriority(t *testing.T) {
	guest := map[models.FieldType]bool{models.FieldTypeGuestCount: true}
	r := newTestRegistry(t,
		&stubAdapter{id: "zeta", priority: models.PriorityCritical, supports: guest},
		&stubAdapter{id: "alpha", priority: models.PriorityOptional, supports: guest},
		&stubAdapter{id: "beta", priority: models.PriorityCritical, supports: guest},
		&stubAdapter{id: "other", priority: models.PriorityCritical, supports: map[models.FieldType]bool{models.FieldTypeText: true}},
	)

	got := r.TargetsFor(models.FieldTypeGuestCount)
	want := []string{"beta", "zeta", "alpha"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}

	if got := r.TargetsFor(models.FieldTypeTimeline); len(got) != 0 {
		t.Fatalf("expected no targets for unsupported type, got %v", got)
	}
}

func TestDisabledAdapterStaysATarget(t *testing.T) {
	guest := map[models.FieldType]bool{models.FieldTypeGuestCount: true}
	r := newTestRegistry(t, &stubAdapter{id: "crm", supports: guest})

	r.SetEnabled("crm", false)

	if r.Enabled("crm") {
		t.Fatal("adapter should be disabled")
	}
	// Deliveries still queue for a disabled adapter; they wait rather than
	// being dropped.
	if got := r.TargetsFor(models.FieldTypeGuestCount); len(got) != 1 || got[0] != "crm" {
		t.Fatalf("disabled adapter must remain a target, got %v", got)
	}

	r.SetEnabled("crm", true)
	if !r.Enabled("crm") {
		t.Fatal("adapter should be re-enabled")
	}
}

func TestSetEnabledIgnoresUnknownAdapter(t *testing.T) {
	r := newTestRegistry(t)
	r.SetEnabled("ghost", true)
	if r.Enabled("ghost") {
		t.Fatal("unknown adapter must not become enabled")
	}
}

func TestHealthCheckSkipsDisabled(t *testing.T) {
	r := newTestRegistry(t,
		&stubAdapter{id: "crm", healthy: true},
		&stubAdapter{id: "eventbus", healthy: false},
		&stubAdapter{id: "off", healthy: true},
	)
	r.SetEnabled("off", false)

	got := r.HealthCheck(context.Background())
	if len(got) != 2 {
		t.Fatalf("expected 2 probed adapters, got %v", got)
	}
	if !got["crm"] || got["eventbus"] {
		t.Fatalf("unexpected health outcomes: %v", got)
	}
}
