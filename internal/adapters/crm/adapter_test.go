package crm

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	common "github.com/example/fieldsync/internal/adapters/common"
	"github.com/example/fieldsync/internal/models"
	crmprovider "github.com/example/fieldsync/internal/providers/crm"
)

func newTestAdapter(t *testing.T, opts ...crmprovider.MockOption) (*Adapter, *crmprovider.MockProvider) {
	t.Helper()
	provider := crmprovider.NewMockProvider(zerolog.Nop(), opts...)
	adapter, err := NewAdapter(provider, zerolog.Nop())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter, provider
}

func guestEvent(ts int64) models.FieldChangeEvent {
	return models.FieldChangeEvent{
		ID:              "evt-1",
		RecordID:        "rec-1",
		FieldKey:        "guest_count",
		FieldType:       models.FieldTypeGuestCount,
		NewValue:        models.GuestCountValue(models.GuestCount{Adults: 80, Children: 10}),
		OriginSessionID: "device-a",
		LamportTS:       ts,
	}
}

func TestSupports(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	supported := []models.FieldType{
		models.FieldTypeGuestCount, models.FieldTypeScheduledDate,
		models.FieldTypeText, models.FieldTypeChoice,
	}
	for _, ft := range supported {
		if !adapter.Supports(ft) {
			t.Fatalf("expected %s supported", ft)
		}
	}
	if adapter.Supports(models.FieldTypeTimeline) || adapter.Supports(models.FieldTypeDietaryMatrix) {
		t.Fatal("matrix-shaped fields have no CRM representation")
	}
}

func TestMapFieldDeterministic(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	value := models.GuestCountValue(models.GuestCount{Adults: 80, Children: 10, Infants: 2})

	first, err := adapter.MapField(models.FieldTypeGuestCount, value)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	second, err := adapter.MapField(models.FieldTypeGuestCount, value)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("identical input must map to identical bytes")
	}
	want := `{"adults":80,"children":10,"infants":2,"total":92}`
	if string(first) != want {
		t.Fatalf("payload = %s, want %s", first, want)
	}
}

func TestMapFieldDate(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	date := time.Date(2027, 6, 12, 15, 30, 0, 0, time.FixedZone("CEST", 2*3600))

	got, err := adapter.MapField(models.FieldTypeScheduledDate, models.DateValue(date))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if string(got) != `{"date":"2027-06-12"}` {
		t.Fatalf("unexpected date payload %s", got)
	}
}

func TestMapFieldRejectsMismatch(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	if _, err := adapter.MapField(models.FieldTypeText, models.ChoiceFieldValue("x")); err == nil {
		t.Fatal("expected mismatch error")
	}
	if _, err := adapter.MapField(models.FieldTypeTimeline, models.TimelineValue(nil)); err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestDeliverSuccess(t *testing.T) {
	adapter, provider := newTestAdapter(t)
	event := guestEvent(5)
	payload, _ := adapter.MapField(event.FieldType, event.NewValue)

	res, err := adapter.Deliver(context.Background(), event, payload)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if res.Status != "ok" || res.ExternalID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	pushes := provider.Pushes()
	if len(pushes) != 1 {
		t.Fatalf("expected 1 push, got %d", len(pushes))
	}
	if pushes[0].EventID != "evt-1" || pushes[0].LamportTS != 5 {
		t.Fatalf("push missing event identity: %+v", pushes[0])
	}
}

func TestDeliverTransient(t *testing.T) {
	adapter, provider := newTestAdapter(t)
	provider.SetScenario("rec-1", "guest_count", crmprovider.ScenarioTransient)
	event := guestEvent(5)
	payload, _ := adapter.MapField(event.FieldType, event.NewValue)

	_, err := adapter.Deliver(context.Background(), event, payload)
	if !errors.Is(err, common.ErrTransient) {
		t.Fatalf("expected transient classification, got %v", err)
	}
}

func TestDeliverPermanent(t *testing.T) {
	adapter, provider := newTestAdapter(t)
	provider.SetScenario("rec-1", "guest_count", crmprovider.ScenarioPermanent)
	event := guestEvent(5)
	payload, _ := adapter.MapField(event.FieldType, event.NewValue)

	res, err := adapter.Deliver(context.Background(), event, payload)
	if !errors.Is(err, common.ErrPermanent) {
		t.Fatalf("expected permanent classification, got %v", err)
	}
	if res.Status != "rejected" {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

func TestDeliverTimeoutIsTransient(t *testing.T) {
	adapter, provider := newTestAdapter(t)
	provider.SetScenario("rec-1", "guest_count", crmprovider.ScenarioTimeout)
	event := guestEvent(5)
	payload, _ := adapter.MapField(event.FieldType, event.NewValue)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := adapter.Deliver(ctx, event, payload)
	if !errors.Is(err, common.ErrTransient) {
		t.Fatalf("timeout must classify as transient, got %v", err)
	}
}

func TestDeliverConflictSurfacesRemoteState(t *testing.T) {
	adapter, provider := newTestAdapter(t)
	provider.SetScenario("rec-1", "guest_count", crmprovider.ScenarioConflict)
	provider.SetConflictState("rec-1", "guest_count",
		`{"value":{"type":"guest_count","guest_count":{"adults":60,"children":0,"infants":0}},"lamport_ts":9,"session_id":"device-b"}`)

	event := guestEvent(5)
	payload, _ := adapter.MapField(event.FieldType, event.NewValue)

	res, err := adapter.Deliver(context.Background(), event, payload)
	if !errors.Is(err, common.ErrConflict) {
		t.Fatalf("expected conflict classification, got %v", err)
	}
	if res.Remote == nil {
		t.Fatal("conflict result must carry the remote state")
	}
	if res.Remote.LamportTS != 9 || res.Remote.SessionID != "device-b" {
		t.Fatalf("unexpected remote state %+v", res.Remote)
	}
	if res.Remote.Value.GuestCount == nil || res.Remote.Value.GuestCount.Adults != 60 {
		t.Fatalf("remote value lost: %+v", res.Remote.Value)
	}
}

func TestHealthCheck(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	if !adapter.HealthCheck(context.Background()) {
		t.Fatal("mock provider is always healthy")
	}
}
