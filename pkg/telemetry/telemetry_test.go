package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestProductionConfigValidates(t *testing.T) {
	cfg := ProductionConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("production config should be valid: %v", err)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("production logging format = %q, want json", cfg.Logging.Format)
	}
	if !cfg.Tracing.Enabled {
		t.Error("production config should enable tracing")
	}
}

func TestConfigValidateRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestConfigValidateRejectsBadSamplingRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sampling rate > 1")
	}
}

func TestNewLoggerWithFields(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{
		Level:  "debug",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	child := logger.WithStack("abc-123", "web-tier").WithResource("server").WithAction("CREATE")
	if child == nil {
		t.Fatal("expected non-nil child logger")
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	ctx := logger.WithContext(context.Background())
	got := FromContext(ctx)
	if got != logger {
		t.Error("FromContext did not return the stored logger")
	}

	// Missing logger falls back to a usable default
	fallback := FromContext(context.Background())
	if fallback == nil {
		t.Fatal("FromContext should return a fallback logger")
	}
}

func TestEventBusSyncDelivery(t *testing.T) {
	eb := NewEventBus(EventsConfig{
		Enabled:     true,
		BufferSize:  10,
		EnableAsync: false,
	})
	defer eb.Shutdown(context.Background())

	var got []Event
	eb.Subscribe(func(e Event) {
		got = append(got, e)
	}, nil)

	err := eb.Publish(Event{
		Type:    EventTypeStackStarted,
		StackID: "stack-1",
		Message: "CREATE started",
		Level:   EventLevelInfo,
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Error("event ID should be assigned on publish")
	}
	if got[0].Timestamp.IsZero() {
		t.Error("event timestamp should be assigned on publish")
	}
}

func TestEventBusAsyncDelivery(t *testing.T) {
	eb := NewEventBus(EventsConfig{
		Enabled:     true,
		BufferSize:  10,
		EnableAsync: true,
	})

	var mu sync.Mutex
	count := 0
	eb.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		if err := eb.Publish(Event{Type: EventTypeResourceDone, Level: EventLevelInfo}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eb.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("expected 5 events delivered, got %d", count)
	}
}

func TestEventBusStackFilter(t *testing.T) {
	eb := NewEventBus(EventsConfig{Enabled: true, BufferSize: 10, EnableAsync: false})
	defer eb.Shutdown(context.Background())

	var got []Event
	eb.Subscribe(func(e Event) { got = append(got, e) }, FilterByStackID("stack-a"))

	eb.Publish(Event{Type: EventTypeStackStarted, StackID: "stack-a", Level: EventLevelInfo})
	eb.Publish(Event{Type: EventTypeStackStarted, StackID: "stack-b", Level: EventLevelInfo})

	if len(got) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(got))
	}
	if got[0].StackID != "stack-a" {
		t.Errorf("wrong stack delivered: %s", got[0].StackID)
	}
}

func TestEventBusLevelFilter(t *testing.T) {
	eb := NewEventBus(EventsConfig{Enabled: true, BufferSize: 10, EnableAsync: false})
	defer eb.Shutdown(context.Background())

	var got []Event
	eb.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelWarning))

	eb.Publish(Event{Type: EventTypeResourceDone, Level: EventLevelInfo})
	eb.Publish(Event{Type: EventTypeResourceFailed, Level: EventLevelError})

	if len(got) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(got))
	}
	if got[0].Level != EventLevelError {
		t.Errorf("wrong level delivered: %s", got[0].Level)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(EventsConfig{Enabled: true, BufferSize: 10, EnableAsync: false})
	defer eb.Shutdown(context.Background())

	var got []Event
	unsubscribe := eb.Subscribe(func(e Event) { got = append(got, e) }, nil)

	eb.Publish(Event{Type: EventTypeStackStarted, Level: EventLevelInfo})
	unsubscribe()
	eb.Publish(Event{Type: EventTypeStackCompleted, Level: EventLevelInfo})

	if len(got) != 1 {
		t.Fatalf("expected 1 event before unsubscribe, got %d", len(got))
	}
	unsubscribe()
}

func TestEventBusDisabled(t *testing.T) {
	eb := NewEventBus(EventsConfig{Enabled: false})

	delivered := false
	eb.Subscribe(func(e Event) { delivered = true }, nil)

	if err := eb.Publish(Event{Type: EventTypeStackStarted}); err != nil {
		t.Fatalf("disabled bus should accept publishes: %v", err)
	}
	if delivered {
		t.Error("disabled bus should not deliver events")
	}
	if err := eb.Shutdown(context.Background()); err != nil {
		t.Fatalf("disabled bus shutdown failed: %v", err)
	}
}

func TestMetricsDisabledNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// None of these should panic on a disabled instance
	m.RecordStackOperationStarted()
	m.RecordStackOperation("CREATE", "COMPLETE", time.Second)
	m.RecordResourceAction("core.value", "CREATE", "success", time.Millisecond)
	m.RecordResourceRetry("core.value", "transient")
	m.RecordProviderCall("builtin", "create", time.Millisecond)
	m.RecordProviderError("builtin", "create")
	m.RecordError("permanent", "RESOURCE_FAILED")
	m.RecordAPIRequest("/v1/stacks", "GET", "200", time.Millisecond)
	m.SetStackCount("CREATE_COMPLETE", 3)
}

func TestMetricsEnabledRecords(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "caldera"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordStackOperationStarted()
	m.RecordStackOperation("CREATE", "COMPLETE", 2*time.Second)
	m.RecordResourceAction("core.random_string", "CREATE", "success", 10*time.Millisecond)
	m.RecordAPIRequest("/v1/stacks/{stack}", "GET", "200", 5*time.Millisecond)

	if m.Handler() == nil {
		t.Error("enabled metrics should expose a handler")
	}
}

func TestTracerDisabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "caldera", "test", "development")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}

	ctx, span := tr.StartStackSpan(context.Background(), "id-1", "web", "CREATE")
	RecordSuccess(span)
	span.End()

	_, rspan := tr.StartResourceSpan(ctx, "server", "core.value", "CREATE")
	RecordError(rspan, context.Canceled)
	rspan.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}
