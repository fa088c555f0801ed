package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/calderahq/caldera/pkg/telemetry"
)

func TestEventStreamDelivery(t *testing.T) {
	bus := telemetry.NewEventBus(telemetry.EventsConfig{Enabled: true, BufferSize: 16})
	defer bus.Shutdown(context.Background())

	base := newTestServer(t)
	srv := NewServer(base.service, base.logger, Options{Events: bus})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events/stream?stack=stack-a", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", ct)
	}

	// Publish until the stream handler has picked up its subscription.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(telemetry.Event{
					Type:    telemetry.EventTypeStackStarted,
					StackID: "stack-b",
					Level:   telemetry.EventLevelInfo,
				})
				bus.Publish(telemetry.Event{
					Type:         telemetry.EventTypeResourceDone,
					StackID:      "stack-a",
					ResourceName: "web",
					Level:        telemetry.EventLevelInfo,
				})
			}
		}
	}()

	var ev telemetry.Event
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.StackID != "stack-a" {
		t.Errorf("stack filter leaked event for %q", ev.StackID)
	}
	if ev.ResourceName != "web" {
		t.Errorf("unexpected resource %q", ev.ResourceName)
	}
}

func TestEventStreamRouteRequiresBus(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, "GET", "/v1/events/stream", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an event bus, got %d", rec.Code)
	}
}
