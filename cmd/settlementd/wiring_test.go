package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"OpenMCP-Settlement/internal/config"
	"OpenMCP-Settlement/internal/credit"
	"OpenMCP-Settlement/internal/events"
	"OpenMCP-Settlement/internal/observability/metrics"
)

func TestCreditConfigCopiesTiers(t *testing.T) {
	cfg := config.Default()
	out := creditConfig(cfg.Credit)
	if out.DefaultScore != cfg.Credit.DefaultScore || out.DefaultTier != credit.TierGood || out.DefaultLimit != cfg.Credit.DefaultLimit {
		t.Fatalf("defaults not copied: %+v", out)
	}
	if out.TierLimits[credit.TierExceptional] != cfg.Credit.TierLimits["exceptional"] {
		t.Fatalf("tier limits not copied: %+v", out.TierLimits)
	}
}

func TestBuildSinks(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()

	sinks, err := buildSinks(ctx, config.EventsConfig{Driver: "memory"}, reg)
	if err != nil || len(sinks) != 0 {
		t.Fatalf("memory driver should not create sinks: %v %v", sinks, err)
	}
	if _, err := buildSinks(ctx, config.EventsConfig{Driver: "kafka"}, reg); err == nil {
		t.Fatalf("expected unknown driver to fail")
	}
	sinks, err = buildSinks(ctx, config.EventsConfig{Driver: "log"}, reg)
	if err != nil || len(sinks) != 1 {
		t.Fatalf("expected log sink: %v %v", sinks, err)
	}
	if err := sinks[0].Deliver(ctx, events.Event{Type: "escrow:created"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, err := testutil.GatherAndCount(reg.Gatherer(), "openmcp_settlement_event_sink_deliveries_total")
	if err != nil || got != 1 {
		t.Fatalf("expected one delivery series, got %d (%v)", got, err)
	}
}

func TestPumpOptionsCountDrops(t *testing.T) {
	reg := metrics.NewRegistry()
	cfg := config.Default()
	opts := pumpOptions(cfg.Events, reg)
	if opts.QueueSize != 1024 || opts.DeliverTimeout != 5*time.Second {
		t.Fatalf("unexpected pump options %+v", opts)
	}

	sink := metered("redis", events.NewMemorySink(), reg)
	opts.OnDrop(sink, events.Event{Type: "escrow:created"})
	opts.OnDrop(sink, events.Event{Type: "escrow:funded"})

	want := `
# HELP openmcp_settlement_event_sink_deliveries_total Aggregate stream deliveries per sink and outcome.
# TYPE openmcp_settlement_event_sink_deliveries_total counter
openmcp_settlement_event_sink_deliveries_total{result="dropped",sink="redis"} 2
`
	if err := testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(want), "openmcp_settlement_event_sink_deliveries_total"); err != nil {
		t.Fatalf("drop not counted: %v", err)
	}
}
