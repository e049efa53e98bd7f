package alerting

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/internal/events"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: ChannelLog}
	b := &recordingNotifier{channel: ChannelStream, err: errors.New("offline")}
	d := NewFanout(a, nil, b)

	if got := d.Channels(); len(got) != 2 || got[0] != ChannelLog || got[1] != ChannelStream {
		t.Fatalf("unexpected channels %v", got)
	}
	err := d.Notify(context.Background(), Event{Code: xerrors.CodeTimeout})
	if err == nil || !strings.Contains(err.Error(), "channel stream") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("every notifier should be invoked: %d %d", len(a.events), len(b.events))
	}
}

func TestNilDispatcher(t *testing.T) {
	var d *FanoutDispatcher
	if err := d.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("nil dispatcher should be a no-op: %v", err)
	}
	Dispatch(context.Background(), nil, Event{})
}

func TestFromError(t *testing.T) {
	err := xerrors.New(xerrors.CodeIntegrityWarning, "checksum mismatch", xerrors.WithMetadata("path", "/tmp/credit.json"))
	evt := FromError("credit", "store", err)
	if evt.Code != xerrors.CodeIntegrityWarning || evt.Message != "checksum mismatch" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Metadata["path"] != "/tmp/credit.json" || evt.Component != "credit" {
		t.Fatalf("metadata not copied: %+v", evt)
	}

	plain := FromError("failover", "0xabc", errors.New("boom"))
	if plain.Code != xerrors.CodeUnknown || plain.Message != "boom" {
		t.Fatalf("unexpected plain event %+v", plain)
	}
}

func TestLogNotifierWritesRecord(t *testing.T) {
	var buf bytes.Buffer
	n := &LogNotifier{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	err := n.Notify(context.Background(), Event{
		Code:     xerrors.CodeLimitExceeded,
		Message:  "circuit opened",
		Severity: xerrors.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) || !strings.Contains(out, "circuit opened") {
		t.Fatalf("unexpected log output %s", out)
	}
}

func TestStreamNotifierPublishes(t *testing.T) {
	bus := events.NewBus("alerting")
	ch := make(chan events.Event, 1)
	sub := bus.Subscribe(ch)
	defer sub.Unsubscribe()

	n := &StreamNotifier{Publisher: bus}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeTimeout, Subject: "loan-1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Type != EventType || evt.Subject != "loan-1" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("alert not published")
	}
}
