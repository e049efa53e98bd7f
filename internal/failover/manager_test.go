package failover

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/internal/events"
	"OpenMCP-Settlement/internal/observability/alerting"
)

const (
	providerA = "0x52908400098527886e0f7030069857d2e4169ee7"
	providerB = "0x8617e340b3d01fa5f11f306f4090fd50e238070d"
	providerC = "0xde709f2102306220921060314715629080e2fb77"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, evt alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoresFollowDecay(t *testing.T) {
	m := NewManager(DefaultConfig(), WithClock(newClock().Now))

	h := m.RecordSuccess(providerA, 100*time.Millisecond)
	if h.HealthScore != 100 || h.SuccessCount != 1 || h.StreakCount != 1 {
		t.Fatalf("unexpected health after first success: %+v", h)
	}
	h = m.RecordFailure(providerA, "timeout")
	if !almostEqual(h.HealthScore, 70) || h.CurrentStreak != StreakFailure || h.StreakCount != 1 {
		t.Fatalf("unexpected health after failure: %+v", h)
	}
	// 70*0.95 + 10 + 2，延迟低于历史均值
	h = m.RecordSuccess(providerA, 50*time.Millisecond)
	if !almostEqual(h.HealthScore, 78.5) {
		t.Fatalf("expected latency bonus, got %v", h.HealthScore)
	}
	if h.AverageLatency() != 75*time.Millisecond {
		t.Fatalf("unexpected average latency %v", h.AverageLatency())
	}
	// 78.5*0.95 + 10，延迟高于均值不加分
	h = m.RecordSuccess(providerA, time.Second)
	if !almostEqual(h.HealthScore, 84.575) || h.StreakCount != 2 {
		t.Fatalf("unexpected health without bonus: %+v", h)
	}
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	clk := newClock()
	alerts := &recordingDispatcher{}
	m := NewManager(DefaultConfig(), WithClock(clk.Now), WithAlerts(alerts))
	ch := make(chan events.Event, 8)
	sub := m.Events().Subscribe(ch)
	defer sub.Unsubscribe()

	for i := 0; i < 2; i++ {
		m.RecordFailure(providerA, "500")
	}
	if !m.IsProviderAvailable(providerA) {
		t.Fatalf("circuit must stay closed below threshold")
	}
	h := m.RecordFailure(providerA, "500")
	if !h.CircuitBreakerOpen || h.CircuitBreakerResetAt == nil {
		t.Fatalf("expected open circuit: %+v", h)
	}
	if !h.CircuitBreakerResetAt.Equal(clk.Now().Add(30 * time.Second)) {
		t.Fatalf("unexpected reset time %v", h.CircuitBreakerResetAt)
	}
	if !almostEqual(h.HealthScore, 14.425) {
		t.Fatalf("unexpected score %v", h.HealthScore)
	}
	if m.IsProviderAvailable(providerA) {
		t.Fatalf("open circuit must not be available")
	}
	if len(alerts.events) != 1 || alerts.events[0].Code != CodeCircuitOpen {
		t.Fatalf("expected one circuit alert, got %+v", alerts.events)
	}

	clk.Advance(30 * time.Second)
	if m.IsProviderAvailable(providerA) {
		t.Fatalf("circuit must stay open until reset time has passed")
	}
	clk.Advance(time.Millisecond)
	if !m.IsProviderAvailable(providerA) {
		t.Fatalf("expected half-open after reset time")
	}

	h = m.RecordSuccess(providerA, 10*time.Millisecond)
	if !h.CircuitBreakerOpen {
		t.Fatalf("single success must not close the circuit")
	}
	h = m.RecordSuccess(providerA, 10*time.Millisecond)
	if h.CircuitBreakerOpen || h.CircuitBreakerResetAt != nil {
		t.Fatalf("expected closed circuit after two successes: %+v", h)
	}

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	if len(types) != 2 || types[0] != EventCircuitOpened || types[1] != EventCircuitClosed {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestRepeatedFailuresExtendResetTime(t *testing.T) {
	clk := newClock()
	alerts := &recordingDispatcher{}
	m := NewManager(DefaultConfig(), WithClock(clk.Now), WithAlerts(alerts))
	for i := 0; i < 3; i++ {
		m.RecordFailure(providerA, "down")
	}
	clk.Advance(20 * time.Second)
	h := m.RecordFailure(providerA, "down")
	if !h.CircuitBreakerResetAt.Equal(clk.Now().Add(30 * time.Second)) {
		t.Fatalf("reset time not extended: %v", h.CircuitBreakerResetAt)
	}
	if len(alerts.events) != 1 {
		t.Fatalf("alert only on transition, got %d", len(alerts.events))
	}
	if h.HealthScore < 0 {
		t.Fatalf("score below zero")
	}
}

func TestSelectBestProvider(t *testing.T) {
	m := NewManager(DefaultConfig(), WithClock(newClock().Now))

	if _, ok := m.SelectBestProvider(nil); ok {
		t.Fatalf("expected no provider from empty candidates")
	}

	m.RecordSuccess(providerA, time.Millisecond)
	m.RecordFailure(providerB, "slow")
	for i := 0; i < 3; i++ {
		m.RecordFailure(providerC, "down")
	}

	best, ok := m.SelectBestProvider([]string{providerC, providerB, providerA})
	if !ok || best != providerA {
		t.Fatalf("expected provider A, got %q", best)
	}

	// B 为 70 分，高于未知服务方的 50 分
	unknown := "0x0000000000000000000000000000000000000001"
	best, _ = m.SelectBestProvider([]string{unknown, providerB})
	if best != providerB {
		t.Fatalf("expected provider B, got %q", best)
	}
	for i := 0; i < 2; i++ {
		m.RecordFailure(providerB, "slow")
	}
	best, _ = m.SelectBestProvider([]string{providerB, unknown, providerC})
	if best != unknown {
		t.Fatalf("expected unknown provider, got %q", best)
	}

	if _, ok := m.SelectBestProvider([]string{providerB, providerC}); ok {
		t.Fatalf("expected no available provider")
	}
}

func TestRecordFailoverDegradesProvider(t *testing.T) {
	clk := newClock()
	m := NewManager(Config{HistorySize: 2}, WithClock(clk.Now))

	if err := m.RecordFailover(Event{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	for i, intent := range []string{"i-1", "i-2", "i-3"} {
		if i == 2 {
			clk.Advance(2 * time.Hour)
		}
		if err := m.RecordFailover(Event{IntentID: intent, FromProvider: providerA, ToProvider: providerB, Reason: "timeout"}); err != nil {
			t.Fatalf("record failover: %v", err)
		}
	}

	h, ok := m.Health(providerA)
	if !ok || h.FailureCount != 3 || !h.CircuitBreakerOpen {
		t.Fatalf("failovers must degrade the failed provider: %+v", h)
	}
	hist := m.FailoverHistory(0)
	if len(hist) != 2 || hist[0].IntentID != "i-3" || hist[1].IntentID != "i-2" {
		t.Fatalf("unexpected history %+v", hist)
	}
	if len(m.FailoverHistory(1)) != 1 {
		t.Fatalf("limit not applied")
	}

	st := m.Stats()
	if st.TotalFailovers != 3 || st.RecentFailovers != 1 {
		t.Fatalf("unexpected failover counts: %+v", st)
	}
	if st.TotalProviders != 1 || st.CircuitBroken != 1 || st.UnhealthyProviders != 1 || st.HealthyProviders != 0 {
		t.Fatalf("unexpected provider counts: %+v", st)
	}
}

func TestResetAndClear(t *testing.T) {
	m := NewManager(DefaultConfig(), WithClock(newClock().Now))
	m.RecordSuccess(providerA, time.Millisecond)
	m.RecordSuccess(providerB, time.Millisecond)
	_ = m.RecordFailover(Event{FromProvider: providerB, Reason: "x"})

	if _, ok := m.Health("0x52908400098527886E0F7030069857D2E4169EE7"); !ok {
		t.Fatalf("lookup must ignore address case")
	}
	if all := m.AllHealth(); len(all) != 2 || all[0].HealthScore < all[1].HealthScore {
		t.Fatalf("unexpected health list %+v", all)
	}
	if !m.ResetHealth(providerA) {
		t.Fatalf("expected reset to find provider")
	}
	if m.ResetHealth(providerA) {
		t.Fatalf("second reset must report missing provider")
	}
	if _, ok := m.Health(providerA); ok {
		t.Fatalf("provider should be unknown after reset")
	}

	m.Clear()
	if st := m.Stats(); st.TotalProviders != 0 || st.TotalFailovers != 0 {
		t.Fatalf("clear left state behind: %+v", st)
	}
	if len(m.FailoverHistory(0)) != 0 {
		t.Fatalf("history not cleared")
	}
}
