package failover

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/internal/events"
	"OpenMCP-Settlement/internal/observability/alerting"
	"OpenMCP-Settlement/internal/observability/metrics"
	"OpenMCP-Settlement/internal/web3"
	"OpenMCP-Settlement/pkg/logger"
)

// CodeCircuitOpen 在服务方被熔断时用于告警。
const CodeCircuitOpen xerrors.Code = "PROVIDER_CIRCUIT_OPEN"

func init() {
	xerrors.Register(CodeCircuitOpen, xerrors.Attributes{
		Message:   "provider circuit breaker opened",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Option 自定义 Manager。
type Option func(*Manager)

// WithMetrics 注入指标收集器。
func WithMetrics(r *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithAlerts 指定熔断告警的分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager 维护服务方健康分与熔断器。同一地址的上报按到达顺序逐个处理。
type Manager struct {
	mu      sync.Mutex
	health  map[string]*Health
	history []Event
	total   int

	cfg     Config
	bus     *events.Bus
	metrics *metrics.Registry
	alerts  alerting.Dispatcher
	now     func() time.Time
	log     *slog.Logger
}

// NewManager 创建故障转移管理器，未设置的参数使用默认值。
func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	m := &Manager{
		health: make(map[string]*Health),
		cfg:    cfg,
		bus:    events.NewBus("failover"),
		now:    time.Now,
		log:    logger.Named("failover"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events 返回故障转移事件总线。
func (m *Manager) Events() *events.Bus {
	return m.bus
}

func key(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func (m *Manager) entryLocked(address string) *Health {
	k := key(address)
	h, ok := m.health[k]
	if !ok {
		h = &Health{Address: web3.NormalizeAddress(address), HealthScore: initialScore}
		m.health[k] = h
	}
	return h
}

// RecordSuccess 记录一次成功调用。熔断打开时，连续成功达到阈值即关闭熔断。
func (m *Manager) RecordSuccess(address string, latency time.Duration) *Health {
	if latency < 0 {
		latency = 0
	}
	m.mu.Lock()
	h := m.entryLocked(address)
	now := m.now()

	bonus := 0.0
	if h.SuccessCount > 0 && latency < h.AverageLatency() {
		bonus = latencyBonus
	}
	h.SuccessCount++
	h.TotalLatency += latency
	h.LastSuccess = &now
	if h.CurrentStreak == StreakSuccess {
		h.StreakCount++
	} else {
		h.CurrentStreak = StreakSuccess
		h.StreakCount = 1
	}
	h.HealthScore = clamp(h.HealthScore*decay + successBonus + bonus)

	closed := false
	if h.CircuitBreakerOpen && h.StreakCount >= m.cfg.SuccessThreshold {
		h.CircuitBreakerOpen = false
		h.CircuitBreakerResetAt = nil
		closed = true
	}
	snap := h.clone()
	m.mu.Unlock()

	m.metrics.SetProviderHealth(snap.Address, snap.HealthScore, snap.CircuitBreakerOpen)
	if closed {
		m.log.Info("服务方熔断已恢复", slog.String("provider", snap.Address), slog.Float64("health", snap.HealthScore))
		m.bus.Emit(EventCircuitClosed, snap.Address, snap)
	}
	return snap
}

// RecordFailure 记录一次失败调用。连续失败达到阈值时打开熔断，已打开的熔断会顺延恢复时间。
func (m *Manager) RecordFailure(address, reason string) *Health {
	m.mu.Lock()
	snap, opened := m.recordFailureLocked(address, reason)
	m.mu.Unlock()
	m.afterFailure(snap, opened, reason)
	return snap
}

func (m *Manager) recordFailureLocked(address, reason string) (*Health, bool) {
	h := m.entryLocked(address)
	now := m.now()

	h.FailureCount++
	h.LastFailure = &now
	h.LastFailureReason = reason
	if h.CurrentStreak == StreakFailure {
		h.StreakCount++
	} else {
		h.CurrentStreak = StreakFailure
		h.StreakCount = 1
	}
	h.HealthScore = clamp(h.HealthScore*decay - failureCost)

	opened := false
	if h.StreakCount >= m.cfg.FailureThreshold {
		opened = !h.CircuitBreakerOpen
		resetAt := now.Add(m.cfg.ResetTimeout)
		h.CircuitBreakerOpen = true
		h.CircuitBreakerResetAt = &resetAt
	}
	return h.clone(), opened
}

func (m *Manager) afterFailure(snap *Health, opened bool, reason string) {
	m.metrics.SetProviderHealth(snap.Address, snap.HealthScore, snap.CircuitBreakerOpen)
	if !opened {
		return
	}
	logger.Audit().Warn("provider circuit opened",
		slog.String("provider", snap.Address),
		slog.Int("failure_streak", snap.StreakCount),
		slog.Float64("health", snap.HealthScore),
		slog.Time("reset_at", *snap.CircuitBreakerResetAt),
		slog.String("reason", reason))
	alerting.Dispatch(context.Background(), m.alerts, alerting.FromError("failover", snap.Address,
		xerrors.New(CodeCircuitOpen, "provider circuit breaker opened",
			xerrors.WithMetadata("provider", snap.Address),
			xerrors.WithMetadata("reason", reason))))
	m.bus.Emit(EventCircuitOpened, snap.Address, snap)
}

// IsProviderAvailable 判断服务方能否接收请求。未知服务方视为可用；
// 熔断打开且已过恢复时间时处于半开状态，允许探测。
func (m *Manager) IsProviderAvailable(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(address)
}

func (m *Manager) availableLocked(address string) bool {
	h, ok := m.health[key(address)]
	if !ok || !h.CircuitBreakerOpen {
		return true
	}
	return h.CircuitBreakerResetAt != nil && m.now().After(*h.CircuitBreakerResetAt)
}

// SelectBestProvider 在可用候选中返回健康分最高的一个，分数相同时保持候选顺序。
// 未知服务方按 50 分计算。没有可用候选时返回 false。
func (m *Manager) SelectBestProvider(candidates []string) (string, bool) {
	type scored struct {
		address string
		score   float64
	}
	m.mu.Lock()
	avail := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" || !m.availableLocked(c) {
			continue
		}
		score := unknownScore
		if h, ok := m.health[key(c)]; ok {
			score = h.HealthScore
		}
		avail = append(avail, scored{address: c, score: score})
	}
	m.mu.Unlock()

	if len(avail) == 0 {
		return "", false
	}
	sort.SliceStable(avail, func(i, j int) bool { return avail[i].score > avail[j].score })
	return avail[0].address, true
}

// RecordFailover 记录一次切换，并对被切走的服务方记一次失败。
func (m *Manager) RecordFailover(evt Event) error {
	if strings.TrimSpace(evt.FromProvider) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "failed provider is required")
	}
	m.mu.Lock()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now()
	}
	m.history = append(m.history, evt)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append([]Event(nil), m.history[over:]...)
	}
	m.total++
	snap, opened := m.recordFailureLocked(evt.FromProvider, evt.Reason)
	m.mu.Unlock()

	m.metrics.IncFailover()
	m.log.Info("服务方切换",
		slog.String("intent_id", evt.IntentID),
		slog.String("from", evt.FromProvider),
		slog.String("to", evt.ToProvider),
		slog.String("reason", evt.Reason))
	m.afterFailure(snap, opened, evt.Reason)
	m.bus.Emit(EventFailover, evt.IntentID, evt)
	return nil
}

// Health 返回服务方的健康状态。
func (m *Manager) Health(address string) (*Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[key(address)]
	if !ok {
		return nil, false
	}
	return h.clone(), true
}

// AllHealth 返回所有服务方的健康状态，按健康分从高到低排序。
func (m *Manager) AllHealth() []Health {
	m.mu.Lock()
	out := make([]Health, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, *h.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].HealthScore != out[j].HealthScore {
			return out[i].HealthScore > out[j].HealthScore
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// FailoverHistory 返回最近的切换记录，最新的在前。limit <= 0 时返回全部。
func (m *Manager) FailoverHistory(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := len(m.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.history[i])
	}
	return out
}

// Stats 返回健康统计。熔断关闭且健康分不低于 50 视为健康，最近切换统计一小时内的记录。
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{TotalProviders: len(m.health), TotalFailovers: m.total}
	for _, h := range m.health {
		if h.CircuitBreakerOpen {
			st.CircuitBroken++
		}
		if !h.CircuitBreakerOpen && h.HealthScore >= healthyScore {
			st.HealthyProviders++
		} else {
			st.UnhealthyProviders++
		}
	}
	cutoff := m.now().Add(-time.Hour)
	for _, evt := range m.history {
		if !evt.Timestamp.Before(cutoff) {
			st.RecentFailovers++
		}
	}
	return st
}

// ResetHealth 删除服务方的健康记录，之后视为未知服务方。
func (m *Manager) ResetHealth(address string) bool {
	m.mu.Lock()
	h, ok := m.health[key(address)]
	if ok {
		delete(m.health, key(address))
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.metrics.ForgetProvider(h.Address)
	m.bus.Emit(EventHealthReset, h.Address, nil)
	return true
}

// Clear 清空所有健康记录和切换历史。
func (m *Manager) Clear() {
	m.mu.Lock()
	addrs := make([]string, 0, len(m.health))
	for _, h := range m.health {
		addrs = append(addrs, h.Address)
	}
	m.health = make(map[string]*Health)
	m.history = nil
	m.total = 0
	m.mu.Unlock()
	for _, a := range addrs {
		m.metrics.ForgetProvider(a)
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
