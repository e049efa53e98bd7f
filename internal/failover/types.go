package failover

import "time"

// Streak 表示当前连续结果的类型。
type Streak string

const (
	StreakSuccess Streak = "success"
	StreakFailure Streak = "failure"
)

// 事件类型
const (
	EventCircuitOpened = "circuit_opened"
	EventCircuitClosed = "circuit_closed"
	EventFailover      = "failover"
	EventHealthReset   = "health_reset"
)

const (
	initialScore = 100.0
	unknownScore = 50.0
	healthyScore = 50.0
	decay        = 0.95
	successBonus = 10.0
	latencyBonus = 2.0
	failureCost  = 25.0
)

// Health 记录单个服务方的健康状态。首次上报时创建。
type Health struct {
	Address               string        `json:"address"`
	SuccessCount          int           `json:"successCount"`
	FailureCount          int           `json:"failureCount"`
	TotalLatency          time.Duration `json:"totalLatency"`
	LastSuccess           *time.Time    `json:"lastSuccess,omitempty"`
	LastFailure           *time.Time    `json:"lastFailure,omitempty"`
	LastFailureReason     string        `json:"lastFailureReason,omitempty"`
	CurrentStreak         Streak        `json:"currentStreak,omitempty"`
	StreakCount           int           `json:"streakCount"`
	HealthScore           float64       `json:"healthScore"`
	CircuitBreakerOpen    bool          `json:"circuitBreakerOpen"`
	CircuitBreakerResetAt *time.Time    `json:"circuitBreakerResetAt,omitempty"`
}

// AverageLatency 返回成功调用的平均延迟。
func (h Health) AverageLatency() time.Duration {
	if h.SuccessCount == 0 {
		return 0
	}
	return h.TotalLatency / time.Duration(h.SuccessCount)
}

func (h *Health) clone() *Health {
	c := *h
	c.LastSuccess = copyTime(h.LastSuccess)
	c.LastFailure = copyTime(h.LastFailure)
	c.CircuitBreakerResetAt = copyTime(h.CircuitBreakerResetAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Event 是一次服务方切换。
type Event struct {
	IntentID     string    `json:"intentId,omitempty"`
	FromProvider string    `json:"fromProvider"`
	ToProvider   string    `json:"toProvider,omitempty"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// Stats 汇总所有服务方的健康情况。
type Stats struct {
	TotalProviders     int `json:"totalProviders"`
	HealthyProviders   int `json:"healthyProviders"`
	UnhealthyProviders int `json:"unhealthyProviders"`
	CircuitBroken      int `json:"circuitBroken"`
	TotalFailovers     int `json:"totalFailovers"`
	RecentFailovers    int `json:"recentFailovers"`
}

// Config 控制熔断器。
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	HistorySize      int
}

// DefaultConfig 返回默认熔断参数：连续 3 次失败熔断，30 秒后半开，半开期连续 2 次成功恢复。
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		HistorySize:      1000,
	}
}
