package credit

import "time"

// Tier 是信用分档。
type Tier string

const (
	TierExceptional Tier = "exceptional"
	TierExcellent   Tier = "excellent"
	TierGood        Tier = "good"
	TierFair        Tier = "fair"
	TierSubprime    Tier = "subprime"
)

// Tiers 按分数阈值从高到低排列。
var Tiers = []Tier{TierExceptional, TierExcellent, TierGood, TierFair, TierSubprime}

// TransactionType 表示信用流水的类型。
type TransactionType string

const (
	TxCreditUsed  TransactionType = "credit_used"
	TxPayment     TransactionType = "payment"
	TxLatePayment TransactionType = "late_payment"
	TxDefault     TransactionType = "default"
)

// TransactionStatus 表示信用流水的状态。
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// 事件类型
const (
	EventProfileCreated    = "profile_created"
	EventCreditUsed        = "credit_used"
	EventPayment           = "payment"
	EventDefault           = "default"
	EventCollateralAdded   = "collateral_added"
	EventCollateralRemoved = "collateral_removed"
	EventScoreChanged      = "score_changed"
	EventTierChanged       = "tier_changed"
	EventLimitsReset       = "limits_reset"
)

// Factors 是信用分的五个组成部分，取值均在 [0,100]。
type Factors struct {
	PaymentHistory    float64 `json:"paymentHistory"`
	CreditUtilization float64 `json:"creditUtilization"`
	AccountAge        float64 `json:"accountAge"`
	CreditMix         float64 `json:"creditMix"`
	RecentActivity    float64 `json:"recentActivity"`
}

// Profile 是一个智能体的信用档案。
type Profile struct {
	AgentID             string    `json:"agentId"`
	Address             string    `json:"address"`
	CreditScore         int       `json:"creditScore"`
	CreditTier          Tier      `json:"creditTier"`
	CreditLimit         float64   `json:"creditLimit"`
	DailySpendLimit     float64   `json:"dailySpendLimit"`
	MonthlySpendLimit   float64   `json:"monthlySpendLimit"`
	CurrentDailySpend   float64   `json:"currentDailySpend"`
	CurrentMonthlySpend float64   `json:"currentMonthlySpend"`
	CurrentBalance      float64   `json:"currentBalance"`
	AvailableCredit     float64   `json:"availableCredit"`
	TotalTransactions   int       `json:"totalTransactions"`
	SuccessfulPayments  int       `json:"successfulPayments"`
	LatePayments        int       `json:"latePayments"`
	Defaults            int       `json:"defaults"`
	AccountAgeDays      int       `json:"accountAgeDays"`
	Factors             Factors   `json:"factors"`
	StakedAmount        float64   `json:"stakedAmount"`
	CollateralRatio     float64   `json:"collateralRatio"`
	TierDiscount        float64   `json:"tierDiscount"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Transaction 是一条只追加的信用流水。
type Transaction struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agentId"`
	Type      TransactionType   `json:"type"`
	Amount    float64           `json:"amount"`
	Timestamp time.Time         `json:"timestamp"`
	IntentID  string            `json:"intentId,omitempty"`
	Status    TransactionStatus `json:"status"`
}

// ScoreChange 是 score_changed / tier_changed 事件的载荷。
type ScoreChange struct {
	AgentID  string `json:"agentId"`
	OldScore int    `json:"oldScore"`
	NewScore int    `json:"newScore"`
	OldTier  Tier   `json:"oldTier"`
	NewTier  Tier   `json:"newTier"`
}

// Stats 汇总全部信用档案。
type Stats struct {
	Profiles         int          `json:"profiles"`
	TierCounts       map[Tier]int `json:"tierCounts"`
	AverageScore     float64      `json:"averageScore"`
	TotalCreditLimit float64      `json:"totalCreditLimit"`
	TotalOutstanding float64      `json:"totalOutstanding"`
	TotalAvailable   float64      `json:"totalAvailable"`
	TotalStaked      float64      `json:"totalStaked"`
	TotalDefaults    int          `json:"totalDefaults"`
}

// Config 描述新档案的默认值以及各分档的额度与折扣。
type Config struct {
	DefaultScore        int
	DefaultTier         Tier
	DefaultLimit        float64
	DefaultDailyLimit   float64
	DefaultMonthlyLimit float64
	CollateralFactor    float64
	TierLimits          map[Tier]float64
	TierDiscounts       map[Tier]float64
}

// DefaultConfig 返回默认配置：新档案 650 分、good 档、1000 额度。
func DefaultConfig() Config {
	return Config{
		DefaultScore:        650,
		DefaultTier:         TierGood,
		DefaultLimit:        1000,
		DefaultDailyLimit:   500,
		DefaultMonthlyLimit: 1000,
		CollateralFactor:    0.5,
		TierLimits: map[Tier]float64{
			TierExceptional: 10000,
			TierExcellent:   5000,
			TierGood:        1000,
			TierFair:        500,
			TierSubprime:    100,
		},
		TierDiscounts: map[Tier]float64{
			TierExceptional: 0.2,
			TierExcellent:   0.15,
			TierGood:        0.1,
			TierFair:        0.05,
			TierSubprime:    0,
		},
	}
}
