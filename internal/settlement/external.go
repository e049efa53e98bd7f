package settlement

import "context"

// Position 是地址在流动性池中的头寸。
type Position struct {
	PoolID    string  `json:"poolId"`
	Value     float64 `json:"value"`
	Deposited float64 `json:"deposited"`
	Earned    float64 `json:"earned"`
}

// PoolStats 汇总流动性池。
type PoolStats struct {
	TotalLiquidity float64 `json:"totalLiquidity"`
	APY            float64 `json:"apy"`
	Providers      int     `json:"providers"`
}

// LiquidityPool 是外部流动性池。
type LiquidityPool interface {
	Positions(ctx context.Context, address string) ([]Position, error)
	Deposit(ctx context.Context, poolID, address string, amount float64) (*Position, error)
	Stats(ctx context.Context) (PoolStats, error)
}

// CreditLine 是外部借贷模块中的信用额度。没有借款时 HealthFactor 无意义。
type CreditLine struct {
	AgentID      string  `json:"agentId"`
	Borrowed     float64 `json:"borrowed"`
	Limit        float64 `json:"limit"`
	HealthFactor float64 `json:"healthFactor"`
}

// Utilization 返回已用额度占比。
func (l *CreditLine) Utilization() float64 {
	if l == nil || l.Limit <= 0 {
		return 0
	}
	return l.Borrowed / l.Limit
}

// LendingStats 汇总借贷模块。
type LendingStats struct {
	TotalOutstanding float64 `json:"totalOutstanding"`
	TotalDefaults    int     `json:"totalDefaults"`
	Borrowers        int     `json:"borrowers"`
}

// LendingManager 是外部借贷模块。没有额度时 CreditLine 返回 nil, nil。
type LendingManager interface {
	CreditLine(ctx context.Context, agentID string) (*CreditLine, error)
	Borrow(ctx context.Context, agentID, address string, amount float64) (*CreditLine, error)
	Stats(ctx context.Context) (LendingStats, error)
}

// Stake 是地址的质押情况。
type Stake struct {
	Address     string  `json:"address"`
	Amount      float64 `json:"amount"`
	Rewards     float64 `json:"rewards"`
	LockDays    int     `json:"lockDays"`
	SlashEvents int     `json:"slashEvents"`
}

// StakingStats 汇总质押模块。
type StakingStats struct {
	TotalStaked float64 `json:"totalStaked"`
	APY         float64 `json:"apy"`
	Stakers     int     `json:"stakers"`
}

// StakingManager 是外部质押模块。没有质押时 Stake 返回 nil, nil。
type StakingManager interface {
	Stake(ctx context.Context, address string) (*Stake, error)
	Deposit(ctx context.Context, address string, amount float64, lockDays int) (*Stake, error)
	Stats(ctx context.Context) (StakingStats, error)
}

// Policy 是一张保单。
type Policy struct {
	ID       string  `json:"id"`
	Holder   string  `json:"holder"`
	Coverage float64 `json:"coverage"`
	Premium  float64 `json:"premium"`
	Days     int     `json:"days"`
}

// InsuranceStats 汇总保险模块。
type InsuranceStats struct {
	Reserves      float64 `json:"reserves"`
	TotalCoverage float64 `json:"totalCoverage"`
	TotalPremiums float64 `json:"totalPremiums"`
	TotalClaims   float64 `json:"totalClaims"`
	Policyholders int     `json:"policyholders"`
}

// InsuranceManager 是外部保险模块。
type InsuranceManager interface {
	Insure(ctx context.Context, holder string, coverage float64, days int) (*Policy, error)
	Stats(ctx context.Context) (InsuranceStats, error)
}

// StrategyPosition 是地址在某个收益策略中的头寸。RiskLevel 取值 1 到 10。
type StrategyPosition struct {
	StrategyID string  `json:"strategyId"`
	Value      float64 `json:"value"`
	Deposited  float64 `json:"deposited"`
	Earned     float64 `json:"earned"`
	RiskLevel  float64 `json:"riskLevel"`
}

// StrategyStats 汇总策略模块。
type StrategyStats struct {
	TVL        float64 `json:"tvl"`
	AverageAPY float64 `json:"averageApy"`
	Depositors int     `json:"depositors"`
}

// StrategyManager 是外部收益策略模块。
type StrategyManager interface {
	Positions(ctx context.Context, address string) ([]StrategyPosition, error)
	Deposit(ctx context.Context, strategyID, address string, amount float64) (*StrategyPosition, error)
	Stats(ctx context.Context) (StrategyStats, error)
}
