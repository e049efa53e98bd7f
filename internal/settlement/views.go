package settlement

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Settlement/internal/credit"
	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/internal/escrow"
	"OpenMCP-Settlement/internal/failover"
	"OpenMCP-Settlement/internal/flashloan"
	"OpenMCP-Settlement/pkg/usdc"
)

// Portfolio 是单个代理在各模块中的资产视图。
type Portfolio struct {
	AgentID        string             `json:"agentId"`
	Address        string             `json:"address"`
	TotalValue     float64            `json:"totalValue"`
	TotalDeposited float64            `json:"totalDeposited"`
	TotalEarned    float64            `json:"totalEarned"`
	TotalBorrowed  float64            `json:"totalBorrowed"`
	NetAPY         float64            `json:"netApy"`
	HealthScore    float64            `json:"healthScore"`
	RiskExposure   float64            `json:"riskExposure"`
	Liquidity      []Position         `json:"liquidity,omitempty"`
	Stake          *Stake             `json:"stake,omitempty"`
	Strategies     []StrategyPosition `json:"strategies,omitempty"`
	CreditLine     *CreditLine        `json:"creditLine,omitempty"`
	Credit         *credit.Profile    `json:"credit,omitempty"`
	Escrows        []*escrow.Escrow   `json:"escrows,omitempty"`
}

// Portfolio 并发查询各模块并计算组合指标。
//
// 借款额来自外部借贷模块；未接入借贷模块时使用信用档案的当前余额与额度。
func (r *Router) Portfolio(ctx context.Context, agentID, address string) (*Portfolio, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	out := &Portfolio{AgentID: agentID, Address: address}

	g, gctx := errgroup.WithContext(ctx)
	if r.pool != nil {
		g.Go(func() error {
			pos, err := r.pool.Positions(gctx, address)
			out.Liquidity = pos
			return upstream(SubsystemLiquidity, err)
		})
	}
	if r.staking != nil {
		g.Go(func() error {
			st, err := r.staking.Stake(gctx, address)
			out.Stake = st
			return upstream(SubsystemStaking, err)
		})
	}
	if r.strategies != nil {
		g.Go(func() error {
			pos, err := r.strategies.Positions(gctx, address)
			out.Strategies = pos
			return upstream(SubsystemStrategy, err)
		})
	}
	if r.lending != nil {
		g.Go(func() error {
			line, err := r.lending.CreditLine(gctx, agentID)
			out.CreditLine = line
			return upstream(SubsystemLending, err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if r.credit != nil {
		if p, err := r.credit.Profile(agentID); err == nil {
			out.Credit = p
		}
	}
	if r.escrow != nil && address != "" {
		out.Escrows = r.escrow.ListByClient(address)
	}

	for _, p := range out.Liquidity {
		out.TotalValue = usdc.Add(out.TotalValue, p.Value)
		out.TotalDeposited = usdc.Add(out.TotalDeposited, p.Deposited)
		out.TotalEarned = usdc.Add(out.TotalEarned, p.Earned)
	}
	if out.Stake != nil {
		out.TotalValue = usdc.Add(out.TotalValue, usdc.Add(out.Stake.Amount, out.Stake.Rewards))
		out.TotalDeposited = usdc.Add(out.TotalDeposited, out.Stake.Amount)
		out.TotalEarned = usdc.Add(out.TotalEarned, out.Stake.Rewards)
	}
	for _, p := range out.Strategies {
		out.TotalValue = usdc.Add(out.TotalValue, p.Value)
		out.TotalDeposited = usdc.Add(out.TotalDeposited, p.Deposited)
		out.TotalEarned = usdc.Add(out.TotalEarned, p.Earned)
	}
	if out.TotalDeposited > 0 {
		out.NetAPY = out.TotalEarned / out.TotalDeposited * 12
	}

	utilization := 0.0
	switch {
	case out.CreditLine != nil:
		out.TotalBorrowed = out.CreditLine.Borrowed
		utilization = out.CreditLine.Utilization()
	case out.Credit != nil:
		out.TotalBorrowed = out.Credit.CurrentBalance
		if out.Credit.CreditLimit > 0 {
			utilization = out.Credit.CurrentBalance / out.Credit.CreditLimit
		}
	}

	out.HealthScore = healthScore(out.CreditLine, utilization, out.Stake)
	out.RiskExposure = riskExposure(utilization, out.Strategies)
	return out, nil
}

func healthScore(line *CreditLine, utilization float64, stake *Stake) float64 {
	score := 100.0
	if line != nil && line.Borrowed > 0 {
		if line.HealthFactor < 1.5 {
			score -= 20
		}
		if line.HealthFactor < 1.2 {
			score -= 30
		}
	}
	if utilization > 0.8 {
		score -= 10
	}
	if stake != nil {
		score -= 5 * float64(stake.SlashEvents)
	}
	return clamp(score)
}

func riskExposure(utilization float64, strategies []StrategyPosition) float64 {
	risk := utilization * 30
	for _, p := range strategies {
		risk += p.Value / 10000 * p.RiskLevel
	}
	return clamp(risk)
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

// Participants 统计各模块的独立参与者。
type Participants struct {
	LiquidityProviders int `json:"liquidityProviders"`
	Borrowers          int `json:"borrowers"`
	Stakers            int `json:"stakers"`
	Policyholders      int `json:"policyholders"`
	StrategyDepositors int `json:"strategyDepositors"`
	CreditProfiles     int `json:"creditProfiles"`
	Providers          int `json:"providers"`
}

// SystemStats 是整个结算层的汇总。
type SystemStats struct {
	TVL               float64          `json:"tvl"`
	AverageAPY        float64          `json:"averageApy"`
	TotalLoans        float64          `json:"totalLoans"`
	TotalDefaults     int              `json:"totalDefaults"`
	FlashLoanVolume   float64          `json:"flashLoanVolume"`
	FlashLoanFees     float64          `json:"flashLoanFees"`
	InsuranceCoverage float64          `json:"insuranceCoverage"`
	InsurancePremiums float64          `json:"insurancePremiums"`
	InsuranceClaims   float64          `json:"insuranceClaims"`
	Participants      Participants     `json:"participants"`
	Escrow            *escrow.Stats    `json:"escrow,omitempty"`
	Credit            *credit.Stats    `json:"credit,omitempty"`
	FlashLoans        *flashloan.Stats `json:"flashLoans,omitempty"`
	Failover          *failover.Stats  `json:"failover,omitempty"`
}

// SystemStats 汇总所有已接入模块。平均 APY 取池子、质押与策略中已接入部分的算术平均。
func (r *Router) SystemStats(ctx context.Context) (*SystemStats, error) {
	var (
		pool      PoolStats
		lending   LendingStats
		staking   StakingStats
		insurance InsuranceStats
		strategy  StrategyStats
	)
	g, gctx := errgroup.WithContext(ctx)
	if r.pool != nil {
		g.Go(func() (err error) {
			pool, err = r.pool.Stats(gctx)
			return upstream(SubsystemLiquidity, err)
		})
	}
	if r.lending != nil {
		g.Go(func() (err error) {
			lending, err = r.lending.Stats(gctx)
			return upstream(SubsystemLending, err)
		})
	}
	if r.staking != nil {
		g.Go(func() (err error) {
			staking, err = r.staking.Stats(gctx)
			return upstream(SubsystemStaking, err)
		})
	}
	if r.insurance != nil {
		g.Go(func() (err error) {
			insurance, err = r.insurance.Stats(gctx)
			return upstream(SubsystemInsurance, err)
		})
	}
	if r.strategies != nil {
		g.Go(func() (err error) {
			strategy, err = r.strategies.Stats(gctx)
			return upstream(SubsystemStrategy, err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &SystemStats{
		TVL:               usdc.Sum(pool.TotalLiquidity, staking.TotalStaked, insurance.Reserves, strategy.TVL),
		TotalLoans:        lending.TotalOutstanding,
		TotalDefaults:     lending.TotalDefaults,
		InsuranceCoverage: insurance.TotalCoverage,
		InsurancePremiums: insurance.TotalPremiums,
		InsuranceClaims:   insurance.TotalClaims,
		Participants: Participants{
			LiquidityProviders: pool.Providers,
			Borrowers:          lending.Borrowers,
			Stakers:            staking.Stakers,
			Policyholders:      insurance.Policyholders,
			StrategyDepositors: strategy.Depositors,
		},
	}

	var apys []float64
	if r.pool != nil {
		apys = append(apys, pool.APY)
	}
	if r.staking != nil {
		apys = append(apys, staking.APY)
	}
	if r.strategies != nil {
		apys = append(apys, strategy.AverageAPY)
	}
	if len(apys) > 0 {
		sum := 0.0
		for _, a := range apys {
			sum += a
		}
		out.AverageAPY = sum / float64(len(apys))
	}

	if r.escrow != nil {
		st := r.escrow.Stats()
		out.Escrow = &st
	}
	if r.credit != nil {
		st := r.credit.Stats()
		out.Credit = &st
		out.Participants.CreditProfiles = st.Profiles
		out.TotalDefaults += st.TotalDefaults
	}
	if r.flash != nil {
		st, err := r.flash.Stats(ctx)
		if err != nil {
			r.log.Warn("闪电贷池子不可查询", slog.Any("error", err))
		}
		out.FlashLoans = &st
		out.FlashLoanVolume = st.TotalVolume
		out.FlashLoanFees = st.TotalFees
	}
	if r.failover != nil {
		st := r.failover.Stats()
		out.Failover = &st
		out.Participants.Providers = st.TotalProviders
	}
	return out, nil
}
