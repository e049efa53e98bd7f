package settlement

import (
	"context"

	xerrors "OpenMCP-Settlement/internal/errors"
)

func positive(amount float64) error {
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "amount must be positive")
	}
	return nil
}

// QuickDeposit 把资金存入默认流动性池。
func (r *Router) QuickDeposit(ctx context.Context, address string, amount float64) (*Position, error) {
	if r.pool == nil {
		return nil, notConfigured(SubsystemLiquidity)
	}
	if err := positive(amount); err != nil {
		return nil, err
	}
	pos, err := r.pool.Deposit(ctx, r.poolID, address, amount)
	return pos, upstream(SubsystemLiquidity, err)
}

// QuickBorrow 从借贷模块借款。
func (r *Router) QuickBorrow(ctx context.Context, agentID, address string, amount float64) (*CreditLine, error) {
	if r.lending == nil {
		return nil, notConfigured(SubsystemLending)
	}
	if err := positive(amount); err != nil {
		return nil, err
	}
	line, err := r.lending.Borrow(ctx, agentID, address, amount)
	return line, upstream(SubsystemLending, err)
}

// QuickStake 质押，lockDays 为 0 时表示随时可取。
func (r *Router) QuickStake(ctx context.Context, address string, amount float64, lockDays int) (*Stake, error) {
	if r.staking == nil {
		return nil, notConfigured(SubsystemStaking)
	}
	if err := positive(amount); err != nil {
		return nil, err
	}
	if lockDays < 0 {
		lockDays = 0
	}
	st, err := r.staking.Deposit(ctx, address, amount, lockDays)
	return st, upstream(SubsystemStaking, err)
}

// QuickStrategyDeposit 存入指定收益策略。
func (r *Router) QuickStrategyDeposit(ctx context.Context, strategyID, address string, amount float64) (*StrategyPosition, error) {
	if r.strategies == nil {
		return nil, notConfigured(SubsystemStrategy)
	}
	if strategyID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "strategy id is required")
	}
	if err := positive(amount); err != nil {
		return nil, err
	}
	pos, err := r.strategies.Deposit(ctx, strategyID, address, amount)
	return pos, upstream(SubsystemStrategy, err)
}

// QuickInsure 购买保险，days 默认 30 天。
func (r *Router) QuickInsure(ctx context.Context, holder string, coverage float64, days int) (*Policy, error) {
	if r.insurance == nil {
		return nil, notConfigured(SubsystemInsurance)
	}
	if err := positive(coverage); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 30
	}
	p, err := r.insurance.Insure(ctx, holder, coverage, days)
	return p, upstream(SubsystemInsurance, err)
}
