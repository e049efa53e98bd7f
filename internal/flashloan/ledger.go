package flashloan

import (
	"context"
	"sync"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/pkg/usdc"
)

// PoolInfo 是流动性池的快照。
type PoolInfo struct {
	ID              string  `json:"id"`
	TotalLiquidity  float64 `json:"totalLiquidity"`
	Borrowed        float64 `json:"borrowed"`
	InterestEarned  float64 `json:"interestEarned"`
	UtilizationRate float64 `json:"utilizationRate"`
	APY             float64 `json:"apy"`
}

// Ledger 是外部流动性账本提供的借还原语。
type Ledger interface {
	BorrowFromPool(ctx context.Context, poolID string, amount float64) (bool, error)
	RepayToPool(ctx context.Context, poolID string, principal, interest float64) error
	AvailableForBorrowing(ctx context.Context, poolID string) (float64, error)
	Pool(ctx context.Context, poolID string) (PoolInfo, error)
}

// MemoryPool 是进程内的单池账本，供开发环境和测试使用。
type MemoryPool struct {
	mu       sync.Mutex
	id       string
	total    float64
	borrowed float64
	interest float64
	apy      float64
}

// NewMemoryPool 创建带初始流动性的内存池。
func NewMemoryPool(id string, liquidity float64) *MemoryPool {
	return &MemoryPool{id: id, total: liquidity}
}

func (p *MemoryPool) check(poolID string) error {
	if poolID != p.id {
		return xerrors.New(xerrors.CodeNotFound, "pool not found", xerrors.WithMetadata("pool_id", poolID))
	}
	return nil
}

// Deposit 增加池子流动性。
func (p *MemoryPool) Deposit(amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = usdc.Add(p.total, amount)
}

// SetAPY 设置池子对外展示的年化收益。
func (p *MemoryPool) SetAPY(apy float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apy = apy
}

// Balance 返回池内未借出的余额。
func (p *MemoryPool) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return usdc.Sub(p.total, p.borrowed)
}

// BorrowFromPool 实现 Ledger。余额不足时返回 false。
func (p *MemoryPool) BorrowFromPool(_ context.Context, poolID string, amount float64) (bool, error) {
	if err := p.check(poolID); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount <= 0 || amount > usdc.Sub(p.total, p.borrowed) {
		return false, nil
	}
	p.borrowed = usdc.Add(p.borrowed, amount)
	return true, nil
}

// RepayToPool 实现 Ledger。利息计入池子总流动性。
func (p *MemoryPool) RepayToPool(_ context.Context, poolID string, principal, interest float64) error {
	if err := p.check(poolID); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.borrowed = usdc.Sub(p.borrowed, principal)
	if p.borrowed < 0 {
		p.borrowed = 0
	}
	if interest > 0 {
		p.total = usdc.Add(p.total, interest)
		p.interest = usdc.Add(p.interest, interest)
	}
	return nil
}

// AvailableForBorrowing 实现 Ledger。
func (p *MemoryPool) AvailableForBorrowing(_ context.Context, poolID string) (float64, error) {
	if err := p.check(poolID); err != nil {
		return 0, err
	}
	return p.Balance(), nil
}

// Pool 实现 Ledger。
func (p *MemoryPool) Pool(_ context.Context, poolID string) (PoolInfo, error) {
	if err := p.check(poolID); err != nil {
		return PoolInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	info := PoolInfo{
		ID:             p.id,
		TotalLiquidity: p.total,
		Borrowed:       p.borrowed,
		InterestEarned: p.interest,
		APY:            p.apy,
	}
	if p.total > 0 {
		info.UtilizationRate = p.borrowed / p.total
	}
	return info, nil
}

var _ Ledger = (*MemoryPool)(nil)
