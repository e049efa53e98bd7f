package settlement

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Settlement/internal/credit"
	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/internal/escrow"
	"OpenMCP-Settlement/internal/events"
	"OpenMCP-Settlement/internal/failover"
	"OpenMCP-Settlement/internal/flashloan"
	"OpenMCP-Settlement/pkg/logger"
)

// 子系统名称，同时用作转发事件的前缀。
const (
	SubsystemEscrow    = "escrow"
	SubsystemCredit    = "credit"
	SubsystemFlashLoan = "flashloan"
	SubsystemFailover  = "failover"
	SubsystemLiquidity = "liquidity"
	SubsystemLending   = "lending"
	SubsystemStaking   = "staking"
	SubsystemInsurance = "insurance"
	SubsystemStrategy  = "strategy"
)

// Option 自定义 Router。
type Option func(*Router)

// WithEscrow 接入托管管理器。
func WithEscrow(m *escrow.Manager) Option { return func(r *Router) { r.escrow = m } }

// WithCredit 接入信用评分。
func WithCredit(s *credit.Scorer) Option { return func(r *Router) { r.credit = s } }

// WithFlashLoans 接入闪电贷管理器。
func WithFlashLoans(m *flashloan.Manager) Option { return func(r *Router) { r.flash = m } }

// WithFailover 接入故障转移管理器。
func WithFailover(m *failover.Manager) Option { return func(r *Router) { r.failover = m } }

// WithLiquidityPool 接入外部流动性池。
func WithLiquidityPool(p LiquidityPool) Option { return func(r *Router) { r.pool = p } }

// WithLending 接入外部借贷模块。
func WithLending(l LendingManager) Option { return func(r *Router) { r.lending = l } }

// WithStaking 接入外部质押模块。
func WithStaking(s StakingManager) Option { return func(r *Router) { r.staking = s } }

// WithInsurance 接入外部保险模块。
func WithInsurance(i InsuranceManager) Option { return func(r *Router) { r.insurance = i } }

// WithStrategies 接入外部策略模块。
func WithStrategies(s StrategyManager) Option { return func(r *Router) { r.strategies = s } }

// WithDefaultPool 设置 QuickDeposit 使用的池子。
func WithDefaultPool(poolID string) Option {
	return func(r *Router) {
		if poolID != "" {
			r.poolID = poolID
		}
	}
}

// Router 是结算层的聚合门面。所有子模块都可以为空，对应部分在视图中留空。
type Router struct {
	escrow     *escrow.Manager
	credit     *credit.Scorer
	flash      *flashloan.Manager
	failover   *failover.Manager
	pool       LiquidityPool
	lending    LendingManager
	staking    StakingManager
	insurance  InsuranceManager
	strategies StrategyManager
	poolID     string

	bus   *events.Bus
	group errgroup.Group
	mu    sync.Mutex
	subs  map[string]struct{}
	log   *slog.Logger
}

// NewRouter 创建聚合路由。
func NewRouter(opts ...Option) *Router {
	r := &Router{
		poolID: "main",
		bus:    events.NewBus("settlement"),
		subs:   make(map[string]struct{}),
		log:    logger.Named("settlement"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Events 返回聚合事件流。
func (r *Router) Events() *events.Bus {
	return r.bus
}

// Attach 订阅 src，把每个事件以 "<subsystem>:<type>" 转发，并额外发送一个 aggregate:event。
// 订阅在返回前完成，转发持续到 ctx 取消。同一子系统只能接入一次。
func (r *Router) Attach(ctx context.Context, subsystem string, src events.Source) error {
	if subsystem == "" || src == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "subsystem and source are required")
	}
	r.mu.Lock()
	if _, ok := r.subs[subsystem]; ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, "subsystem already attached", xerrors.WithMetadata("subsystem", subsystem))
	}
	r.subs[subsystem] = struct{}{}
	r.mu.Unlock()

	ch := make(chan events.Event, 128)
	sub := src.Subscribe(ch)
	r.group.Go(func() error {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case err, ok := <-sub.Err():
				if !ok {
					return nil
				}
				r.log.Error("子系统事件订阅中断", slog.String("subsystem", subsystem), slog.Any("error", err))
				return err
			case evt := <-ch:
				r.forward(subsystem, evt)
			}
		}
	})
	return nil
}

func (r *Router) forward(subsystem string, evt events.Event) {
	namespaced := events.Event{
		Source:     evt.Source,
		Type:       subsystem + ":" + evt.Type,
		Subject:    evt.Subject,
		Payload:    evt.Payload,
		OccurredAt: evt.OccurredAt,
	}
	r.bus.Publish(namespaced)
	r.bus.Publish(events.Event{
		Source:     evt.Source,
		Type:       events.AggregateType,
		Subject:    evt.Subject,
		Payload:    namespaced,
		OccurredAt: evt.OccurredAt,
	})
}

// AttachAll 接入所有已配置的内部管理器。
func (r *Router) AttachAll(ctx context.Context) error {
	var errs []error
	attach := func(name string, bus *events.Bus) {
		if err := r.Attach(ctx, name, bus); err != nil {
			errs = append(errs, err)
		}
	}
	if r.escrow != nil {
		attach(SubsystemEscrow, r.escrow.Events())
	}
	if r.credit != nil {
		attach(SubsystemCredit, r.credit.Events())
	}
	if r.flash != nil {
		attach(SubsystemFlashLoan, r.flash.Events())
	}
	if r.failover != nil {
		attach(SubsystemFailover, r.failover.Events())
	}
	return stdErrors.Join(errs...)
}

// Wait 阻塞直到所有转发结束，返回第一个订阅错误。
func (r *Router) Wait() error {
	return r.group.Wait()
}

func notConfigured(subsystem string) error {
	return xerrors.New(xerrors.CodeInvalidState, "subsystem not configured", xerrors.WithMetadata("subsystem", subsystem))
}

func upstream(subsystem string, err error) error {
	if err == nil {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "query "+subsystem, xerrors.WithMetadata("subsystem", subsystem))
}
