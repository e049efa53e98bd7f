package flashloan

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/internal/events"
	"OpenMCP-Settlement/internal/observability/alerting"
	"OpenMCP-Settlement/internal/observability/metrics"
	"OpenMCP-Settlement/internal/web3"
	"OpenMCP-Settlement/pkg/logger"
	"OpenMCP-Settlement/pkg/usdc"
)

// Config 控制闪电贷的费率与限额。
type Config struct {
	PoolID           string
	FeeRate          float64
	MaxPoolRatio     float64
	MaxExecutionTime time.Duration
	HistorySize      int
}

// DefaultConfig 返回默认配置：0.05% 手续费，单笔最多借出池子可用余额的一半。
func DefaultConfig() Config {
	return Config{
		PoolID:           "main",
		FeeRate:          0.0005,
		MaxPoolRatio:     0.5,
		MaxExecutionTime: 30 * time.Second,
		HistorySize:      1000,
	}
}

// Option 自定义 Manager。
type Option func(*Manager)

// WithSettler 指定产生还款交易哈希的结算服务。
func WithSettler(s web3.Settler) Option {
	return func(m *Manager) {
		if s != nil {
			m.settler = s
		}
	}
}

// WithMetrics 注入指标收集器。
func WithMetrics(r *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithAlerts 指定违约告警的分发器。
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

type counters struct {
	loans      int
	successful int
	failed     int
	volume     float64
	fees       float64
}

// Manager 在单个流动性池上发放闪电贷。
//
// 借出、回调、归还在一次 Flash 调用内完成。回调失败时只归还本金，
// 池子余额恢复到借款前，手续费不入账。
type Manager struct {
	mu       sync.Mutex
	active   map[string]*Loan
	history  []*Loan
	counters counters

	ledger  Ledger
	cfg     Config
	settler web3.Settler
	bus     *events.Bus
	metrics *metrics.Registry
	alerts  alerting.Dispatcher
	now     func() time.Time
	log     *slog.Logger
}

// NewManager 创建闪电贷管理器。
func NewManager(ledger Ledger, cfg Config, opts ...Option) (*Manager, error) {
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "flash loan ledger is required")
	}
	def := DefaultConfig()
	if strings.TrimSpace(cfg.PoolID) == "" {
		cfg.PoolID = def.PoolID
	}
	if cfg.FeeRate < 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "flash loan fee rate must not be negative")
	}
	if cfg.MaxPoolRatio <= 0 || cfg.MaxPoolRatio > 1 {
		cfg.MaxPoolRatio = def.MaxPoolRatio
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = def.MaxExecutionTime
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	m := &Manager{
		active:  make(map[string]*Loan),
		ledger:  ledger,
		cfg:     cfg,
		settler: web3.NewSyntheticSettler(),
		bus:     events.NewBus("flashloan"),
		now:     time.Now,
		log:     logger.Named("flashloan"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Events 返回闪电贷事件总线。
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// Config 返回生效的配置。
func (m *Manager) Config() Config {
	return m.cfg
}

// CalculateFee 计算给定借款金额的手续费。
func (m *Manager) CalculateFee(amount float64) float64 {
	return usdc.Mul(amount, m.cfg.FeeRate)
}

// CheckAvailability 查询池子能否借出 amount。amount 为 0 时只返回额度信息。
func (m *Manager) CheckAvailability(ctx context.Context, amount float64) (Availability, error) {
	avail := Availability{FeeRate: m.cfg.FeeRate}
	free, err := m.ledger.AvailableForBorrowing(ctx, m.cfg.PoolID)
	if err != nil {
		return avail, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "query pool liquidity",
			xerrors.WithMetadata("pool_id", m.cfg.PoolID))
	}
	info, err := m.ledger.Pool(ctx, m.cfg.PoolID)
	if err != nil {
		return avail, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "query pool",
			xerrors.WithMetadata("pool_id", m.cfg.PoolID))
	}
	avail.MaxAmount = usdc.Mul(free, m.cfg.MaxPoolRatio)
	avail.PoolUtilization = info.UtilizationRate
	avail.Available = avail.MaxAmount > 0 && amount <= avail.MaxAmount
	return avail, nil
}

// Flash 借出 amount，执行回调并在同一调用内结算。
//
// 回调失败、超时或归还不足时，返回的 Result 与 error 均非空，借款记为违约。
func (m *Manager) Flash(ctx context.Context, borrower, borrowerAddress string, amount float64, cb Callback, opts Options) (*Result, error) {
	borrower = strings.TrimSpace(borrower)
	if borrower == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "borrower is required")
	}
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "loan amount must be positive")
	}
	if cb == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "flash loan callback is required")
	}
	if err := web3.ValidateAddress(borrowerAddress); err != nil {
		return nil, err
	}
	amount = usdc.Round(amount)

	avail, err := m.CheckAvailability(ctx, amount)
	if err != nil {
		return nil, err
	}
	if !avail.Available {
		return nil, xerrors.New(CodePoolUnavailable, fmt.Sprintf("requested %s exceeds max loan %s", usdc.Format(amount), usdc.Format(avail.MaxAmount)),
			xerrors.WithMetadata("pool_id", m.cfg.PoolID))
	}
	ok, err := m.ledger.BorrowFromPool(ctx, m.cfg.PoolID, amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "borrow from pool",
			xerrors.WithMetadata("pool_id", m.cfg.PoolID))
	}
	if !ok {
		return nil, xerrors.New(CodePoolUnavailable, "pool refused the borrow",
			xerrors.WithMetadata("pool_id", m.cfg.PoolID))
	}

	loan := &Loan{
		ID:              uuid.NewString(),
		Borrower:        borrower,
		BorrowerAddress: web3.NormalizeAddress(borrowerAddress),
		Amount:          amount,
		Fee:             m.CalculateFee(amount),
		FeeRate:         m.cfg.FeeRate,
		IntentID:        opts.IntentID,
		Purpose:         opts.Purpose,
		BorrowedAt:      m.now(),
		Status:          StatusExecuting,
	}
	m.mu.Lock()
	m.active[loan.ID] = loan
	m.counters.loans++
	started := loan.clone()
	m.mu.Unlock()

	m.log.Debug("闪电贷已借出",
		slog.String("loan_id", started.ID),
		slog.String("borrower", started.Borrower),
		slog.String("amount", usdc.Format(started.Amount)))
	m.bus.Emit(EventLoanStarted, started.ID, started)

	res, cbErr := m.run(ctx, *started, cb)
	if cbErr == nil {
		cbErr = checkRepayment(*started, res)
	}
	// 结算不受调用方取消影响，否则借出的资金无法回到池子。
	settleCtx := context.WithoutCancel(ctx)
	if cbErr != nil {
		return m.fail(settleCtx, loan, cbErr)
	}
	return m.repay(settleCtx, loan, res)
}

func (m *Manager) run(ctx context.Context, loan Loan, cb Callback) (CallbackResult, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, m.cfg.MaxExecutionTime)
	defer cancel()

	type outcome struct {
		res CallbackResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("callback panic: %v", r)}
			}
		}()
		res, err := cb(runCtx, loan)
		done <- outcome{res: res, err: err}
	}()

	timedOut := func() error {
		return xerrors.New(xerrors.CodeTimeout,
			fmt.Sprintf("flash loan callback timed out after %s", time.Since(start).Round(time.Millisecond)),
			xerrors.WithMetadata("loan_id", loan.ID),
			xerrors.WithMetadata("limit", m.cfg.MaxExecutionTime.String()))
	}

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() == nil && stdErrors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return out.res, timedOut()
			}
			return out.res, xerrors.Wrap(CodeCallbackFailed, out.err, "flash loan callback failed",
				xerrors.WithMetadata("loan_id", loan.ID))
		}
		return out.res, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return CallbackResult{}, xerrors.Wrap(CodeCallbackFailed, ctx.Err(), "flash loan cancelled",
				xerrors.WithMetadata("loan_id", loan.ID))
		}
		return CallbackResult{}, timedOut()
	}
}

func checkRepayment(loan Loan, res CallbackResult) error {
	if !res.Success {
		msg := "callback reported failure"
		if res.Err != nil {
			return xerrors.Wrap(CodeCallbackFailed, res.Err, msg, xerrors.WithMetadata("loan_id", loan.ID))
		}
		return xerrors.New(CodeCallbackFailed, msg, xerrors.WithMetadata("loan_id", loan.ID))
	}
	required := loan.Required()
	if usdc.Round(res.RepaidAmount) < usdc.Round(required) {
		return xerrors.New(CodeRepaymentInsufficient,
			fmt.Sprintf("insufficient repayment: repaid %s, required %s", usdc.Format(res.RepaidAmount), usdc.Format(required)),
			xerrors.WithMetadata("loan_id", loan.ID))
	}
	return nil
}

func (m *Manager) repay(ctx context.Context, loan *Loan, res CallbackResult) (*Result, error) {
	if err := m.ledger.RepayToPool(ctx, m.cfg.PoolID, loan.Amount, loan.Fee); err != nil {
		return m.fail(ctx, loan, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "repay pool",
			xerrors.WithMetadata("loan_id", loan.ID)))
	}
	var txHash string
	hash, err := m.settler.Settle(ctx, web3.Transfer{
		Operation: web3.OpFlashRepay,
		Reference: loan.ID,
		From:      loan.BorrowerAddress,
		Amount:    loan.Required(),
	})
	if err != nil {
		m.log.Warn("闪电贷还款交易生成失败", slog.String("loan_id", loan.ID), slog.Any("error", err))
	} else {
		txHash = hash.Hex()
	}

	m.mu.Lock()
	now := m.now()
	loan.Status = StatusRepaid
	loan.RepaidAt = &now
	loan.RepaidAmount = loan.Required()
	loan.Profit = usdc.Round(res.Profit)
	loan.ExecutionDuration = now.Sub(loan.BorrowedAt)
	loan.TxHash = txHash
	m.counters.successful++
	m.counters.volume = usdc.Add(m.counters.volume, loan.Amount)
	m.counters.fees = usdc.Add(m.counters.fees, loan.Fee)
	m.archiveLocked(loan)
	done := loan.clone()
	m.mu.Unlock()

	m.metrics.ObserveFlashLoan(string(StatusRepaid), done.Amount, done.Fee, done.ExecutionDuration)
	logger.Audit().Info("flash loan repaid",
		slog.String("loan_id", done.ID),
		slog.String("borrower", done.Borrower),
		slog.String("amount", usdc.Format(done.Amount)),
		slog.String("fee", usdc.Format(done.Fee)),
		slog.String("tx_hash", done.TxHash))
	m.bus.Emit(EventLoanRepaid, done.ID, done)
	return resultOf(done), nil
}

func (m *Manager) fail(ctx context.Context, loan *Loan, cause error) (*Result, error) {
	if err := m.ledger.RepayToPool(ctx, m.cfg.PoolID, loan.Amount, 0); err != nil {
		m.log.Error("闪电贷本金归还失败",
			slog.String("loan_id", loan.ID),
			slog.String("amount", usdc.Format(loan.Amount)),
			slog.Any("error", err))
		alerting.Dispatch(ctx, m.alerts, alerting.FromError("flashloan", loan.ID,
			xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "return flash loan principal",
				xerrors.WithSeverity(xerrors.SeverityCritical))))
	}

	m.mu.Lock()
	now := m.now()
	loan.Status = StatusDefaulted
	loan.ExecutionDuration = now.Sub(loan.BorrowedAt)
	loan.Error = cause.Error()
	m.counters.failed++
	m.archiveLocked(loan)
	done := loan.clone()
	m.mu.Unlock()

	m.metrics.ObserveFlashLoan(string(StatusDefaulted), done.Amount, done.Fee, done.ExecutionDuration)
	logger.Audit().Warn("flash loan defaulted",
		slog.String("loan_id", done.ID),
		slog.String("borrower", done.Borrower),
		slog.String("amount", usdc.Format(done.Amount)),
		slog.String("code", string(xerrors.CodeOf(cause))),
		slog.String("error", done.Error))
	alerting.Dispatch(ctx, m.alerts, alerting.FromError("flashloan", done.ID, cause))
	m.bus.Emit(EventLoanDefaulted, done.ID, done)
	return resultOf(done), cause
}

func (m *Manager) archiveLocked(loan *Loan) {
	delete(m.active, loan.ID)
	m.history = append(m.history, loan)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append([]*Loan(nil), m.history[over:]...)
	}
}

func resultOf(l *Loan) *Result {
	return &Result{
		Success:      l.Status == StatusRepaid,
		LoanID:       l.ID,
		Amount:       l.Amount,
		Fee:          l.Fee,
		RepaidAmount: l.RepaidAmount,
		Profit:       l.Profit,
		TxHash:       l.TxHash,
		Duration:     l.ExecutionDuration,
		Error:        l.Error,
	}
}

// FlashSimple 使用内置回调借款，回调总是足额归还并记录 0.1% 的模拟收益。
func (m *Manager) FlashSimple(ctx context.Context, borrower, borrowerAddress string, amount float64, opts Options) (*Result, error) {
	return m.Flash(ctx, borrower, borrowerAddress, amount, func(_ context.Context, loan Loan) (CallbackResult, error) {
		return CallbackResult{
			Success:      true,
			RepaidAmount: loan.Required(),
			Profit:       usdc.Mul(loan.Amount, 0.001),
		}, nil
	}, opts)
}

// Loan 按 ID 查询借款，包括执行中和已结束的。
func (m *Manager) Loan(id string) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.active[id]; ok {
		return l.clone(), nil
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i].clone(), nil
		}
	}
	return nil, xerrors.New(xerrors.CodeNotFound, "flash loan not found", xerrors.WithMetadata("loan_id", id))
}

// ActiveLoans 返回执行中的借款，按借出时间排序。
func (m *Manager) ActiveLoans() []Loan {
	m.mu.Lock()
	out := make([]Loan, 0, len(m.active))
	for _, l := range m.active {
		out = append(out, *l.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BorrowedAt.Before(out[j].BorrowedAt) })
	return out
}

// History 返回最近结束的借款，最新的在前。limit <= 0 时返回全部。
func (m *Manager) History(limit int) []Loan {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Loan, 0, n)
	for i := len(m.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *m.history[i].clone())
	}
	return out
}

// Stats 返回借款统计。池子不可查询时 Availability 为零值并返回错误。
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	st := Stats{
		TotalLoans:      m.counters.loans,
		SuccessfulLoans: m.counters.successful,
		FailedLoans:     m.counters.failed,
		ActiveLoans:     len(m.active),
		TotalVolume:     m.counters.volume,
		TotalFees:       m.counters.fees,
	}
	m.mu.Unlock()
	if st.TotalLoans > 0 {
		st.SuccessRate = float64(st.SuccessfulLoans) / float64(st.TotalLoans)
	}
	if st.SuccessfulLoans > 0 {
		st.AverageLoanSize = usdc.Round(st.TotalVolume / float64(st.SuccessfulLoans))
	}
	avail, err := m.CheckAvailability(ctx, 0)
	st.Availability = avail
	return st, err
}
