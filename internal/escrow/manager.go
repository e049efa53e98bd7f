package escrow

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/internal/events"
	"OpenMCP-Settlement/internal/observability/metrics"
	"OpenMCP-Settlement/internal/web3"
	"OpenMCP-Settlement/pkg/logger"
	"OpenMCP-Settlement/pkg/usdc"
)

// Option 自定义 Manager。
type Option func(*Manager)

// WithSettler 指定产生交易哈希的结算服务。
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

// WithCurrency 设置 Deposit 未指定币种时使用的默认币种。
func WithCurrency(currency string) Option {
	return func(m *Manager) {
		if currency != "" {
			m.currency = currency
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type totals struct {
	escrowed float64
	released float64
	refunded float64
	slashed  float64
}

// Manager 负责托管资金的完整生命周期。
//
// 所有内存状态的修改都在同一个临界区内完成。与结算服务交互期间会释放锁，
// 期间对应托管被标记为 in-flight，其它修改请求返回 ErrOperationInProgress。
// Create 在调用结算服务前即写入 created 状态，调用方可能短暂观察到尚未注资的托管。
type Manager struct {
	mu       sync.Mutex
	escrows  map[string]*Escrow
	byIntent map[string]string
	byClient map[string][]string
	inflight map[string]struct{}
	totals   totals

	settler  web3.Settler
	bus      *events.Bus
	metrics  *metrics.Registry
	currency string
	now      func() time.Time
	log      *slog.Logger
}

// NewManager 创建托管管理器。
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		escrows:  make(map[string]*Escrow),
		byIntent: make(map[string]string),
		byClient: make(map[string][]string),
		inflight: make(map[string]struct{}),
		settler:  web3.NewSyntheticSettler(),
		bus:      events.NewBus("escrow"),
		currency: "USDC",
		now:      time.Now,
		log:      logger.Named("escrow"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events 返回托管事件总线。
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// Create 创建托管并立即完成注资。
func (m *Manager) Create(ctx context.Context, dep Deposit) (*Escrow, error) {
	dep.IntentID = strings.TrimSpace(dep.IntentID)
	if dep.IntentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "intent id is required")
	}
	if dep.Amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "escrow amount must be positive")
	}
	if err := web3.ValidateAddress(dep.ClientAddress); err != nil {
		return nil, err
	}
	if dep.Currency == "" {
		dep.Currency = m.currency
	}

	m.mu.Lock()
	prevID, hasPrev := m.byIntent[dep.IntentID]
	if hasPrev {
		if prev := m.escrows[prevID]; prev != nil && !prev.Status.Terminal() {
			m.mu.Unlock()
			m.metrics.ObserveEscrow("create", metrics.ResultRejected, 0)
			return nil, xerrors.New(xerrors.CodeConflict, ErrActiveEscrow.Message(),
				xerrors.WithMetadata("intent_id", dep.IntentID),
				xerrors.WithMetadata("escrow_id", prevID))
		}
	}
	esc := &Escrow{
		ID:            uuid.NewString(),
		IntentID:      dep.IntentID,
		ClientAddress: web3.NormalizeAddress(dep.ClientAddress),
		Amount:        usdc.Round(dep.Amount),
		Currency:      dep.Currency,
		Status:        StatusCreated,
		CreatedAt:     m.now(),
	}
	m.escrows[esc.ID] = esc
	m.byIntent[esc.IntentID] = esc.ID
	clientKey := addressKey(esc.ClientAddress)
	m.byClient[clientKey] = append(m.byClient[clientKey], esc.ID)
	created := esc.clone()
	m.mu.Unlock()

	m.bus.Emit(EventCreated, created.ID, created)

	hash, err := m.settler.Settle(ctx, web3.Transfer{
		Operation: web3.OpDeposit,
		Reference: created.ID,
		From:      created.ClientAddress,
		Amount:    created.Amount,
		Currency:  created.Currency,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.escrows, created.ID)
		if hasPrev {
			m.byIntent[created.IntentID] = prevID
		} else {
			delete(m.byIntent, created.IntentID)
		}
		m.byClient[clientKey] = removeID(m.byClient[clientKey], created.ID)
		if len(m.byClient[clientKey]) == 0 {
			delete(m.byClient, clientKey)
		}
		m.mu.Unlock()

		m.metrics.ObserveEscrow("create", metrics.ResultFailed, 0)
		m.log.Warn("托管注资失败", slog.String("escrow_id", created.ID), slog.Any("error", err))
		m.bus.Emit(EventFundingFailed, created.ID, created)
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "fund escrow",
			xerrors.WithMetadata("escrow_id", created.ID))
	}

	m.mu.Lock()
	now := m.now()
	esc.Status = StatusFunded
	esc.FundedAt = &now
	esc.TxHashes.Deposit = hash.Hex()
	m.totals.escrowed = usdc.Add(m.totals.escrowed, esc.Amount)
	funded := esc.clone()
	m.mu.Unlock()

	m.metrics.ObserveEscrow("create", metrics.ResultOK, funded.Amount)
	logger.Audit().Info("escrow funded",
		slog.String("escrow_id", funded.ID),
		slog.String("intent_id", funded.IntentID),
		slog.String("client", funded.ClientAddress),
		slog.String("amount", usdc.Format(funded.Amount)),
		slog.String("tx_hash", funded.TxHashes.Deposit))
	m.bus.Emit(EventFunded, funded.ID, funded)
	return funded, nil
}

// Release 把托管资金放给服务方，剩余部分退回委托方。金额为 0 时全部退回。
func (m *Manager) Release(ctx context.Context, req ReleaseRequest) (*ReleaseResult, error) {
	if req.Amount < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "release amount must not be negative")
	}
	if err := web3.ValidateAddress(req.RecipientAddress); err != nil {
		return nil, err
	}
	amount := usdc.Round(req.Amount)

	var result ReleaseResult
	esc, err := m.transition(ctx, "release", req.EscrowID,
		func(e *Escrow) error {
			if e.Status != StatusFunded {
				return stateError(e, "release")
			}
			if amount > e.Amount {
				return xerrors.New(xerrors.CodeLimitExceeded, ErrAmountExceeded.Message(),
					xerrors.WithMetadata("escrow_id", e.ID),
					xerrors.WithMetadata("requested", usdc.Format(amount)),
					xerrors.WithMetadata("escrowed", usdc.Format(e.Amount)))
			}
			return nil
		},
		func(e *Escrow) web3.Transfer {
			return web3.Transfer{Operation: web3.OpRelease, Reference: e.ID, From: e.ClientAddress, To: req.RecipientAddress, Amount: amount, Currency: e.Currency}
		},
		func(e *Escrow, hash string, now time.Time) {
			refund := usdc.Sub(e.Amount, amount)
			e.Status = StatusReleased
			e.ReleasedAt = &now
			e.RecipientAddress = web3.NormalizeAddress(req.RecipientAddress)
			e.ReleasedAmount = amount
			e.RefundedAmount = refund
			e.TxHashes.Release = hash
			m.totals.released = usdc.Add(m.totals.released, amount)
			if refund > 0 {
				m.totals.refunded = usdc.Add(m.totals.refunded, refund)
			}
			result = ReleaseResult{TxHash: hash, Amount: amount, RefundAmount: refund}
		})
	if err != nil {
		return nil, err
	}
	m.bus.Emit(EventReleased, esc.ID, esc)
	return &result, nil
}

// Refund 将托管资金全额退回委托方。funded 与 disputed 状态均可退款。
func (m *Manager) Refund(ctx context.Context, escrowID, reason string) (*RefundResult, error) {
	var result RefundResult
	esc, err := m.transition(ctx, "refund", escrowID,
		func(e *Escrow) error {
			if e.Status != StatusFunded && e.Status != StatusDisputed {
				return stateError(e, "refund")
			}
			return nil
		},
		func(e *Escrow) web3.Transfer {
			return web3.Transfer{Operation: web3.OpRefund, Reference: e.ID, To: e.ClientAddress, Amount: e.Amount, Currency: e.Currency}
		},
		func(e *Escrow, hash string, now time.Time) {
			e.Status = StatusRefunded
			e.RefundedAt = &now
			e.RefundedAmount = e.Amount
			e.TxHashes.Refund = hash
			if reason != "" {
				e.Reason = reason
			}
			m.totals.refunded = usdc.Add(m.totals.refunded, e.Amount)
			result = RefundResult{TxHash: hash, Amount: e.Amount}
		})
	if err != nil {
		return nil, err
	}
	m.bus.Emit(EventRefunded, esc.ID, esc)
	return &result, nil
}

// Slash 罚没部分或全部托管资金给 recipient，剩余部分退回委托方。
func (m *Manager) Slash(ctx context.Context, escrowID string, amount float64, recipient, reason string) (*SlashResult, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "slash amount must be positive")
	}
	if err := web3.ValidateAddress(recipient); err != nil {
		return nil, err
	}

	var result SlashResult
	esc, err := m.transition(ctx, "slash", escrowID,
		func(e *Escrow) error {
			if e.Status != StatusFunded {
				return stateError(e, "slash")
			}
			return nil
		},
		func(e *Escrow) web3.Transfer {
			return web3.Transfer{Operation: web3.OpSlash, Reference: e.ID, From: e.ClientAddress, To: recipient, Amount: usdc.Min(usdc.Round(amount), e.Amount), Currency: e.Currency}
		},
		func(e *Escrow, hash string, now time.Time) {
			slashed := usdc.Min(usdc.Round(amount), e.Amount)
			remaining := usdc.Sub(e.Amount, slashed)
			e.Status = StatusSlashed
			e.SlashedAt = &now
			e.RecipientAddress = web3.NormalizeAddress(recipient)
			e.SlashedAmount = slashed
			e.RefundedAmount = remaining
			e.TxHashes.Slash = hash
			e.Reason = reason
			m.totals.slashed = usdc.Add(m.totals.slashed, slashed)
			if remaining > 0 {
				m.totals.refunded = usdc.Add(m.totals.refunded, remaining)
			}
			result = SlashResult{TxHash: hash, SlashedAmount: slashed, RemainingAmount: remaining}
		})
	if err != nil {
		return nil, err
	}
	m.bus.Emit(EventSlashed, esc.ID, esc)
	return &result, nil
}

// Dispute 将已注资的托管标记为争议中，之后只能退款。
func (m *Manager) Dispute(_ context.Context, escrowID, reason string) (*Escrow, error) {
	m.mu.Lock()
	esc, ok := m.escrows[escrowID]
	if !ok {
		m.mu.Unlock()
		return nil, notFound(escrowID)
	}
	if _, busy := m.inflight[escrowID]; busy {
		m.mu.Unlock()
		return nil, xerrors.New(xerrors.CodeConflict, ErrOperationInProgress.Message(), xerrors.WithMetadata("escrow_id", escrowID))
	}
	if esc.Status != StatusFunded {
		err := stateError(esc, "dispute")
		m.mu.Unlock()
		m.metrics.ObserveEscrow("dispute", metrics.ResultRejected, 0)
		return nil, err
	}
	now := m.now()
	esc.Status = StatusDisputed
	esc.DisputedAt = &now
	esc.Reason = reason
	out := esc.clone()
	m.mu.Unlock()

	m.metrics.ObserveEscrow("dispute", metrics.ResultOK, 0)
	logger.Audit().Info("escrow disputed", slog.String("escrow_id", out.ID), slog.String("reason", reason))
	m.bus.Emit(EventDisputed, out.ID, out)
	return out, nil
}

// transition 在锁内校验，释放锁后调用结算服务，再在锁内提交变更。
func (m *Manager) transition(
	ctx context.Context,
	op, escrowID string,
	check func(*Escrow) error,
	transfer func(*Escrow) web3.Transfer,
	apply func(e *Escrow, hash string, now time.Time),
) (*Escrow, error) {
	m.mu.Lock()
	esc, ok := m.escrows[escrowID]
	if !ok {
		m.mu.Unlock()
		m.metrics.ObserveEscrow(op, metrics.ResultRejected, 0)
		return nil, notFound(escrowID)
	}
	if _, busy := m.inflight[escrowID]; busy {
		m.mu.Unlock()
		m.metrics.ObserveEscrow(op, metrics.ResultRejected, 0)
		return nil, xerrors.New(xerrors.CodeConflict, ErrOperationInProgress.Message(), xerrors.WithMetadata("escrow_id", escrowID))
	}
	if err := check(esc); err != nil {
		m.mu.Unlock()
		m.metrics.ObserveEscrow(op, metrics.ResultRejected, 0)
		return nil, err
	}
	tr := transfer(esc)
	m.inflight[escrowID] = struct{}{}
	m.mu.Unlock()

	hash, err := m.settler.Settle(ctx, tr)

	m.mu.Lock()
	delete(m.inflight, escrowID)
	if err != nil {
		m.mu.Unlock()
		m.metrics.ObserveEscrow(op, metrics.ResultFailed, 0)
		m.log.Warn("结算服务调用失败", slog.String("escrow_id", escrowID), slog.String("operation", op), slog.Any("error", err))
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, op+" escrow", xerrors.WithMetadata("escrow_id", escrowID))
	}
	apply(esc, hash.Hex(), m.now())
	out := esc.clone()
	m.mu.Unlock()

	m.metrics.ObserveEscrow(op, metrics.ResultOK, tr.Amount)
	logger.Audit().Info("escrow "+op,
		slog.String("escrow_id", out.ID),
		slog.String("intent_id", out.IntentID),
		slog.String("status", string(out.Status)),
		slog.String("released", usdc.Format(out.ReleasedAmount)),
		slog.String("refunded", usdc.Format(out.RefundedAmount)),
		slog.String("slashed", usdc.Format(out.SlashedAmount)),
		slog.String("tx_hash", hash.Hex()))
	return out, nil
}

// Get 返回托管副本。
func (m *Manager) Get(escrowID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, ok := m.escrows[escrowID]
	if !ok {
		return nil, notFound(escrowID)
	}
	return esc.clone(), nil
}

// GetByIntent 返回意图最近一次的托管。
func (m *Manager) GetByIntent(intentID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIntent[intentID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, ErrEscrowNotFound.Message(), xerrors.WithMetadata("intent_id", intentID))
	}
	return m.escrows[id].clone(), nil
}

// ListByClient 按创建时间返回委托方的全部托管。
func (m *Manager) ListByClient(clientAddress string) []*Escrow {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byClient[addressKey(clientAddress)]
	out := make([]*Escrow, 0, len(ids))
	for _, id := range ids {
		if esc, ok := m.escrows[id]; ok {
			out = append(out, esc.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HasActive 仅在意图的托管处于 funded 状态时返回 true。
func (m *Manager) HasActive(intentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIntent[intentID]
	if !ok {
		return false
	}
	esc := m.escrows[id]
	return esc != nil && esc.Status == StatusFunded
}

// Stats 返回托管统计。
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Total:         len(m.escrows),
		TotalEscrowed: m.totals.escrowed,
		TotalReleased: m.totals.released,
		TotalRefunded: m.totals.refunded,
		TotalSlashed:  m.totals.slashed,
	}
	pending := make([]float64, 0, len(m.escrows))
	for _, esc := range m.escrows {
		switch esc.Status {
		case StatusCreated:
			s.Created++
		case StatusFunded:
			s.Funded++
			pending = append(pending, esc.Amount)
		case StatusDisputed:
			s.Disputed++
			pending = append(pending, esc.Amount)
		case StatusReleased:
			s.Released++
		case StatusRefunded:
			s.Refunded++
		case StatusSlashed:
			s.Slashed++
		}
	}
	s.PendingAmount = usdc.Sum(pending...)
	return s
}

func notFound(escrowID string) error {
	return xerrors.New(xerrors.CodeNotFound, ErrEscrowNotFound.Message(), xerrors.WithMetadata("escrow_id", escrowID))
}

func stateError(e *Escrow, op string) error {
	return xerrors.New(xerrors.CodeInvalidState, ErrInvalidState.Message(),
		xerrors.WithMetadata("escrow_id", e.ID),
		xerrors.WithMetadata("status", string(e.Status)),
		xerrors.WithMetadata("operation", op))
}

func addressKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
