package credit

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
	"OpenMCP-Settlement/pkg/logger"
	"OpenMCP-Settlement/pkg/usdc"
)

// 抵押物至少覆盖当前欠款的比例。
const minCollateralCoverage = 0.1

var (
	// ErrProfileNotFound 表示信用档案不存在。
	ErrProfileNotFound = xerrors.New(xerrors.CodeNotFound, "credit profile not found")
	// ErrLimitExceeded 表示用信超过可用额度或日/月限额。
	ErrLimitExceeded = xerrors.New(xerrors.CodeLimitExceeded, "credit limit exceeded")
)

// Option 自定义 Scorer。
type Option func(*Scorer)

// WithConfig 替换默认额度配置。未填写的分档沿用默认值。
func WithConfig(cfg Config) Option {
	return func(s *Scorer) {
		def := DefaultConfig()
		if cfg.DefaultScore == 0 {
			cfg.DefaultScore = def.DefaultScore
		}
		if cfg.DefaultTier == "" {
			cfg.DefaultTier = def.DefaultTier
		}
		if cfg.CollateralFactor == 0 {
			cfg.CollateralFactor = def.CollateralFactor
		}
		if cfg.TierLimits == nil {
			cfg.TierLimits = map[Tier]float64{}
		}
		if cfg.TierDiscounts == nil {
			cfg.TierDiscounts = map[Tier]float64{}
		}
		for _, tier := range Tiers {
			if _, ok := cfg.TierLimits[tier]; !ok {
				cfg.TierLimits[tier] = def.TierLimits[tier]
			}
			if _, ok := cfg.TierDiscounts[tier]; !ok {
				cfg.TierDiscounts[tier] = def.TierDiscounts[tier]
			}
		}
		s.cfg = cfg
	}
}

// WithStore 启用持久化。每次变更后会触发延迟保存。
func WithStore(store *Store) Option {
	return func(s *Scorer) { s.store = store }
}

// WithMetrics 注入指标收集器。
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Scorer) { s.metrics = r }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) {
		if now != nil {
			s.now = now
		}
	}
}

// Scorer 维护信用档案并对无抵押用信做额度控制。
// 每个公开方法都在一次加锁内完成全部修改，失败时不留下部分状态。
type Scorer struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	txs      map[string][]Transaction

	cfg     Config
	store   *Store
	bus     *events.Bus
	metrics *metrics.Registry
	now     func() time.Time
	log     *slog.Logger
}

// NewScorer 创建 Scorer。
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		profiles: make(map[string]*Profile),
		txs:      make(map[string][]Transaction),
		cfg:      DefaultConfig(),
		bus:      events.NewBus("credit"),
		now:      time.Now,
		log:      logger.Named("credit"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events 返回信用事件总线。
func (s *Scorer) Events() *events.Bus { return s.bus }

type pendingEvent struct {
	kind    string
	subject string
	payload any
}

// commit 在解锁后发布事件并安排持久化。
func (s *Scorer) commit(evts []pendingEvent) {
	for _, e := range evts {
		s.bus.Emit(e.kind, e.subject, e.payload)
	}
	if s.store != nil {
		s.store.MarkDirty()
		s.store.DebouncedSave(s.Snapshot)
	}
}

// GetOrCreateProfile 返回智能体的档案，不存在时按默认值创建。
func (s *Scorer) GetOrCreateProfile(agentID, address string) (*Profile, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	s.mu.Lock()
	if p, ok := s.profiles[agentID]; ok {
		out := *p
		s.mu.Unlock()
		return &out, nil
	}
	p := s.newProfile(agentID, address)
	s.profiles[agentID] = p
	out := *p
	s.mu.Unlock()

	s.commit([]pendingEvent{{EventProfileCreated, agentID, out}})
	return &out, nil
}

func (s *Scorer) newProfile(agentID, address string) *Profile {
	now := s.now()
	// 新档案使用配置的初始分档，第一次重新评分后才由分数决定。
	tier := s.cfg.DefaultTier
	p := &Profile{
		AgentID:           agentID,
		Address:           strings.TrimSpace(address),
		CreditScore:       s.cfg.DefaultScore,
		CreditTier:        tier,
		CreditLimit:       s.cfg.DefaultLimit,
		DailySpendLimit:   s.cfg.DefaultDailyLimit,
		MonthlySpendLimit: s.cfg.DefaultMonthlyLimit,
		AvailableCredit:   s.cfg.DefaultLimit,
		TierDiscount:      s.cfg.TierDiscounts[tier],
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	p.Factors = computeFactors(p, nil, now)
	return p
}

// CalculateCreditScore 计算给定档案当前因子对应的分数。
func (s *Scorer) CalculateCreditScore(p Profile) int {
	return CalculateCreditScore(p.Factors)
}

// UpdateCreditScore 重新计算因子、分数、分档与额度。
func (s *Scorer) UpdateCreditScore(agentID string) (*Profile, error) {
	s.mu.Lock()
	p, ok := s.profiles[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, profileNotFound(agentID)
	}
	evts := s.rescoreLocked(p)
	out := *p
	s.mu.Unlock()

	s.commit(evts)
	return &out, nil
}

func (s *Scorer) rescoreLocked(p *Profile) []pendingEvent {
	now := s.now()
	oldScore, oldTier := p.CreditScore, p.CreditTier

	p.Factors = computeFactors(p, s.txs[p.AgentID], now)
	p.CreditScore = CalculateCreditScore(p.Factors)
	p.CreditTier = TierForScore(p.CreditScore)
	p.TierDiscount = s.cfg.TierDiscounts[p.CreditTier]
	s.applyLimitsLocked(p)
	p.DailySpendLimit = usdc.Mul(p.CreditLimit, 0.1)
	p.MonthlySpendLimit = p.CreditLimit
	p.UpdatedAt = now

	change := ScoreChange{AgentID: p.AgentID, OldScore: oldScore, NewScore: p.CreditScore, OldTier: oldTier, NewTier: p.CreditTier}
	var evts []pendingEvent
	if oldScore != p.CreditScore {
		s.metrics.ObserveCreditChange("score")
		evts = append(evts, pendingEvent{EventScoreChanged, p.AgentID, change})
	}
	if oldTier != p.CreditTier {
		s.metrics.ObserveCreditChange("tier")
		s.log.Info("信用分档变化",
			slog.String("agent_id", p.AgentID),
			slog.String("from", string(oldTier)),
			slog.String("to", string(p.CreditTier)))
		evts = append(evts, pendingEvent{EventTierChanged, p.AgentID, change})
	}
	return evts
}

// applyLimitsLocked 按分档额度与抵押物重新计算总额度、可用额度和抵押率。
func (s *Scorer) applyLimitsLocked(p *Profile) {
	p.CreditLimit = usdc.Add(s.cfg.TierLimits[p.CreditTier], usdc.Mul(p.StakedAmount, s.cfg.CollateralFactor))
	p.AvailableCredit = available(p)
	p.CollateralRatio = collateralRatio(p)
}

// RecordCreditUse 记录一次用信。超过可用额度、日限额或月限额时返回 LimitExceeded 且不修改任何状态。
func (s *Scorer) RecordCreditUse(agentID string, amount float64, intentID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "credit amount must be positive")
	}
	amount = usdc.Round(amount)

	s.mu.Lock()
	p, ok := s.profiles[agentID]
	if !ok {
		s.mu.Unlock()
		s.metrics.ObserveCredit("use", metrics.ResultRejected)
		return nil, profileNotFound(agentID)
	}
	if err := checkSpend(p, amount); err != nil {
		s.mu.Unlock()
		s.metrics.ObserveCredit("use", metrics.ResultRejected)
		return nil, err
	}

	p.CurrentBalance = usdc.Add(p.CurrentBalance, amount)
	p.CurrentDailySpend = usdc.Add(p.CurrentDailySpend, amount)
	p.CurrentMonthlySpend = usdc.Add(p.CurrentMonthlySpend, amount)
	p.AvailableCredit = available(p)
	p.CollateralRatio = collateralRatio(p)
	tx := s.appendTxLocked(p, TxCreditUsed, amount, intentID, TxCompleted)
	s.mu.Unlock()

	s.metrics.ObserveCredit("use", metrics.ResultOK)
	logger.Audit().Info("credit used",
		slog.String("agent_id", agentID),
		slog.String("amount", usdc.Format(amount)),
		slog.String("intent_id", intentID),
		slog.String("tx_id", tx.ID))
	s.commit([]pendingEvent{{EventCreditUsed, agentID, tx}})
	return &tx, nil
}

func checkSpend(p *Profile, amount float64) error {
	var limit string
	var bound, current float64
	switch {
	case amount > p.AvailableCredit:
		limit, bound, current = "available", p.AvailableCredit, p.CurrentBalance
	case usdc.Add(p.CurrentDailySpend, amount) > p.DailySpendLimit:
		limit, bound, current = "daily", p.DailySpendLimit, p.CurrentDailySpend
	case usdc.Add(p.CurrentMonthlySpend, amount) > p.MonthlySpendLimit:
		limit, bound, current = "monthly", p.MonthlySpendLimit, p.CurrentMonthlySpend
	default:
		return nil
	}
	return xerrors.New(xerrors.CodeLimitExceeded, ErrLimitExceeded.Message(),
		xerrors.WithMetadata("agent_id", p.AgentID),
		xerrors.WithMetadata("limit", limit),
		xerrors.WithMetadata("bound", usdc.Format(bound)),
		xerrors.WithMetadata("current", usdc.Format(current)),
		xerrors.WithMetadata("requested", usdc.Format(amount)))
}

// RecordPayment 记录还款并重新评分。余额最低为 0。
func (s *Scorer) RecordPayment(agentID string, amount float64, onTime bool) (*Transaction, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "payment amount must be positive")
	}
	amount = usdc.Round(amount)

	s.mu.Lock()
	p, ok := s.profiles[agentID]
	if !ok {
		s.mu.Unlock()
		s.metrics.ObserveCredit("payment", metrics.ResultRejected)
		return nil, profileNotFound(agentID)
	}
	p.CurrentBalance = usdc.Sub(p.CurrentBalance, amount)
	if p.CurrentBalance < 0 {
		p.CurrentBalance = 0
	}
	p.AvailableCredit = available(p)
	txType := TxPayment
	if onTime {
		p.SuccessfulPayments++
	} else {
		p.LatePayments++
		txType = TxLatePayment
	}
	tx := s.appendTxLocked(p, txType, amount, "", TxCompleted)
	evts := append([]pendingEvent{{EventPayment, agentID, tx}}, s.rescoreLocked(p)...)
	s.mu.Unlock()

	s.metrics.ObserveCredit("payment", metrics.ResultOK)
	logger.Audit().Info("credit payment",
		slog.String("agent_id", agentID),
		slog.String("amount", usdc.Format(amount)),
		slog.Bool("on_time", onTime),
		slog.String("tx_id", tx.ID))
	s.commit(evts)
	return &tx, nil
}

// RecordDefault 记录一次违约并重新评分。
func (s *Scorer) RecordDefault(agentID string, amount float64) (*Transaction, error) {
	if amount < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "default amount must not be negative")
	}
	s.mu.Lock()
	p, ok := s.profiles[agentID]
	if !ok {
		s.mu.Unlock()
		s.metrics.ObserveCredit("default", metrics.ResultRejected)
		return nil, profileNotFound(agentID)
	}
	p.Defaults++
	tx := s.appendTxLocked(p, TxDefault, usdc.Round(amount), "", TxFailed)
	evts := append([]pendingEvent{{EventDefault, agentID, tx}}, s.rescoreLocked(p)...)
	s.mu.Unlock()

	s.metrics.ObserveCredit("default", metrics.ResultOK)
	logger.Audit().Warn("credit default",
		slog.String("agent_id", agentID),
		slog.String("amount", usdc.Format(amount)),
		slog.String("tx_id", tx.ID))
	s.commit(evts)
	return &tx, nil
}

// AddCollateral 增加抵押物，每单位抵押提高 CollateralFactor 的额度。
func (s *Scorer) AddCollateral(agentID string, amount float64) (*Profile, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "collateral amount must be positive")
	}
	s.mu.Lock()
	p, ok := s.profiles[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, profileNotFound(agentID)
	}
	p.StakedAmount = usdc.Add(p.StakedAmount, amount)
	s.applyLimitsLocked(p)
	p.UpdatedAt = s.now()
	out := *p
	s.mu.Unlock()

	s.metrics.ObserveCredit("add_collateral", metrics.ResultOK)
	logger.Audit().Info("collateral added", slog.String("agent_id", agentID), slog.String("amount", usdc.Format(amount)))
	s.commit([]pendingEvent{{EventCollateralAdded, agentID, out}})
	return &out, nil
}

// RemoveCollateral 取回抵押物。剩余抵押不得低于当前欠款的 10%，取回后的额度也不得低于当前欠款。
func (s *Scorer) RemoveCollateral(agentID string, amount float64) (*Profile, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "collateral amount must be positive")
	}
	s.mu.Lock()
	p, ok := s.profiles[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, profileNotFound(agentID)
	}
	if amount > p.StakedAmount {
		s.mu.Unlock()
		s.metrics.ObserveCredit("remove_collateral", metrics.ResultRejected)
		return nil, xerrors.New(xerrors.CodeLimitExceeded, "collateral removal exceeds staked amount",
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("staked", usdc.Format(p.StakedAmount)))
	}
	remaining := usdc.Sub(p.StakedAmount, amount)
	if remaining < usdc.Mul(p.CurrentBalance, minCollateralCoverage) {
		s.mu.Unlock()
		s.metrics.ObserveCredit("remove_collateral", metrics.ResultRejected)
		return nil, xerrors.New(xerrors.CodeLimitExceeded, "remaining collateral below minimum coverage",
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("balance", usdc.Format(p.CurrentBalance)),
			xerrors.WithMetadata("remaining", usdc.Format(remaining)))
	}
	limit := usdc.Add(s.cfg.TierLimits[p.CreditTier], usdc.Mul(remaining, s.cfg.CollateralFactor))
	if limit < p.CurrentBalance {
		s.mu.Unlock()
		s.metrics.ObserveCredit("remove_collateral", metrics.ResultRejected)
		return nil, xerrors.New(xerrors.CodeLimitExceeded, "credit limit would fall below balance",
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("balance", usdc.Format(p.CurrentBalance)),
			xerrors.WithMetadata("limit", usdc.Format(limit)))
	}
	p.StakedAmount = remaining
	s.applyLimitsLocked(p)
	p.UpdatedAt = s.now()
	out := *p
	s.mu.Unlock()

	s.metrics.ObserveCredit("remove_collateral", metrics.ResultOK)
	logger.Audit().Info("collateral removed", slog.String("agent_id", agentID), slog.String("amount", usdc.Format(amount)))
	s.commit([]pendingEvent{{EventCollateralRemoved, agentID, out}})
	return &out, nil
}

// ResetDailyLimits 清零所有档案的当日用信，返回受影响的档案数。
func (s *Scorer) ResetDailyLimits() int {
	return s.resetSpend("daily", func(p *Profile) bool {
		changed := p.CurrentDailySpend != 0
		p.CurrentDailySpend = 0
		return changed
	})
}

// ResetMonthlyLimits 清零所有档案的当月用信。
func (s *Scorer) ResetMonthlyLimits() int {
	return s.resetSpend("monthly", func(p *Profile) bool {
		changed := p.CurrentMonthlySpend != 0
		p.CurrentMonthlySpend = 0
		return changed
	})
}

func (s *Scorer) resetSpend(period string, reset func(*Profile) bool) int {
	s.mu.Lock()
	now := s.now()
	n := 0
	for _, p := range s.profiles {
		if reset(p) {
			p.UpdatedAt = now
			n++
		}
	}
	s.mu.Unlock()

	s.log.Info("用信限额已重置", slog.String("period", period), slog.Int("profiles", n))
	s.commit([]pendingEvent{{EventLimitsReset, period, n}})
	return n
}

// UpdateAccountAges 以最早一条流水（没有流水时以建档时间）计算账龄天数。
func (s *Scorer) UpdateAccountAges() int {
	s.mu.Lock()
	now := s.now()
	n := 0
	for id, p := range s.profiles {
		since := p.CreatedAt
		for _, tx := range s.txs[id] {
			if tx.Timestamp.Before(since) {
				since = tx.Timestamp
			}
		}
		days := int(now.Sub(since) / (24 * time.Hour))
		if days < 0 {
			days = 0
		}
		if days != p.AccountAgeDays {
			p.AccountAgeDays = days
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.commit(nil)
	}
	return n
}

// Profile 返回档案副本。
func (s *Scorer) Profile(agentID string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[agentID]
	if !ok {
		return nil, profileNotFound(agentID)
	}
	out := *p
	return &out, nil
}

// Transactions 返回最新的 limit 条流水，最新的在前。limit<=0 返回全部。
func (s *Scorer) Transactions(agentID string, limit int) []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.txs[agentID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Transaction, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out
}

// Profiles 按 AgentID 排序返回全部档案。
func (s *Scorer) Profiles() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Stats 汇总信用档案。
func (s *Scorer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Profiles: len(s.profiles), TierCounts: make(map[Tier]int, len(Tiers))}
	var scoreSum int
	for _, p := range s.profiles {
		st.TierCounts[p.CreditTier]++
		scoreSum += p.CreditScore
		st.TotalCreditLimit = usdc.Add(st.TotalCreditLimit, p.CreditLimit)
		st.TotalOutstanding = usdc.Add(st.TotalOutstanding, p.CurrentBalance)
		st.TotalAvailable = usdc.Add(st.TotalAvailable, p.AvailableCredit)
		st.TotalStaked = usdc.Add(st.TotalStaked, p.StakedAmount)
		st.TotalDefaults += p.Defaults
	}
	if st.Profiles > 0 {
		st.AverageScore = float64(scoreSum) / float64(st.Profiles)
	}
	return st
}

// Snapshot 返回档案与流水的深拷贝，用作持久化的数据源。
func (s *Scorer) Snapshot() (map[string]Profile, map[string][]Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles := make(map[string]Profile, len(s.profiles))
	for id, p := range s.profiles {
		profiles[id] = *p
	}
	txs := make(map[string][]Transaction, len(s.txs))
	for id, list := range s.txs {
		txs[id] = append([]Transaction(nil), list...)
	}
	return profiles, txs
}

// Load 从持久化存储恢复档案与流水。未配置存储或文件不存在时不做任何事。
func (s *Scorer) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	data, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	s.mu.Lock()
	s.profiles = make(map[string]*Profile, len(data.Profiles))
	for id, p := range data.Profiles {
		s.profiles[id] = &p
	}
	s.txs = make(map[string][]Transaction, len(data.Transactions))
	for id, list := range data.Transactions {
		s.txs[id] = append([]Transaction(nil), list...)
	}
	n := len(s.profiles)
	s.mu.Unlock()

	s.log.Info("信用数据已加载", slog.Int("profiles", n), slog.String("path", s.store.Path()))
	return nil
}

// StartAutoSave 启动存储的周期保存。
func (s *Scorer) StartAutoSave() {
	if s.store != nil {
		s.store.StartAutoSave(s.Snapshot)
	}
}

// Close 停止周期保存并强制写盘。
func (s *Scorer) Close(_ context.Context) error {
	if s.store == nil {
		return nil
	}
	s.store.StopAutoSave()
	return s.store.ForceSave(s.Snapshot)
}

func (s *Scorer) appendTxLocked(p *Profile, typ TransactionType, amount float64, intentID string, status TransactionStatus) Transaction {
	now := s.now()
	tx := Transaction{
		ID:        uuid.NewString(),
		AgentID:   p.AgentID,
		Type:      typ,
		Amount:    amount,
		Timestamp: now,
		IntentID:  intentID,
		Status:    status,
	}
	s.txs[p.AgentID] = append(s.txs[p.AgentID], tx)
	p.TotalTransactions++
	p.UpdatedAt = now
	return tx
}

func available(p *Profile) float64 {
	v := usdc.Sub(p.CreditLimit, p.CurrentBalance)
	if v < 0 {
		return 0
	}
	return v
}

func collateralRatio(p *Profile) float64 {
	if p.CreditLimit <= 0 {
		return 0
	}
	return p.StakedAmount / p.CreditLimit
}

func profileNotFound(agentID string) error {
	return xerrors.New(xerrors.CodeNotFound, ErrProfileNotFound.Message(), xerrors.WithMetadata("agent_id", agentID))
}
