package credit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/internal/observability/alerting"
	"OpenMCP-Settlement/internal/observability/metrics"
	"OpenMCP-Settlement/pkg/logger"
)

// StoreVersion 写入持久化文件的格式版本。
const StoreVersion = "1.0.0"

// PersistedData 是持久化文件的完整内容。
type PersistedData struct {
	Version      string                   `json:"version"`
	LastSaved    int64                    `json:"lastSaved"`
	Checksum     string                   `json:"checksum"`
	Profiles     map[string]Profile       `json:"profiles"`
	Transactions map[string][]Transaction `json:"transactions"`
}

// SnapshotFunc 返回某一时刻一致的档案与流水副本。
type SnapshotFunc func() (map[string]Profile, map[string][]Transaction)

// StoreConfig 控制 Store 的落盘行为。
type StoreConfig struct {
	Path                    string
	MaxTransactionsPerAgent int
	Debounce                time.Duration
	AutoSaveInterval        time.Duration
	// StrictIntegrity 为 true 时，主文件与备份均校验失败会让 Load 返回错误，
	// 否则记录告警后继续使用主文件数据。
	StrictIntegrity bool
}

// StoreOption 自定义 Store。
type StoreOption func(*Store)

// WithStoreAlerts 指定完整性告警的分发器。
func WithStoreAlerts(d alerting.Dispatcher) StoreOption {
	return func(s *Store) { s.alerts = d }
}

// WithStoreMetrics 注入指标收集器。
func WithStoreMetrics(r *metrics.Registry) StoreOption {
	return func(s *Store) { s.metrics = r }
}

type pendingSave struct {
	gen          uint64
	profiles     map[string]Profile
	transactions map[string][]Transaction
	waiters      []chan error
}

// Store 把信用数据写入单个 JSON 文件。
//
// 同一时间只有一个写操作。写入期间到达的请求合并到唯一的 pending 槽位，
// 只有最后一次请求的数据会被写入，所有等待者得到该次写入的结果。
type Store struct {
	cfg     StoreConfig
	alerts  alerting.Dispatcher
	metrics *metrics.Registry
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	gen      uint64
	savedGen uint64
	saving   bool
	pending  *pendingSave
	debounce *time.Timer

	autoMu   sync.Mutex
	autoStop chan struct{}
	autoDone chan struct{}
}

// NewStore 创建 Store。
func NewStore(cfg StoreConfig, opts ...StoreOption) (*Store, error) {
	if cfg.Path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "credit store path is required")
	}
	if cfg.MaxTransactionsPerAgent <= 0 {
		cfg.MaxTransactionsPerAgent = 100
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Second
	}
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = 30 * time.Second
	}
	s := &Store{
		cfg: cfg,
		log: logger.Named("credit-store"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path 返回主文件路径。
func (s *Store) Path() string { return s.cfg.Path }

func (s *Store) backupPath() string { return s.cfg.Path + ".backup" }

func (s *Store) tempPath() string { return s.cfg.Path + ".tmp" }

// MarkDirty 标记内存数据已变化。
func (s *Store) MarkDirty() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

// Dirty 报告是否存在尚未落盘的变化。
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != s.savedGen
}

// Load 读取持久化数据。文件不存在时返回 nil。
func (s *Store) Load(ctx context.Context) (*PersistedData, error) {
	primary, err := readData(s.cfg.Path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		s.log.Warn("读取信用数据失败，尝试备份文件", slog.String("path", s.cfg.Path), slog.Any("error", err))
		backup, berr := readData(s.backupPath())
		if berr == nil && backup.verify() {
			return backup, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read credit store",
			xerrors.WithMetadata("path", s.cfg.Path))
	}
	if primary.verify() {
		return primary, nil
	}

	s.log.Warn("信用数据校验和不匹配，尝试备份文件",
		slog.String("path", s.cfg.Path),
		slog.String("stored", primary.Checksum))
	if backup, berr := readData(s.backupPath()); berr == nil && backup.verify() {
		s.log.Info("已从备份恢复信用数据", slog.String("path", s.backupPath()))
		return backup, nil
	}

	integrityErr := xerrors.New(xerrors.CodeIntegrityWarning, "credit store checksum mismatch and no valid backup",
		xerrors.WithMetadata("path", s.cfg.Path))
	alerting.Dispatch(ctx, s.alerts, alerting.FromError("credit", s.cfg.Path, integrityErr))
	if s.cfg.StrictIntegrity {
		return nil, integrityErr
	}
	s.log.Warn("备份不可用，继续使用未通过校验的主文件数据", slog.String("path", s.cfg.Path))
	return primary, nil
}

// Save 写入给定数据。
func (s *Store) Save(profiles map[string]Profile, transactions map[string][]Transaction) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.save(gen, profiles, transactions)
}

func (s *Store) saveFrom(snapshot SnapshotFunc) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	profiles, transactions := snapshot()
	return s.save(gen, profiles, transactions)
}

func (s *Store) save(gen uint64, profiles map[string]Profile, transactions map[string][]Transaction) error {
	s.mu.Lock()
	if s.saving {
		if s.pending == nil {
			s.pending = &pendingSave{}
		}
		s.pending.gen = gen
		s.pending.profiles = profiles
		s.pending.transactions = transactions
		ch := make(chan error, 1)
		s.pending.waiters = append(s.pending.waiters, ch)
		s.mu.Unlock()
		return <-ch
	}
	s.saving = true
	s.mu.Unlock()

	return s.drainPending(s.write(gen, profiles, transactions))
}

// drainPending 在当前写入完成后执行 pending 槽位中的请求，直到槽位为空。
func (s *Store) drainPending(err error) error {
	for {
		s.mu.Lock()
		next := s.pending
		s.pending = nil
		if next == nil {
			s.saving = false
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()

		nextErr := s.write(next.gen, next.profiles, next.transactions)
		for _, w := range next.waiters {
			w <- nextErr
		}
	}
}

func (s *Store) write(gen uint64, profiles map[string]Profile, transactions map[string][]Transaction) (err error) {
	started := time.Now()
	defer func() {
		result := metrics.ResultOK
		if err != nil {
			result = metrics.ResultFailed
		}
		s.metrics.ObserveCreditSave(result, time.Since(started))
	}()

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create credit store directory")
	}
	if err := copyFile(s.cfg.Path, s.backupPath()); err != nil && !stdErrors.Is(err, os.ErrNotExist) {
		s.log.Warn("备份信用数据失败", slog.String("path", s.backupPath()), slog.Any("error", err))
	}

	if profiles == nil {
		profiles = map[string]Profile{}
	}
	checksum, err := checksumOf(profiles)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "checksum credit profiles")
	}
	data := PersistedData{
		Version:      StoreVersion,
		LastSaved:    s.now().UnixMilli(),
		Checksum:     checksum,
		Profiles:     profiles,
		Transactions: truncate(transactions, s.cfg.MaxTransactionsPerAgent),
	}
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode credit store")
	}
	if err := os.WriteFile(s.tempPath(), body, 0o600); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write credit store",
			xerrors.WithMetadata("path", s.tempPath()))
	}
	if err := os.Rename(s.tempPath(), s.cfg.Path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "replace credit store",
			xerrors.WithMetadata("path", s.cfg.Path))
	}

	s.mu.Lock()
	if gen > s.savedGen {
		s.savedGen = gen
	}
	s.mu.Unlock()
	return nil
}

// DebouncedSave 在 Debounce 时间内没有新调用且数据为脏时才写盘。
func (s *Store) DebouncedSave(snapshot SnapshotFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.cfg.Debounce, func() {
		if !s.Dirty() {
			return
		}
		if err := s.saveFrom(snapshot); err != nil {
			s.log.Error("延迟保存信用数据失败", slog.Any("error", err))
		}
	})
}

// ForceSave 取消等待中的延迟保存并立即写盘。
func (s *Store) ForceSave(snapshot SnapshotFunc) error {
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()
	return s.saveFrom(snapshot)
}

// StartAutoSave 周期性地保存脏数据，与延迟保存相互独立。重复调用无效果。
func (s *Store) StartAutoSave(snapshot SnapshotFunc) {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	if s.autoStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.autoStop, s.autoDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.AutoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !s.Dirty() {
					continue
				}
				if err := s.saveFrom(snapshot); err != nil {
					s.log.Error("自动保存信用数据失败", slog.Any("error", err))
				}
			}
		}
	}()
}

// StopAutoSave 停止周期保存并等待后台 goroutine 退出。
func (s *Store) StopAutoSave() {
	s.autoMu.Lock()
	stop, done := s.autoStop, s.autoDone
	s.autoStop, s.autoDone = nil, nil
	s.autoMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (d *PersistedData) verify() bool {
	if d == nil {
		return false
	}
	profiles := d.Profiles
	if profiles == nil {
		profiles = map[string]Profile{}
	}
	sum, err := checksumOf(profiles)
	return err == nil && sum == d.Checksum
}

// checksumOf 取档案 JSON 编码的 SHA-256 前 16 个十六进制字符。map 键在编码时已排序。
func checksumOf(profiles map[string]Profile) (string, error) {
	body, err := json.Marshal(profiles)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])[:16], nil
}

func truncate(transactions map[string][]Transaction, max int) map[string][]Transaction {
	out := make(map[string][]Transaction, len(transactions))
	for agent, list := range transactions {
		if len(list) > max {
			list = list[len(list)-max:]
		}
		out[agent] = append([]Transaction(nil), list...)
	}
	return out
}

func readData(path string) (*PersistedData, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data PersistedData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &data, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
