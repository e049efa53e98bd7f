package maintenance

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/pkg/logger"
)

// 任务名称
const (
	JobDailyReset   = "daily_reset"
	JobMonthlyReset = "monthly_reset"
	JobAccountAge   = "account_age"
)

// CreditMaintainer 是信用模块暴露给定时任务的维护操作，返回受影响的档案数。
type CreditMaintainer interface {
	ResetDailyLimits() int
	ResetMonthlyLimits() int
	UpdateAccountAges() int
}

// Config 使用标准五段 cron 表达式，也支持 @hourly、@every 1h 等写法。
type Config struct {
	DailyResetSpec   string
	MonthlyResetSpec string
	AccountAgeSpec   string
}

// Entry 描述一个已注册的任务。
type Entry struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next"`
	LastRun  time.Time `json:"lastRun,omitempty"`
	Affected int       `json:"affected"`
}

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      func() int

	mu       sync.Mutex
	lastRun  time.Time
	affected int
}

// Scheduler 按 cron 表达式执行信用档案的周期维护。
type Scheduler struct {
	cron *cron.Cron
	jobs map[string]*job
	now  func() time.Time
	log  *slog.Logger
}

// NewScheduler 解析所有表达式并注册任务。表达式为空的任务不注册。
func NewScheduler(credit CreditMaintainer, cfg Config) (*Scheduler, error) {
	if credit == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "credit maintainer is required")
	}
	log := logger.Named("maintenance")
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{log}),
			cron.SkipIfStillRunning(cronLogger{log}),
		)),
		jobs: make(map[string]*job),
		now:  time.Now,
		log:  log,
	}
	specs := []struct {
		name string
		spec string
		run  func() int
	}{
		{JobDailyReset, cfg.DailyResetSpec, credit.ResetDailyLimits},
		{JobMonthlyReset, cfg.MonthlyResetSpec, credit.ResetMonthlyLimits},
		{JobAccountAge, cfg.AccountAgeSpec, credit.UpdateAccountAges},
	}
	for _, sp := range specs {
		if sp.spec == "" {
			continue
		}
		sched, err := cron.ParseStandard(sp.spec)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "parse cron spec",
				xerrors.WithMetadata("job", sp.name),
				xerrors.WithMetadata("spec", sp.spec))
		}
		j := &job{name: sp.name, spec: sp.spec, schedule: sched, run: sp.run}
		s.jobs[sp.name] = j
		s.cron.Schedule(sched, cron.FuncJob(func() { s.execute(j) }))
	}
	return s, nil
}

func (s *Scheduler) execute(j *job) int {
	start := s.now()
	n := j.run()
	j.mu.Lock()
	j.lastRun = start
	j.affected = n
	j.mu.Unlock()
	s.log.Info("维护任务完成",
		slog.String("job", j.name),
		slog.Int("affected", n),
		slog.Duration("took", s.now().Sub(start)))
	return n
}

// Run 启动调度并阻塞到 ctx 取消，返回前等待正在执行的任务结束。
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info("维护调度已启动", slog.Int("jobs", len(s.jobs)))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// RunNow 立即同步执行指定任务。
func (s *Scheduler) RunNow(name string) (int, error) {
	j, ok := s.jobs[name]
	if !ok {
		return 0, xerrors.New(xerrors.CodeNotFound, "maintenance job not found", xerrors.WithMetadata("job", name))
	}
	return s.execute(j), nil
}

// Entries 返回已注册任务及下一次执行时间，按名称排序。
func (s *Scheduler) Entries() []Entry {
	now := s.now()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, Entry{
			Name:     j.name,
			Spec:     j.spec,
			Next:     j.schedule.Next(now),
			LastRun:  j.lastRun,
			Affected: j.affected,
		})
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// cronLogger 把 cron 的日志接口转到 slog。
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
