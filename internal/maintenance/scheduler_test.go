package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	xerrors "OpenMCP-Settlement/internal/errors"
)

type fakeCredit struct {
	daily   atomic.Int32
	monthly atomic.Int32
	ages    atomic.Int32
}

func (f *fakeCredit) ResetDailyLimits() int {
	f.daily.Add(1)
	return 2
}

func (f *fakeCredit) ResetMonthlyLimits() int {
	f.monthly.Add(1)
	return 3
}

func (f *fakeCredit) UpdateAccountAges() int {
	f.ages.Add(1)
	return 4
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(&fakeCredit{}, Config{DailyResetSpec: "not a spec"})
	if !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if _, err := NewScheduler(nil, Config{}); err == nil {
		t.Fatalf("expected nil maintainer to be rejected")
	}
}

func TestRunNowAndEntries(t *testing.T) {
	credit := &fakeCredit{}
	s, err := NewScheduler(credit, Config{
		DailyResetSpec:   "0 0 * * *",
		MonthlyResetSpec: "0 0 1 * *",
		AccountAgeSpec:   "@hourly",
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n, err := s.RunNow(JobMonthlyReset)
	if err != nil || n != 3 || credit.monthly.Load() != 1 {
		t.Fatalf("unexpected run: n=%d err=%v", n, err)
	}
	if _, err := s.RunNow("vacuum"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	entries := s.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Name != JobAccountAge || entries[1].Name != JobDailyReset || entries[2].Name != JobMonthlyReset {
		t.Fatalf("entries not sorted: %+v", entries)
	}
	for _, e := range entries {
		if !e.Next.After(fixed) {
			t.Fatalf("entry %s has no future run: %v", e.Name, e.Next)
		}
	}
	if !entries[2].LastRun.Equal(fixed) || entries[2].Affected != 3 {
		t.Fatalf("last run not recorded: %+v", entries[2])
	}
}

func TestSkipsEmptySpecs(t *testing.T) {
	s, err := NewScheduler(&fakeCredit{}, Config{AccountAgeSpec: "@daily"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if got := len(s.Entries()); got != 1 {
		t.Fatalf("expected one job, got %d", got)
	}
}

func TestRunExecutesOnSchedule(t *testing.T) {
	credit := &fakeCredit{}
	s, err := NewScheduler(credit, Config{DailyResetSpec: "@every 1s"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for credit.daily.Load() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("daily reset never ran")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
