package escrow

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "OpenMCP-Settlement/internal/errors"
	"OpenMCP-Settlement/internal/events"
	"OpenMCP-Settlement/internal/web3"
)

const (
	client   = "0x52908400098527886e0f7030069857d2e4169ee7"
	provider = "0x8617e340b3d01fa5f11f306f4090fd50e238070d"
)

type failingSettler struct{}

func (failingSettler) Settle(context.Context, web3.Transfer) (common.Hash, error) {
	return common.Hash{}, stdErrors.New("wallet offline")
}

// gateSettler blocks deposits until release is closed.
type gateSettler struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	inner   *web3.SyntheticSettler
}

func (g *gateSettler) Settle(ctx context.Context, tr web3.Transfer) (common.Hash, error) {
	if tr.Operation == web3.OpDeposit {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.inner.Settle(ctx, tr)
}

func newFunded(t *testing.T, m *Manager, intent string, amount float64) *Escrow {
	t.Helper()
	esc, err := m.Create(context.Background(), Deposit{IntentID: intent, ClientAddress: client, Amount: amount})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if esc.Status != StatusFunded {
		t.Fatalf("expected funded escrow, got %s", esc.Status)
	}
	return esc
}

func assertInvariant(t *testing.T, esc *Escrow) {
	t.Helper()
	if esc.Settled() > esc.Amount+1e-9 {
		t.Fatalf("escrow %s settled %v of %v", esc.ID, esc.Settled(), esc.Amount)
	}
}

func TestCreateFundsEscrow(t *testing.T) {
	m := NewManager()
	esc := newFunded(t, m, "intent-1", 10)

	if esc.Currency != "USDC" || esc.FundedAt == nil || esc.TxHashes.Deposit == "" {
		t.Fatalf("unexpected escrow %+v", esc)
	}
	if !m.HasActive("intent-1") {
		t.Fatal("funded escrow should be active")
	}
	if stats := m.Stats(); stats.TotalEscrowed != 10 || stats.Funded != 1 || stats.PendingAmount != 10 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCreateValidation(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	cases := []Deposit{
		{IntentID: "", ClientAddress: client, Amount: 1},
		{IntentID: "i", ClientAddress: client, Amount: 0},
		{IntentID: "i", ClientAddress: "nope", Amount: 1},
	}
	for _, dep := range cases {
		if _, err := m.Create(ctx, dep); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("expected invalid argument for %+v, got %v", dep, err)
		}
	}
}

func TestCreateRejectsSecondActiveEscrowForIntent(t *testing.T) {
	m := NewManager()
	first := newFunded(t, m, "intent-dup", 5)

	_, err := m.Create(context.Background(), Deposit{IntentID: "intent-dup", ClientAddress: client, Amount: 5})
	if !stdErrors.Is(err, ErrActiveEscrow) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := m.Refund(context.Background(), first.ID, "cancelled"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	second := newFunded(t, m, "intent-dup", 7)
	got, err := m.GetByIntent("intent-dup")
	if err != nil || got.ID != second.ID {
		t.Fatalf("intent index should point at the newest escrow: %v %v", got, err)
	}
}

func TestReleaseScenario(t *testing.T) {
	m := NewManager()
	esc := newFunded(t, m, "intent-a", 10)

	res, err := m.Release(context.Background(), ReleaseRequest{EscrowID: esc.ID, RecipientAddress: provider, Amount: 6})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Amount != 6 || res.RefundAmount != 4 || res.TxHash == "" {
		t.Fatalf("unexpected release result %+v", res)
	}

	got, _ := m.Get(esc.ID)
	if got.Status != StatusReleased || got.ReleasedAmount != 6 || got.RefundedAmount != 4 {
		t.Fatalf("unexpected escrow after release %+v", got)
	}
	assertInvariant(t, got)

	stats := m.Stats()
	if stats.TotalReleased != 6 || stats.TotalRefunded != 4 || stats.PendingAmount != 0 {
		t.Fatalf("unexpected totals %+v", stats)
	}
	if m.HasActive("intent-a") {
		t.Fatal("released escrow must not be active")
	}
}

func TestReleaseErrors(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	esc := newFunded(t, m, "intent-b", 10)

	_, err := m.Release(ctx, ReleaseRequest{EscrowID: "missing", RecipientAddress: provider, Amount: 1})
	if !stdErrors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = m.Release(ctx, ReleaseRequest{EscrowID: esc.ID, RecipientAddress: provider, Amount: 11})
	if xerrors.CodeOf(err) != xerrors.CodeLimitExceeded {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	got, _ := m.Get(esc.ID)
	if got.Status != StatusFunded || got.ReleasedAmount != 0 {
		t.Fatalf("rejected release must not mutate escrow: %+v", got)
	}
	if _, err := m.Release(ctx, ReleaseRequest{EscrowID: esc.ID, RecipientAddress: provider, Amount: -1}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestReleaseZeroRefundsEverything(t *testing.T) {
	m := NewManager()
	esc := newFunded(t, m, "intent-zero", 10)

	res, err := m.Release(context.Background(), ReleaseRequest{EscrowID: esc.ID, RecipientAddress: provider, Amount: 0})
	if err != nil {
		t.Fatalf("zero release: %v", err)
	}
	if res.Amount != 0 || res.RefundAmount != 10 || res.TxHash == "" {
		t.Fatalf("unexpected release result %+v", res)
	}
	got, _ := m.Get(esc.ID)
	if got.Status != StatusReleased || got.ReleasedAmount != 0 || got.RefundedAmount != 10 {
		t.Fatalf("unexpected escrow after zero release %+v", got)
	}
	assertInvariant(t, got)
	if stats := m.Stats(); stats.TotalRefunded != 10 || stats.PendingAmount != 0 {
		t.Fatalf("unexpected totals %+v", stats)
	}
}

func TestTerminalStatesRejectFurtherMutation(t *testing.T) {
	ctx := context.Background()
	terminate := map[string]func(m *Manager, id string) error{
		"released": func(m *Manager, id string) error {
			_, err := m.Release(ctx, ReleaseRequest{EscrowID: id, RecipientAddress: provider, Amount: 10})
			return err
		},
		"refunded": func(m *Manager, id string) error {
			_, err := m.Refund(ctx, id, "")
			return err
		},
		"slashed": func(m *Manager, id string) error {
			_, err := m.Slash(ctx, id, 3, provider, "sla breach")
			return err
		},
	}
	for name, fn := range terminate {
		t.Run(name, func(t *testing.T) {
			m := NewManager()
			esc := newFunded(t, m, "intent-"+name, 10)
			if err := fn(m, esc.ID); err != nil {
				t.Fatalf("terminate: %v", err)
			}
			for op, again := range terminate {
				if err := again(m, esc.ID); !stdErrors.Is(err, ErrInvalidState) {
					t.Fatalf("%s after %s: expected invalid state, got %v", op, name, err)
				}
			}
			if _, err := m.Dispute(ctx, esc.ID, "late"); !stdErrors.Is(err, ErrInvalidState) {
				t.Fatalf("dispute after %s: expected invalid state, got %v", name, err)
			}
			got, _ := m.Get(esc.ID)
			assertInvariant(t, got)
		})
	}
}

func TestSlashReturnsRemainder(t *testing.T) {
	m := NewManager()
	esc := newFunded(t, m, "intent-s", 10)

	res, err := m.Slash(context.Background(), esc.ID, 3, provider, "missed deadline")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if res.SlashedAmount != 3 || res.RemainingAmount != 7 {
		t.Fatalf("unexpected slash result %+v", res)
	}
	got, _ := m.Get(esc.ID)
	if got.SlashedAmount != 3 || got.RefundedAmount != 7 || got.Reason != "missed deadline" || got.SlashedAt == nil {
		t.Fatalf("unexpected escrow %+v", got)
	}
	assertInvariant(t, got)

	other := newFunded(t, m, "intent-s2", 5)
	res, err = m.Slash(context.Background(), other.ID, 50, provider, "fraud")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if res.SlashedAmount != 5 || res.RemainingAmount != 0 {
		t.Fatalf("slash must be capped at escrow amount: %+v", res)
	}
	if stats := m.Stats(); stats.TotalSlashed != 8 || stats.TotalRefunded != 7 {
		t.Fatalf("unexpected totals %+v", stats)
	}
}

func TestDisputeOnlyAllowsRefund(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	esc := newFunded(t, m, "intent-d", 10)

	disputed, err := m.Dispute(ctx, esc.ID, "quality")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != StatusDisputed || disputed.DisputedAt == nil {
		t.Fatalf("unexpected disputed escrow %+v", disputed)
	}
	if m.HasActive("intent-d") {
		t.Fatal("disputed escrow is not active")
	}
	if stats := m.Stats(); stats.PendingAmount != 10 || stats.Disputed != 1 {
		t.Fatalf("disputed funds should stay pending: %+v", stats)
	}
	if _, err := m.Release(ctx, ReleaseRequest{EscrowID: esc.ID, RecipientAddress: provider, Amount: 1}); !stdErrors.Is(err, ErrInvalidState) {
		t.Fatalf("release on disputed escrow should fail, got %v", err)
	}
	if _, err := m.Slash(ctx, esc.ID, 1, provider, ""); !stdErrors.Is(err, ErrInvalidState) {
		t.Fatalf("slash on disputed escrow should fail, got %v", err)
	}
	res, err := m.Refund(ctx, esc.ID, "resolved for client")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.Amount != 10 {
		t.Fatalf("unexpected refund %+v", res)
	}
}

func TestCreatedWindowIsObservable(t *testing.T) {
	gate := &gateSettler{entered: make(chan struct{}), release: make(chan struct{}), inner: web3.NewSyntheticSettler()}
	m := NewManager(WithSettler(gate))

	done := make(chan *Escrow, 1)
	go func() {
		esc, err := m.Create(context.Background(), Deposit{IntentID: "intent-w", ClientAddress: client, Amount: 2})
		if err != nil {
			t.Errorf("create: %v", err)
		}
		done <- esc
	}()

	<-gate.entered
	pending, err := m.GetByIntent("intent-w")
	if err != nil {
		t.Fatalf("get by intent: %v", err)
	}
	if pending.Status != StatusCreated || m.HasActive("intent-w") {
		t.Fatalf("expected created window, got %s", pending.Status)
	}
	if _, err := m.Refund(context.Background(), pending.ID, ""); !stdErrors.Is(err, ErrInvalidState) {
		t.Fatalf("refund during created window should fail, got %v", err)
	}
	close(gate.release)

	esc := <-done
	if esc == nil || esc.Status != StatusFunded {
		t.Fatalf("expected funded escrow after settler returns, got %+v", esc)
	}
}

func TestFundingFailureRemovesEscrow(t *testing.T) {
	m := NewManager(WithSettler(failingSettler{}))
	_, err := m.Create(context.Background(), Deposit{IntentID: "intent-f", ClientAddress: client, Amount: 3})
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if _, err := m.GetByIntent("intent-f"); !stdErrors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("escrow should be removed, got %v", err)
	}
	if len(m.ListByClient(client)) != 0 || m.Stats().Total != 0 {
		t.Fatal("indexes should be empty after failed funding")
	}
}

func TestListByClientIsCaseInsensitive(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	newFunded(t, m, "i-1", 1)
	newFunded(t, m, "i-2", 2)

	list := m.ListByClient("0x52908400098527886E0F7030069857D2E4169EE7")
	if len(list) != 2 || list[0].IntentID != "i-1" || list[1].IntentID != "i-2" {
		t.Fatalf("unexpected client listing %+v", list)
	}
	list[0].Amount = 999
	again, _ := m.Get(list[0].ID)
	if again.Amount != 1 {
		t.Fatal("listing must return copies")
	}
}

func TestEventsPublished(t *testing.T) {
	m := NewManager()
	ch := make(chan events.Event, 8)
	sub := m.Events().Subscribe(ch)
	defer sub.Unsubscribe()

	esc := newFunded(t, m, "intent-e", 4)
	if _, err := m.Refund(context.Background(), esc.ID, ""); err != nil {
		t.Fatalf("refund: %v", err)
	}

	var got []string
	for len(got) < 3 {
		select {
		case evt := <-ch:
			if evt.Source != "escrow" {
				t.Fatalf("unexpected source %s", evt.Source)
			}
			got = append(got, evt.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", got)
		}
	}
	if got[0] != EventCreated || got[1] != EventFunded || got[2] != EventRefunded {
		t.Fatalf("unexpected event order %v", got)
	}
}
