package oco

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"topstepflow/api"
	"topstepflow/config"
	"topstepflow/models"
)

type fakeOrders struct {
	mu        sync.Mutex
	nextID    int64
	placed    []models.PlaceOrderRequest
	cancelled []int64
	failPlace map[int]error // keyed by zero-based place call index
	cancelErr error
	open      []models.Order
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{failPlace: map[int]error{}}
}

func (f *fakeOrders) Place(ctx context.Context, req models.PlaceOrderRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.placed)
	f.placed = append(f.placed, req)
	if err, ok := f.failPlace[call]; ok {
		return 0, err
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeOrders) Cancel(ctx context.Context, accountID int, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeOrders) SearchOpen(ctx context.Context, accountID int) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Order(nil), f.open...), nil
}

func (f *fakeOrders) cancels() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.cancelled...)
}

func (f *fakeOrders) placements() []models.PlaceOrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PlaceOrderRequest(nil), f.placed...)
}

func (f *fakeOrders) setCancelErr(err error) {
	f.mu.Lock()
	f.cancelErr = err
	f.mu.Unlock()
}

type fakePrices struct {
	bar *models.Bar
	err error
}

func (f *fakePrices) LatestBar(ctx context.Context, contractID string) (*models.Bar, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bar, nil
}

const testAccount = 7

func testManager(orders *fakeOrders, prices *fakePrices) *Manager {
	return NewManager(orders, prices, testAccount, config.OcoConfig{StopDistance: 6, TargetDistance: 6})
}

func mustCreate(t *testing.T, m *Manager) Bracket {
	t.Helper()
	b, err := m.CreateBracket(context.Background(), "CON.F.US.MNQ.M25", models.SideBuy, 1)
	if err != nil {
		t.Fatalf("create bracket: %v", err)
	}
	return b
}

func TestCreateBracketLongDirection(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})

	b := mustCreate(t, m)

	if b.StopPrice != 94.0 || b.TargetPrice != 106.0 {
		t.Fatalf("stop/target = %v/%v, want 94/106", b.StopPrice, b.TargetPrice)
	}

	placed := orders.placements()
	if len(placed) != 3 {
		t.Fatalf("expected 3 placements, got %d", len(placed))
	}
	entry, stop, target := placed[0], placed[1], placed[2]

	if entry.Type != models.OrderTypeMarket || entry.Side != models.SideBuy {
		t.Errorf("entry = %+v", entry)
	}
	if stop.Type != models.OrderTypeStop || stop.Side != models.SideSell || *stop.StopPrice != 94.0 {
		t.Errorf("stop leg = %+v", stop)
	}
	if target.Type != models.OrderTypeLimit || target.Side != models.SideSell || *target.LimitPrice != 106.0 {
		t.Errorf("target leg = %+v", target)
	}
	if *stop.LinkedOrderID != b.EntryOrderID || *target.LinkedOrderID != b.EntryOrderID {
		t.Error("protective legs are not linked to the entry order")
	}
}

func TestCreateBracketShortDirection(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})

	b, err := m.CreateBracket(context.Background(), "CON.F.US.MNQ.M25", models.SideSell, 2)
	if err != nil {
		t.Fatalf("create bracket: %v", err)
	}

	if b.StopPrice != 106.0 || b.TargetPrice != 94.0 {
		t.Fatalf("stop/target = %v/%v, want 106/94", b.StopPrice, b.TargetPrice)
	}
	placed := orders.placements()
	if placed[1].Side != models.SideBuy || placed[2].Side != models.SideBuy {
		t.Error("protective legs of a short bracket must be buys")
	}
}

func TestCreateBracketPriceUnavailable(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{err: api.ErrNoBars})

	_, err := m.CreateBracket(context.Background(), "CON.F.US.MNQ.M25", models.SideBuy, 1)
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if len(orders.placements()) != 0 {
		t.Fatal("no orders may be placed without a reference price")
	}
}

func TestPartialPlacementRegistersNothing(t *testing.T) {
	tests := []struct {
		name     string
		failCall int
		wantErr  error
	}{
		{"entry fails", 0, ErrEntryPlacementFailed},
		{"stop fails", 1, ErrStopPlacementFailed},
		{"target fails", 2, ErrTargetPlacementFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := newFakeOrders()
			orders.failPlace[tt.failCall] = errors.New("rejected")
			m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})

			_, err := m.CreateBracket(context.Background(), "CON.F.US.MNQ.M25", models.SideBuy, 1)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(m.Snapshot()) != 0 || m.legCount() != 0 {
				t.Fatal("half-built bracket must not be registered")
			}

			// a later fill event for any already-placed order must not match
			m.OnOrderUpdate(models.OrderUpdate{ID: 1, FillVolume: 1, Status: models.OrderStatusFilled})
			if len(orders.cancels()) != 0 {
				t.Fatal("fill on an untracked order triggered a cancel")
			}
		})
	}
}

func TestStopFillCancelsTargetOnce(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})
	b := mustCreate(t, m)

	fill := models.OrderUpdate{ID: b.StopOrderID, FillVolume: 1, Status: models.OrderStatusFilled}
	m.OnOrderUpdate(fill)
	// duplicate delivery, then a late sibling event
	m.OnOrderUpdate(fill)
	m.OnOrderUpdate(models.OrderUpdate{ID: b.TargetOrderID, FillVolume: 1})

	cancels := orders.cancels()
	if len(cancels) != 1 || cancels[0] != b.TargetOrderID {
		t.Fatalf("cancels = %v, want exactly one cancel of %d", cancels, b.TargetOrderID)
	}

	got, ok := m.Bracket(b.EntryOrderID)
	if !ok || got.Status != StatusStopHit {
		t.Fatalf("bracket status = %v", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed bracket has no completion time")
	}
}

func TestTargetFillMarksTargetHit(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})
	b := mustCreate(t, m)

	m.OnOrderUpdate(models.OrderUpdate{ID: b.TargetOrderID, FillVolume: 1})

	cancels := orders.cancels()
	if len(cancels) != 1 || cancels[0] != b.StopOrderID {
		t.Fatalf("cancels = %v, want exactly one cancel of %d", cancels, b.StopOrderID)
	}
	got, _ := m.Bracket(b.EntryOrderID)
	if got.Status != StatusTargetHit {
		t.Fatalf("status = %v, want target hit", got.Status)
	}
}

func TestZeroFillIsIgnored(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})
	b := mustCreate(t, m)

	m.OnOrderUpdate(models.OrderUpdate{ID: b.StopOrderID, FillVolume: 0, Status: models.OrderStatusWorking})

	if len(orders.cancels()) != 0 {
		t.Fatal("status update without a fill triggered a cancel")
	}
	got, _ := m.Bracket(b.EntryOrderID)
	if got.Status != StatusActive {
		t.Fatalf("status = %v, want active", got.Status)
	}
}

func TestCancelNotWorkingCompletesTransition(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})
	b := mustCreate(t, m)

	orders.setCancelErr(fmt.Errorf("order %d: %w", b.TargetOrderID, api.ErrOrderNotWorking))
	m.OnOrderUpdate(models.OrderUpdate{ID: b.StopOrderID, FillVolume: 1})

	got, _ := m.Bracket(b.EntryOrderID)
	if got.Status != StatusStopHit {
		t.Fatalf("status = %v, a not-working cancel must count as success", got.Status)
	}
}

func TestCancelFailureKeepsBracketActiveForRetry(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})
	b := mustCreate(t, m)

	orders.setCancelErr(errors.New("gateway timeout"))
	m.OnOrderUpdate(models.OrderUpdate{ID: b.StopOrderID, FillVolume: 1})

	got, _ := m.Bracket(b.EntryOrderID)
	if got.Status != StatusActive {
		t.Fatalf("status = %v, failed cancel must keep the bracket active", got.Status)
	}

	// a duplicate event retries the cancel once the broker recovers
	orders.setCancelErr(nil)
	m.OnOrderUpdate(models.OrderUpdate{ID: b.StopOrderID, FillVolume: 1})

	cancels := orders.cancels()
	if len(cancels) != 1 || cancels[0] != b.TargetOrderID {
		t.Fatalf("cancels = %v", cancels)
	}
	got, _ = m.Bracket(b.EntryOrderID)
	if got.Status != StatusStopHit {
		t.Fatalf("status = %v after retry", got.Status)
	}
}

func TestTagFallbackCorrelation(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})
	b := mustCreate(t, m)

	// id omitted by the broker, only the custom tag identifies the leg
	m.OnOrderUpdate(models.OrderUpdate{FillVolume: 1, CustomTag: "OCO_STOP_" + b.Tag})

	cancels := orders.cancels()
	if len(cancels) != 1 || cancels[0] != b.TargetOrderID {
		t.Fatalf("cancels = %v, tag fallback did not correlate", cancels)
	}
}

func TestCleanupOrdersSweepsCompletedBrackets(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})
	b := mustCreate(t, m)

	m.OnOrderUpdate(models.OrderUpdate{ID: b.StopOrderID, FillVolume: 1})

	orders.open = []models.Order{
		{ID: 900, CustomTag: "OCO_STOP_deadbeef"},
		{ID: 901, CustomTag: "manual-order"},
	}
	if err := m.CleanupOrders(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	cancels := orders.cancels()
	found := false
	for _, id := range cancels {
		if id == 901 {
			t.Error("cleanup cancelled an untagged order")
		}
		if id == 900 {
			found = true
		}
	}
	if !found {
		t.Error("cleanup skipped a tagged open order")
	}

	if len(m.Snapshot()) != 0 || m.legCount() != 0 {
		t.Fatal("completed bracket survived cleanup")
	}
}

func TestCleanupKeepsActiveBrackets(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})
	b := mustCreate(t, m)

	if err := m.CleanupOrders(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, ok := m.Bracket(b.EntryOrderID); !ok {
		t.Fatal("cleanup evicted an active bracket")
	}
	if m.legCount() != 2 {
		t.Fatalf("leg index size = %d, want 2", m.legCount())
	}
}

func TestCancelBracket(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})
	b := mustCreate(t, m)

	if err := m.CancelBracket(context.Background(), b.EntryOrderID); err != nil {
		t.Fatalf("cancel bracket: %v", err)
	}
	cancels := orders.cancels()
	if len(cancels) != 2 {
		t.Fatalf("cancels = %v, want both legs", cancels)
	}
	got, _ := m.Bracket(b.EntryOrderID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %v", got.Status)
	}

	// late fill on a cancelled bracket is a no-op
	m.OnOrderUpdate(models.OrderUpdate{ID: b.StopOrderID, FillVolume: 1})
	if len(orders.cancels()) != 2 {
		t.Fatal("fill on a cancelled bracket triggered another cancel")
	}
}

func TestConcurrentFillsAndCleanup(t *testing.T) {
	orders := newFakeOrders()
	m := testManager(orders, &fakePrices{bar: &models.Bar{Close: 100.0}})

	const n = 20
	brackets := make([]Bracket, n)
	for i := range brackets {
		brackets[i] = mustCreate(t, m)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		b := brackets[i]
		for w := 0; w < 4; w++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				m.OnOrderUpdate(models.OrderUpdate{ID: b.StopOrderID, FillVolume: 1})
			}()
			go func() {
				defer wg.Done()
				m.OnOrderUpdate(models.OrderUpdate{ID: b.TargetOrderID, FillVolume: 1})
			}()
		}
	}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CleanupOrders(context.Background())
		}()
	}
	wg.Wait()

	// every bracket must have produced exactly one sibling cancel
	cancels := orders.cancels()
	if len(cancels) != n {
		t.Fatalf("cancel count = %d, want %d", len(cancels), n)
	}
	seen := make(map[int64]int)
	for _, id := range cancels {
		seen[id]++
	}
	for _, b := range brackets {
		if seen[b.StopOrderID]+seen[b.TargetOrderID] != 1 {
			t.Fatalf("bracket %d cancelled %d siblings", b.EntryOrderID,
				seen[b.StopOrderID]+seen[b.TargetOrderID])
		}
	}

	if err := m.CleanupOrders(context.Background()); err != nil {
		t.Fatalf("final cleanup: %v", err)
	}
	if len(m.Snapshot()) != 0 || m.legCount() != 0 {
		t.Fatal("completed brackets or leg entries leaked")
	}
}
