package oco

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"topstepflow/api"
	"topstepflow/config"
	"topstepflow/logger"
	"topstepflow/models"
)

// Placement failure taxonomy. createBracket aborts on the first failure and
// never retries, since a retry could double-place an entry order. A failure
// after the entry is live leaves untracked orders at the broker; that gap is
// surfaced in the error and must be handled by the operator.
var (
	ErrPriceUnavailable      = errors.New("reference price unavailable")
	ErrEntryPlacementFailed  = errors.New("entry order placement failed")
	ErrStopPlacementFailed   = errors.New("stop order placement failed")
	ErrTargetPlacementFailed = errors.New("target order placement failed")
)

// Status is the lifecycle state of one bracket set. Active is the only
// non-terminal state.
type Status int

const (
	StatusActive Status = iota
	StatusStopHit
	StatusTargetHit
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusStopHit:
		return "stop_hit"
	case StatusTargetHit:
		return "target_hit"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Bracket is one entry order plus its two protective legs, tracked as a
// unit.
type Bracket struct {
	EntryOrderID  int64
	StopOrderID   int64
	TargetOrderID int64
	ContractID    string
	Side          models.Side
	Size          int
	EntryPrice    float64
	StopPrice     float64
	TargetPrice   float64
	Status        Status
	Tag           string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

type legKind int

const (
	legStop legKind = iota
	legTarget
)

// legRef resolves a protective leg's order id back to its bracket and
// sibling.
type legRef struct {
	entryID   int64
	kind      legKind
	siblingID int64
}

// OrderPlacer is the slice of the order API the manager needs.
type OrderPlacer interface {
	Place(ctx context.Context, req models.PlaceOrderRequest) (int64, error)
	Cancel(ctx context.Context, accountID int, orderID int64) error
	SearchOpen(ctx context.Context, accountID int) ([]models.Order, error)
}

// PriceSource resolves the reference price for a contract.
type PriceSource interface {
	LatestBar(ctx context.Context, contractID string) (*models.Bar, error)
}

const (
	tagEntryPrefix  = "OCO_ENTRY_"
	tagStopPrefix   = "OCO_STOP_"
	tagTargetPrefix = "OCO_TARGET_"
)

// Manager owns the bracket-order state machine: placing linked entry, stop
// and target orders, and cancelling the surviving sibling exactly once when
// either protective leg fills. One mutex guards the bracket table and the
// leg index together, so fill events arriving on the hub callback thread
// cannot race CreateBracket or CleanupOrders into a double cancel.
type Manager struct {
	orders         OrderPlacer
	prices         PriceSource
	accountID      int
	stopDistance   float64
	targetDistance float64
	log            *logger.Log

	mu       sync.Mutex
	brackets map[int64]*Bracket
	legs     map[int64]legRef
}

// NewManager creates a bracket manager for one account.
func NewManager(orders OrderPlacer, prices PriceSource, accountID int, cfg config.OcoConfig) *Manager {
	return &Manager{
		orders:         orders,
		prices:         prices,
		accountID:      accountID,
		stopDistance:   cfg.StopDistance,
		targetDistance: cfg.TargetDistance,
		log:            logger.GetLogger(),
		brackets:       make(map[int64]*Bracket),
		legs:           make(map[int64]legRef),
	}
}

// CreateBracket places a market entry with linked stop and target legs and
// registers the three as one Active bracket. Any placement failure aborts
// with a typed error and registers nothing; orders already live at the
// broker are not unwound automatically.
func (m *Manager) CreateBracket(ctx context.Context, contractID string, side models.Side, size int) (Bracket, error) {
	log := m.log.WithComponent("oco_manager").WithFields(logger.Fields{
		"contract": contractID,
		"side":     side.String(),
		"size":     size,
	})

	bar, err := m.prices.LatestBar(ctx, contractID)
	if err != nil {
		return Bracket{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	price := bar.Close

	var stopPrice, targetPrice float64
	if side == models.SideBuy {
		stopPrice = price - m.stopDistance
		targetPrice = price + m.targetDistance
	} else {
		stopPrice = price + m.stopDistance
		targetPrice = price - m.targetDistance
	}
	legSide := side.Opposite()

	tag := uuid.NewString()[:8]

	entryID, err := m.orders.Place(ctx, models.PlaceOrderRequest{
		AccountID:  m.accountID,
		ContractID: contractID,
		Type:       models.OrderTypeMarket,
		Side:       side,
		Size:       size,
		CustomTag:  tagEntryPrefix + tag,
	})
	if err != nil {
		return Bracket{}, fmt.Errorf("%w: %v", ErrEntryPlacementFailed, err)
	}

	stopID, err := m.orders.Place(ctx, models.PlaceOrderRequest{
		AccountID:     m.accountID,
		ContractID:    contractID,
		Type:          models.OrderTypeStop,
		Side:          legSide,
		Size:          size,
		StopPrice:     &stopPrice,
		LinkedOrderID: &entryID,
		CustomTag:     tagStopPrefix + tag,
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"entry_order": entryID}).Error(
			"stop placement failed, entry order is live and untracked")
		return Bracket{}, fmt.Errorf("%w (entry order %d live and untracked): %v", ErrStopPlacementFailed, entryID, err)
	}

	targetID, err := m.orders.Place(ctx, models.PlaceOrderRequest{
		AccountID:     m.accountID,
		ContractID:    contractID,
		Type:          models.OrderTypeLimit,
		Side:          legSide,
		Size:          size,
		LimitPrice:    &targetPrice,
		LinkedOrderID: &entryID,
		CustomTag:     tagTargetPrefix + tag,
	})
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"entry_order": entryID,
			"stop_order":  stopID,
		}).Error("target placement failed, entry and stop orders are live and untracked")
		return Bracket{}, fmt.Errorf("%w (entry %d and stop %d live and untracked): %v", ErrTargetPlacementFailed, entryID, stopID, err)
	}

	b := &Bracket{
		EntryOrderID:  entryID,
		StopOrderID:   stopID,
		TargetOrderID: targetID,
		ContractID:    contractID,
		Side:          side,
		Size:          size,
		EntryPrice:    price,
		StopPrice:     stopPrice,
		TargetPrice:   targetPrice,
		Status:        StatusActive,
		Tag:           tag,
		CreatedAt:     time.Now().UTC(),
	}

	m.mu.Lock()
	m.brackets[entryID] = b
	m.legs[stopID] = legRef{entryID: entryID, kind: legStop, siblingID: targetID}
	m.legs[targetID] = legRef{entryID: entryID, kind: legTarget, siblingID: stopID}
	m.mu.Unlock()

	log.WithFields(logger.Fields{
		"entry_order":  entryID,
		"stop_order":   stopID,
		"target_order": targetID,
		"entry_price":  price,
		"stop_price":   stopPrice,
		"target_price": targetPrice,
	}).Info("bracket created")

	return *b, nil
}

// OnOrderUpdate feeds one order event into the state machine. Safe to call
// any number of times with the same event and concurrently with
// CreateBracket or CleanupOrders; a bracket transitions out of Active at
// most once and its sibling is cancelled at most once.
func (m *Manager) OnOrderUpdate(update models.OrderUpdate) {
	if update.FillVolume <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.legs[update.ID]
	if !ok {
		// broker responses occasionally omit the id mapping; the custom tag
		// is a weaker secondary correlation
		ref, ok = m.legByTagLocked(update.CustomTag)
	}
	if !ok {
		return
	}

	b, exists := m.brackets[ref.entryID]
	if !exists || b.Status != StatusActive {
		m.log.WithComponent("oco_manager").WithFields(logger.Fields{
			"order_id": update.ID,
		}).Info("ignoring fill for completed bracket")
		return
	}

	log := m.log.WithComponent("oco_manager").WithFields(logger.Fields{
		"entry_order":   ref.entryID,
		"filled_leg":    update.ID,
		"sibling_order": ref.siblingID,
	})

	if err := m.orders.Cancel(context.Background(), m.accountID, ref.siblingID); err != nil && !errors.Is(err, api.ErrOrderNotWorking) {
		// leave the bracket Active; a duplicate event or CleanupOrders can
		// retry the cancel
		log.WithError(err).Warn("sibling cancel failed, bracket stays active")
		return
	}

	now := time.Now().UTC()
	b.CompletedAt = &now
	if ref.kind == legStop {
		b.Status = StatusStopHit
	} else {
		b.Status = StatusTargetHit
	}
	logger.IncrementSiblingCancel()
	log.WithFields(logger.Fields{"status": b.Status.String()}).Info("bracket completed, sibling cancelled")
}

// legByTagLocked correlates a fill by its bracket custom tag when the order
// id is unknown. Caller holds m.mu.
func (m *Manager) legByTagLocked(customTag string) (legRef, bool) {
	var kind legKind
	var tag string
	switch {
	case strings.HasPrefix(customTag, tagStopPrefix):
		kind = legStop
		tag = strings.TrimPrefix(customTag, tagStopPrefix)
	case strings.HasPrefix(customTag, tagTargetPrefix):
		kind = legTarget
		tag = strings.TrimPrefix(customTag, tagTargetPrefix)
	default:
		return legRef{}, false
	}

	for _, b := range m.brackets {
		if b.Tag != tag {
			continue
		}
		if kind == legStop {
			return legRef{entryID: b.EntryOrderID, kind: legStop, siblingID: b.TargetOrderID}, true
		}
		return legRef{entryID: b.EntryOrderID, kind: legTarget, siblingID: b.StopOrderID}, true
	}
	return legRef{}, false
}

// CancelBracket cancels both protective legs of an Active bracket and marks
// it Cancelled. The entry order is a market order and assumed filled.
func (m *Manager) CancelBracket(ctx context.Context, entryOrderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.brackets[entryOrderID]
	if !ok {
		return fmt.Errorf("no bracket for entry order %d", entryOrderID)
	}
	if b.Status != StatusActive {
		return nil
	}

	log := m.log.WithComponent("oco_manager").WithFields(logger.Fields{"entry_order": entryOrderID})
	for _, legID := range []int64{b.StopOrderID, b.TargetOrderID} {
		if err := m.orders.Cancel(ctx, m.accountID, legID); err != nil && !errors.Is(err, api.ErrOrderNotWorking) {
			log.WithError(err).WithFields(logger.Fields{"leg_order": legID}).Warn("leg cancel failed")
		}
	}

	now := time.Now().UTC()
	b.Status = StatusCancelled
	b.CompletedAt = &now
	log.Info("bracket cancelled")
	return nil
}

// CleanupOrders cancels every open broker order tagged as a bracket leg,
// best-effort and independently per order, then evicts completed brackets
// and their leg index entries. Active brackets are left untouched.
func (m *Manager) CleanupOrders(ctx context.Context) error {
	log := m.log.WithComponent("oco_manager")

	open, err := m.orders.SearchOpen(ctx, m.accountID)
	if err != nil {
		log.WithError(err).Warn("open order search failed, sweeping completed brackets only")
	}
	for _, order := range open {
		if !strings.HasPrefix(order.CustomTag, "OCO_") {
			continue
		}
		if cancelErr := m.orders.Cancel(ctx, m.accountID, order.ID); cancelErr != nil && !errors.Is(cancelErr, api.ErrOrderNotWorking) {
			log.WithError(cancelErr).WithFields(logger.Fields{"order_id": order.ID}).Warn("cleanup cancel failed")
		}
	}

	m.mu.Lock()
	removed := 0
	for entryID, b := range m.brackets {
		if b.Status == StatusActive {
			continue
		}
		delete(m.legs, b.StopOrderID)
		delete(m.legs, b.TargetOrderID)
		delete(m.brackets, entryID)
		removed++
	}
	m.mu.Unlock()

	if removed > 0 {
		log.WithFields(logger.Fields{"removed": removed}).Info("swept completed brackets")
	}
	if err != nil {
		return fmt.Errorf("search open orders: %w", err)
	}
	return nil
}

// Bracket returns a snapshot of one tracked bracket.
func (m *Manager) Bracket(entryOrderID int64) (Bracket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.brackets[entryOrderID]
	if !ok {
		return Bracket{}, false
	}
	return *b, true
}

// Snapshot returns copies of every tracked bracket, completed ones
// included, for operator inspection.
func (m *Manager) Snapshot() []Bracket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Bracket, 0, len(m.brackets))
	for _, b := range m.brackets {
		out = append(out, *b)
	}
	return out
}

// legCount reports the size of the leg index; completed brackets must not
// leave entries behind after a cleanup pass.
func (m *Manager) legCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.legs)
}
