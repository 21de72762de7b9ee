package risk

import (
	"fmt"
	"log"
	"time"

	"trading-engine/internal/core"
)

// side is the logical order direction used by the funds math: +1 long, -1
// short.
type side struct {
	direction float64
	name      string
}

var (
	longSide  = side{direction: 1, name: "long"}
	shortSide = side{direction: -1, name: "short"}
)

// Scope is one independently limited risk-control overlay. Scopes are
// created by the Gate, never directly.
type Scope interface {
	Name() string

	index() int
	checkNewOrder(opID OperationID, ctx *SymbolContext, currency string, qty, price float64, s side) error
	confirmOrder(opID OperationID, status core.OrderStatus, ctx *SymbolContext, currency string, orderPrice, remainingQty float64, trade *core.Trade, tradePrice float64, s side) error
	checkTotalPnl(pnl float64) error
	checkTotalWinRatio(winRatio, operationsCount int) error
}

// emptyScope is handed out when the gate is disabled; every check passes.
type emptyScope struct {
	name string
}

func (s *emptyScope) Name() string { return s.name }
func (s *emptyScope) index() int   { return 0 }
func (s *emptyScope) checkNewOrder(OperationID, *SymbolContext, string, float64, float64, side) error {
	return nil
}
func (s *emptyScope) confirmOrder(OperationID, core.OrderStatus, *SymbolContext, string, float64, float64, *core.Trade, float64, side) error {
	return nil
}
func (s *emptyScope) checkTotalPnl(float64) error       { return nil }
func (s *emptyScope) checkTotalWinRatio(int, int) error { return nil }

// standardScope enforces flood control, fund blocking and P&L limits. Its
// lock guards the flood buffer and the exposure records of all symbols in the
// scope; unrelated scopes never contend.
type standardScope struct {
	name     string
	scopeIdx int
	settings Settings

	lk    core.Locker
	now   func() time.Time
	store ExposureStore

	// orderTimes is the flood-control ring: submission timestamps inside the
	// rolling window, oldest first, never more than FloodControlMaxOrders.
	orderTimes []time.Time
}

func newStandardScope(name string, index int, settings Settings, profile core.ConcurrencyProfile, now func() time.Time, store ExposureStore) (*standardScope, error) {
	if err := settings.validate(); err != nil {
		return nil, fmt.Errorf("scope %q: %w", name, err)
	}
	log.Printf("risk: scope %q flood control: not more than %d orders per %s",
		name, settings.FloodControlMaxOrders, settings.FloodControlPeriod)
	log.Printf("risk: scope %q max profit: %v, max loss: %v", name, settings.PnlProfit, settings.PnlLoss)
	log.Printf("risk: scope %q min win-ratio: %d%% (skip first %d operations)",
		name, settings.WinRatioMin, settings.WinRatioFirstOperationsToSkip)
	return &standardScope{
		name:       name,
		scopeIdx:   index,
		settings:   settings,
		lk:         core.NewLocker(profile),
		now:        now,
		store:      store,
		orderTimes: make([]time.Time, 0, settings.FloodControlMaxOrders),
	}, nil
}

func (s *standardScope) Name() string { return s.name }
func (s *standardScope) index() int   { return s.scopeIdx }

func (s *standardScope) checkNewOrder(opID OperationID, ctx *SymbolContext, currency string, qty, price float64, sd side) error {
	if err := s.checkOrdersFloodLevel(); err != nil {
		return err
	}
	return s.blockFunds(opID, ctx, currency, qty, price, sd)
}

// Breaks the build when the order status list changes; confirmOrder must be
// revisited then.
const _ = uint(core.NumOrderStatuses-7) + uint(7-core.NumOrderStatuses)

func (s *standardScope) confirmOrder(opID OperationID, status core.OrderStatus, ctx *SymbolContext, currency string, orderPrice, remainingQty float64, trade *core.Trade, tradePrice float64, sd side) error {
	switch status {
	case core.OrderStatusFilled, core.OrderStatusFilledPartially:
		if trade == nil {
			return fmt.Errorf("risk: filled order %d has no trade information", opID)
		}
		return s.confirmBlockedFunds(opID, ctx, currency, orderPrice, trade.Qty, tradePrice, sd)
	case core.OrderStatusCancelled, core.OrderStatusRejected, core.OrderStatusError:
		return s.unblockFunds(opID, ctx, currency, orderPrice, remainingQty, sd)
	default:
		// Submitted and inactive leave the tentative block in place.
		return nil
	}
}

func (s *standardScope) checkTotalPnl(pnl float64) error {
	if pnl < 0 {
		if pnl < -s.settings.PnlLoss {
			log.Printf("risk: scope %q total loss out of allowed range: %v, limit %v",
				s.name, -pnl, s.settings.PnlLoss)
			return fmt.Errorf("%w: loss %v exceeds %v", ErrPnlIsOutOfRange, -pnl, s.settings.PnlLoss)
		}
	} else if pnl > s.settings.PnlProfit {
		log.Printf("risk: scope %q total profit out of allowed range: %v, limit %v",
			s.name, pnl, s.settings.PnlProfit)
		return fmt.Errorf("%w: profit %v exceeds %v", ErrPnlIsOutOfRange, pnl, s.settings.PnlProfit)
	}
	return nil
}

func (s *standardScope) checkTotalWinRatio(winRatio, operationsCount int) error {
	if operationsCount >= s.settings.WinRatioFirstOperationsToSkip && winRatio < s.settings.WinRatioMin {
		log.Printf("risk: scope %q total win-ratio too small: %d%%, floor %d%%",
			s.name, winRatio, s.settings.WinRatioMin)
		return fmt.Errorf("%w: %d%% below %d%%", ErrWinRatioIsOutOfRange, winRatio, s.settings.WinRatioMin)
	}
	return nil
}

// checkOrdersFloodLevel trims timestamps that rolled out of the window, then
// refuses the order if the buffer is at capacity. O(1) amortized.
func (s *standardScope) checkOrdersFloodLevel() error {
	now := s.now()
	oldest := now.Add(-s.settings.FloodControlPeriod)

	s.lk.Lock()
	defer s.lk.Unlock()

	for len(s.orderTimes) > 0 && s.orderTimes[0].Before(oldest) {
		s.orderTimes = s.orderTimes[1:]
	}

	max := s.settings.FloodControlMaxOrders
	if len(s.orderTimes) >= max {
		log.Printf("risk: scope %q order flood limit reached: %d orders over the past %s, allowed %d",
			s.name, len(s.orderTimes)+1, s.settings.FloodControlPeriod, max)
		return fmt.Errorf("%w: scope %q", ErrNumberOfOrdersLimit, s.name)
	}
	if len(s.orderTimes) > 0 && len(s.orderTimes)+1 >= max {
		log.Printf("risk: scope %q order flood limit will be reached with next order: %d over the past %s, allowed %d",
			s.name, len(s.orderTimes)+1, s.settings.FloodControlPeriod, max)
	}

	s.orderTimes = append(s.orderTimes, now)
	return nil
}

// calcOrderVolumes returns the order's effect on both currency legs: first
// the base leg signed by the order direction, then the quote leg signed
// oppositely.
func calcOrderVolumes(symbol core.Symbol, currency string, qty, orderPrice float64, sd side) (base, quote float64, err error) {
	if !symbol.HasCurrency(currency) {
		return 0, 0, fmt.Errorf("%w: currency %q is not a leg of %s", ErrWrongOrderParameter, currency, symbol)
	}
	quoteDirection := sd.direction * -1
	if currency == symbol.Base {
		return qty * sd.direction, qty * orderPrice * quoteDirection, nil
	}
	if orderPrice == 0 {
		return 0, 0, fmt.Errorf("%w: zero price for quote-currency order on %s", ErrWrongOrderParameter, symbol)
	}
	return qty / orderPrice * sd.direction, qty * quoteDirection, nil
}

// calcFundsRest is the headroom left after position: a short net draws
// against the short limit, a long net against the long limit. The sign
// convention is load-bearing.
func calcFundsRest(position float64, rec *CurrencyPosition) float64 {
	if position < 0 {
		return rec.ShortLimit + position
	}
	return rec.LongLimit - position
}

func (s *standardScope) funds(ctx *SymbolContext) (*scopeFunds, error) {
	f := ctx.scope(s.scopeIdx)
	if f == nil {
		return nil, fmt.Errorf("%w: symbol %s has no funds records for scope %q", ErrWrongSettings, ctx.symbol, s.name)
	}
	return f, nil
}

// blockFunds pre-blocks the order's exposure pessimistically: the tentative
// net is committed before the order goes out.
func (s *standardScope) blockFunds(opID OperationID, ctx *SymbolContext, currency string, qty, orderPrice float64, sd side) error {
	f, err := s.funds(ctx)
	if err != nil {
		return err
	}
	blockedBase, blockedQuote, err := calcOrderVolumes(ctx.symbol, currency, qty, orderPrice, sd)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	newBase := f.base.position + blockedBase
	newQuote := f.quote.position + blockedQuote
	restBase := calcFundsRest(newBase, f.base)
	restQuote := calcFundsRest(newQuote, f.quote)

	log.Printf("risk: funds block %q %s %d %s %v + %v = %v rest %v",
		s.name, sd.name, opID, f.base.Currency, f.base.position, blockedBase, newBase, restBase)
	log.Printf("risk: funds block %q %s %d %s %v + %v = %v rest %v",
		s.name, sd.name, opID, f.quote.Currency, f.quote.position, blockedQuote, newQuote, restQuote)

	if restBase < 0 || restQuote < 0 {
		return fmt.Errorf("%w: scope %q, symbol %s", ErrNotEnoughFunds, s.name, ctx.symbol)
	}

	s.setPositions(f, newBase, newQuote)
	return nil
}

// confirmBlockedFunds reverses the tentative block for the traded quantity
// and re-applies it at the actual trade price.
func (s *standardScope) confirmBlockedFunds(opID OperationID, ctx *SymbolContext, currency string, orderPrice, tradeQty, tradePrice float64, sd side) error {
	f, err := s.funds(ctx)
	if err != nil {
		return err
	}
	blockedBase, blockedQuote, err := calcOrderVolumes(ctx.symbol, currency, tradeQty, orderPrice, sd)
	if err != nil {
		return err
	}
	usedBase, usedQuote, err := calcOrderVolumes(ctx.symbol, currency, tradeQty, tradePrice, sd)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	newBase := f.base.position - blockedBase + usedBase
	newQuote := f.quote.position - blockedQuote + usedQuote

	log.Printf("risk: funds use %q %s %d %s %v - %v + %v = %v rest %v",
		s.name, sd.name, opID, f.base.Currency, f.base.position, blockedBase, usedBase, newBase,
		calcFundsRest(newBase, f.base))
	log.Printf("risk: funds use %q %s %d %s %v - %v + %v = %v rest %v",
		s.name, sd.name, opID, f.quote.Currency, f.quote.position, blockedQuote, usedQuote, newQuote,
		calcFundsRest(newQuote, f.quote))

	s.setPositions(f, newBase, newQuote)
	return nil
}

// unblockFunds fully reverses the tentative block for the unfilled remainder.
// Blocking V then unblocking V restores the pre-block state exactly.
func (s *standardScope) unblockFunds(opID OperationID, ctx *SymbolContext, currency string, orderPrice, remainingQty float64, sd side) error {
	f, err := s.funds(ctx)
	if err != nil {
		return err
	}
	blockedBase, blockedQuote, err := calcOrderVolumes(ctx.symbol, currency, remainingQty, orderPrice, sd)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	newBase := f.base.position - blockedBase
	newQuote := f.quote.position - blockedQuote

	log.Printf("risk: funds unblock %q %s %d %s %v - %v = %v rest %v",
		s.name, sd.name, opID, f.base.Currency, f.base.position, blockedBase, newBase,
		calcFundsRest(newBase, f.base))
	log.Printf("risk: funds unblock %q %s %d %s %v - %v = %v rest %v",
		s.name, sd.name, opID, f.quote.Currency, f.quote.position, blockedQuote, newQuote,
		calcFundsRest(newQuote, f.quote))

	s.setPositions(f, newBase, newQuote)
	return nil
}

func (s *standardScope) setPositions(f *scopeFunds, newBase, newQuote float64) {
	f.base.position = newBase
	f.quote.position = newQuote
	if s.store != nil {
		if err := s.store.SaveExposure(s.name, f.base.Currency, newBase); err != nil {
			log.Printf("risk: persist exposure %q/%s: %v", s.name, f.base.Currency, err)
		}
		if err := s.store.SaveExposure(s.name, f.quote.Currency, newQuote); err != nil {
			log.Printf("risk: persist exposure %q/%s: %v", s.name, f.quote.Currency, err)
		}
	}
}

// Exposure is a reporting snapshot of one currency record.
type Exposure struct {
	Scope      string  `json:"scope"`
	Currency   string  `json:"currency"`
	ShortLimit float64 `json:"short_limit"`
	LongLimit  float64 `json:"long_limit"`
	Position   float64 `json:"position"`
	Rest       float64 `json:"rest"`
}

func (s *standardScope) exposure(cache *currencyCache) []Exposure {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]Exposure, 0, len(cache.records))
	for _, rec := range cache.records {
		out = append(out, Exposure{
			Scope:      s.name,
			Currency:   rec.Currency,
			ShortLimit: rec.ShortLimit,
			LongLimit:  rec.LongLimit,
			Position:   rec.position,
			Rest:       calcFundsRest(rec.position, rec),
		})
	}
	return out
}
