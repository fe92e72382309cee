package sim

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/jackthetoga/TradingSim/internal/replay"
)

// Session is one simulated trading session over a replayed day. All
// mutation goes through the session mutex; orders are kept in
// submission order so repeated replays fill identically.
type Session struct {
	log    *slog.Logger
	ID     string
	Symbol string
	Day    string
	TF     string

	mu     sync.Mutex
	params Params

	playhead int64

	orders    []*Order
	orderByID map[string]*Order
	fills     []Fill
	ledger    *Ledger

	haveBook    bool
	bids, asks  []replay.Level
	lastTradePx replay.PxN

	orderSeq int64
	fillSeq  int64
}

// SessionState is the JSON view of a session.
type SessionState struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Day        string     `json:"day"`
	TF         string     `json:"tf"`
	Playhead   int64      `json:"playhead"`
	Orders     []Order    `json:"orders"`
	Fills      []Fill     `json:"fills"`
	Positions  []Position `json:"positions"`
	Realized   float64    `json:"realized"`
	Unrealized float64    `json:"unrealized"`
	MarkPrice  float64    `json:"mark_price"`
}

func NewSession(log *slog.Logger, id, symbol, day, tf string, startTS int64, params Params) *Session {
	params.clamp()
	return &Session{
		log:       log,
		ID:        id,
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Day:       day,
		TF:        tf,
		params:    params,
		playhead:  startTS,
		orderByID: make(map[string]*Order, 8),
		ledger:    NewLedger(),
	}
}

func (s *Session) Playhead() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playhead
}

// Submit accepts an order at ts. Any rejection — validation or
// policy (buying power, shorting) — comes back as a rejected order
// with a reason, not as an error, so the session keeps a record of
// every submission.
func (s *Session) Submit(req OrderRequest, ts int64) (*Order, []Fill, error) {
	verr := req.normalize()
	if verr == nil && req.Symbol != s.Symbol {
		verr = fmt.Errorf("%w: session trades %s, got %s", ErrInvalidOrder, s.Symbol, req.Symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.orderSeq++
	o := &Order{
		ID:        fmt.Sprintf("O%d", s.orderSeq),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Qty:       req.Qty,
		LimitPxN:  replay.PxFromFloat(req.LimitPx),
		StopPxN:   replay.PxFromFloat(req.StopPx),
		CreatedTS: ts,
		Status:    StatusOpen,
	}

	reason := ""
	if verr != nil {
		reason = verr.Error()
	} else {
		reason = s.gateLocked(o)
	}
	if reason != "" {
		o.Status = StatusRejected
		o.Reason = reason
		s.orders = append(s.orders, o)
		s.orderByID[o.ID] = o
		s.log.Info("order rejected", "session", s.ID, "order", o.ID, "reason", reason)
		return o, nil, nil
	}

	s.orders = append(s.orders, o)
	s.orderByID[o.ID] = o

	var fills []Fill
	switch o.Type {
	case Stop, StopLimit:
		// trigger immediately if the tape is already through the stop
		if s.lastTradePx > 0 && stopHit(o.Side, o.StopPxN, s.lastTradePx) {
			fills = s.triggerStopLocked(o, ts)
		}
	case Market:
		fills = s.executeAggressiveLocked(o, 0, ts)
	case Limit:
		if s.haveBook && marketable(o.Side, o.LimitPxN, s.bids, s.asks) {
			fills = s.executeAggressiveLocked(o, o.LimitPxN, ts)
		}
		if o.live() {
			o.QueueAhead = queuedSizeAt(o.Side, o.LimitPxN, s.bids, s.asks)
		}
	}

	s.log.Info("order accepted",
		"session", s.ID,
		"order", o.ID,
		"side", o.Side,
		"type", o.Type,
		"qty", o.Qty,
		"status", o.Status,
		"fills", len(fills),
	)
	return o, fills, nil
}

// gateLocked enforces the policy gates on a new order; empty string
// means it passes.
func (s *Session) gateLocked(o *Order) string {
	if !s.params.AllowShorting && o.Side == Sell {
		pos := s.ledger.Position(s.Symbol)
		openSells := int64(0)
		for _, other := range s.orders {
			if other != o && other.live() && other.Side == Sell {
				openSells += other.Remaining()
			}
		}
		if o.Remaining()+openSells > pos.Qty {
			return "short selling disabled"
		}
	}

	if s.params.BuyingPowerEnabled && o.Side == Buy {
		ref := o.LimitPxN.Float()
		if ref <= 0 {
			ref = s.markLocked()
		}
		if ref > 0 {
			committed := float64(0)
			for _, other := range s.orders {
				if other == o || !other.live() || other.Side != Buy {
					continue
				}
				px := other.LimitPxN.Float()
				if px <= 0 {
					px = s.markLocked()
				}
				committed += float64(other.Remaining()) * px
			}
			pos := s.ledger.Position(s.Symbol)
			if pos.Qty > 0 {
				committed += float64(pos.Qty) * pos.AvgCost
			}
			if committed+float64(o.Remaining())*ref > s.params.BuyingPower {
				return "insufficient buying power"
			}
		}
	}
	return ""
}

// Cancel marks a live order cancelled. Cancelling a terminal order is
// a no-op.
func (s *Session) Cancel(orderID string, ts int64) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orderByID[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if o.live() {
		o.Status = StatusCancelled
		o.CancelledTS = ts
		s.log.Info("order cancelled", "session", s.ID, "order", orderID)
	}
	return o, nil
}

func (s *Session) CancelAll(ts int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, o := range s.orders {
		if o.live() {
			o.Status = StatusCancelled
			o.CancelledTS = ts
			n++
		}
	}
	if n > 0 {
		s.log.Info("orders cancelled", "session", s.ID, "count", n)
	}
	return n
}

// ApplyBook installs a new book state and lets any pending aggressive
// orders (market orders accepted into an empty book, triggered stops,
// resting limits the new book crosses) take liquidity from it.
func (s *Session) ApplyBook(ev replay.BookEvent) []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setBookLocked(ev)
	s.playhead = ev.TSEvent

	var fills []Fill
	for _, o := range s.orders {
		if !o.live() {
			continue
		}
		switch o.effectiveType() {
		case Market:
			fills = append(fills, s.executeAggressiveLocked(o, 0, ev.TSEvent)...)
		case Limit:
			if marketable(o.Side, o.LimitPxN, s.bids, s.asks) {
				fills = append(fills, s.executeAggressiveLocked(o, o.LimitPxN, ev.TSEvent)...)
			}
		}
	}
	return fills
}

// ApplyTrade folds one tape print: stops trigger first, then resting
// limits fill against the printed volume.
func (s *Session) ApplyTrade(ev replay.TradeEvent) []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.playhead = ev.TSEvent
	var fills []Fill

	for _, o := range s.orders {
		if o.live() && !o.triggered() && stopHit(o.Side, o.StopPxN, ev.Price) {
			fills = append(fills, s.triggerStopLocked(o, ev.TSEvent)...)
		}
	}

	for _, o := range s.orders {
		if !o.live() || o.effectiveType() != Limit {
			continue
		}
		if !priceAtOrBetter(o.Side, o.LimitPxN, ev.Price) {
			continue
		}
		// marketable resting orders take liquidity instead of queueing
		if s.haveBook && marketable(o.Side, o.LimitPxN, s.bids, s.asks) {
			fills = append(fills, s.executeAggressiveLocked(o, o.LimitPxN, ev.TSEvent)...)
			continue
		}

		vol := int64(ev.Size)
		if o.QueueAhead > 0 {
			consumed := vol
			if o.QueueAhead < consumed {
				consumed = o.QueueAhead
			}
			o.QueueAhead -= consumed
			vol -= consumed
		}
		if vol <= 0 {
			continue
		}
		take := int64(math.Floor(float64(vol) * s.params.PassiveParticipation))
		if take > o.Remaining() {
			take = o.Remaining()
		}
		if take > 0 {
			fills = append(fills, s.recordFillLocked(o, take, o.LimitPxN, ev.TSEvent))
		}
	}

	s.lastTradePx = ev.Price
	return fills
}

func (s *Session) setBookLocked(ev replay.BookEvent) {
	s.bids = levelsFrom(ev.Bids)
	s.asks = levelsFrom(ev.Asks)
	s.haveBook = true
}

func levelsFrom(src []replay.PriceLevel) []replay.Level {
	out := make([]replay.Level, len(src))
	for i, l := range src {
		out[i] = replay.Level{PxN: l.Px, Sz: l.Sz}
	}
	return out
}

// triggerStopLocked converts a stop at ts: plain stops sweep as
// market orders, stop-limits become limit orders and sweep only if
// marketable, otherwise they rest.
func (s *Session) triggerStopLocked(o *Order, ts int64) []Fill {
	// the account may have changed since submit; re-apply the policy
	// gates before promoting
	if reason := s.gateLocked(o); reason != "" {
		o.Status = StatusRejected
		o.Reason = reason
		s.log.Info("stop rejected at trigger", "session", s.ID, "order", o.ID, "reason", reason)
		return nil
	}

	o.TriggeredTS = ts
	s.log.Info("stop triggered", "session", s.ID, "order", o.ID, "stop_px", o.StopPxN.Float())

	if o.Type == Stop {
		return s.executeAggressiveLocked(o, 0, ts)
	}
	var fills []Fill
	if s.haveBook && marketable(o.Side, o.LimitPxN, s.bids, s.asks) {
		fills = s.executeAggressiveLocked(o, o.LimitPxN, ts)
	}
	if o.live() {
		o.QueueAhead = queuedSizeAt(o.Side, o.LimitPxN, s.bids, s.asks)
	}
	return fills
}

// executeAggressiveLocked sweeps the opposite side for o's remaining
// quantity. limit == 0 means unbounded (market).
func (s *Session) executeAggressiveLocked(o *Order, limit replay.PxN, ts int64) []Fill {
	if !s.haveBook || o.Remaining() == 0 {
		return nil
	}
	levels := s.asks
	if o.Side == Sell {
		levels = s.bids
	}
	parts := sweepAgainstBook(o.Side, o.Remaining(), limit, levels, s.params.TakeParticipation)
	fills := make([]Fill, 0, len(parts))
	for _, p := range parts {
		fills = append(fills, s.recordFillLocked(o, p.qty, p.px, ts))
	}
	return fills
}

func (s *Session) recordFillLocked(o *Order, qty int64, px replay.PxN, ts int64) Fill {
	s.fillSeq++
	delta := s.ledger.Apply(o.Symbol, o.Side, qty, px)
	f := Fill{
		ID:            fmt.Sprintf("F%d", s.fillSeq),
		OrderID:       o.ID,
		TS:            ts,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Qty:           qty,
		PxN:           px,
		RealizedDelta: delta,
	}
	s.fills = append(s.fills, f)

	o.FilledQty += qty
	if o.FilledQty >= o.Qty {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	return f
}

// Seek rewinds (or jumps) the session to ts. Fills after ts are
// pruned and the ledger refolded from the survivors; orders created
// after ts disappear; cancels and triggers after ts are undone. The
// as-of book reseeds queue positions since consumption history before
// the new playhead is not replayable. Seeking twice to the same ts is
// a no-op the second time.
func (s *Session) Seek(ts int64, book *replay.BookEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.playhead = ts
	s.haveBook = false
	s.bids, s.asks = nil, nil
	if book != nil {
		s.setBookLocked(*book)
	}
	s.lastTradePx = 0

	kept := s.orders[:0]
	for _, o := range s.orders {
		if o.CreatedTS > ts {
			delete(s.orderByID, o.ID)
			continue
		}
		if o.CancelledTS > ts {
			o.CancelledTS = 0
		}
		if o.TriggeredTS > ts {
			o.TriggeredTS = 0
		}
		o.FilledQty = 0
		kept = append(kept, o)
	}
	s.orders = kept

	keptFills := s.fills[:0]
	s.ledger.Reset()
	for i := range s.fills {
		f := s.fills[i]
		if f.TS > ts {
			continue
		}
		o := s.orderByID[f.OrderID]
		f.RealizedDelta = s.ledger.Apply(f.Symbol, f.Side, f.Qty, f.PxN)
		if o != nil {
			o.FilledQty += f.Qty
		}
		keptFills = append(keptFills, f)
	}
	s.fills = keptFills

	for _, o := range s.orders {
		switch {
		case o.Status == StatusRejected:
			// stays rejected
		case o.CancelledTS != 0:
			o.Status = StatusCancelled
		case o.FilledQty >= o.Qty:
			o.Status = StatusFilled
		case o.FilledQty > 0:
			o.Status = StatusPartial
		default:
			o.Status = StatusOpen
		}
		if o.live() && o.effectiveType() == Limit && o.LimitPxN > 0 {
			o.QueueAhead = queuedSizeAt(o.Side, o.LimitPxN, s.bids, s.asks)
		}
	}

	s.log.Info("session seek",
		"session", s.ID,
		"ts", ts,
		"orders", len(s.orders),
		"fills", len(s.fills),
		"realized", s.ledger.Realized(),
	)
}

// markLocked is the reference price for valuation: the last print,
// falling back to the book midpoint.
func (s *Session) markLocked() float64 {
	if s.lastTradePx > 0 {
		return s.lastTradePx.Float()
	}
	if s.haveBook && len(s.bids) > 0 && len(s.asks) > 0 &&
		s.bids[0].PxN > 0 && s.asks[0].PxN > 0 {
		return (s.bids[0].PxN.Float() + s.asks[0].PxN.Float()) / 2
	}
	return 0
}

func (s *Session) MarkPrice() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked()
}

func (s *Session) Order(orderID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orderByID[orderID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return *o, nil
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := make([]Order, len(s.orders))
	for i, o := range s.orders {
		orders[i] = *o
	}
	fills := make([]Fill, len(s.fills))
	copy(fills, s.fills)

	mark := s.markLocked()
	return SessionState{
		ID:         s.ID,
		Symbol:     s.Symbol,
		Day:        s.Day,
		TF:         s.TF,
		Playhead:   s.playhead,
		Orders:     orders,
		Fills:      fills,
		Positions:  s.ledger.Positions(),
		Realized:   s.ledger.Realized(),
		Unrealized: s.ledger.Unrealized(map[string]float64{s.Symbol: mark}),
		MarkPrice:  mark,
	}
}
