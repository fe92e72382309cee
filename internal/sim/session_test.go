package sim

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/jackthetoga/TradingSim/internal/replay"
)

const t0 = int64(1_700_000_000_000_000_000)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, params Params) *Session {
	t.Helper()
	return NewSession(discardLogger(), "S1", "AAPL", "2024-01-05", "1s", t0, params)
}

func bookAt(ts int64, bidPx float64, bidSz uint32, askPx float64, askSz uint32) replay.BookEvent {
	return replay.BookEvent{
		Type:    replay.KindBook,
		TSEvent: ts,
		Bids:    []replay.PriceLevel{{Px: replay.PxFromFloat(bidPx), Sz: bidSz}},
		Asks:    []replay.PriceLevel{{Px: replay.PxFromFloat(askPx), Sz: askSz}},
	}
}

func deepBookAt(ts int64) replay.BookEvent {
	return replay.BookEvent{
		Type:    replay.KindBook,
		TSEvent: ts,
		Bids: []replay.PriceLevel{
			{Px: replay.PxFromFloat(9.95), Sz: 300},
			{Px: replay.PxFromFloat(9.90), Sz: 500},
		},
		Asks: []replay.PriceLevel{
			{Px: replay.PxFromFloat(10.00), Sz: 100},
			{Px: replay.PxFromFloat(10.05), Sz: 200},
		},
	}
}

func tradeAt(ts int64, px float64, sz uint32) replay.TradeEvent {
	return replay.TradeEvent{Type: replay.KindTrade, TSEvent: ts, Price: replay.PxFromFloat(px), Size: sz}
}

func TestMarketOrderSweepsTwoLevels(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	s.ApplyBook(deepBookAt(t0))

	order, fills, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 150}, t0+1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if fills[0].PxN != replay.PxFromFloat(10.00) || fills[0].Qty != 100 {
		t.Fatalf("unexpected first fill: %+v", fills[0])
	}
	if fills[1].PxN != replay.PxFromFloat(10.05) || fills[1].Qty != 50 {
		t.Fatalf("unexpected second fill: %+v", fills[1])
	}
	if order.Status != StatusFilled {
		t.Fatalf("expected filled, got %s", order.Status)
	}
}

func TestMarketOrderWithNoBookStaysOpenThenFills(t *testing.T) {
	s := newTestSession(t, DefaultParams())

	order, fills, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 50}, t0)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 0 || order.Status != StatusOpen {
		t.Fatalf("expected the order to rest with no book, got %s with %d fills", order.Status, len(fills))
	}

	fills = s.ApplyBook(deepBookAt(t0 + 1))
	if len(fills) != 1 || fills[0].Qty != 50 || fills[0].PxN != replay.PxFromFloat(10.00) {
		t.Fatalf("expected the book update to fill the resting market order, got %+v", fills)
	}
}

func TestMarketOrderExhaustedBookHasNoFallbackFill(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	s.ApplyBook(bookAt(t0, 9.95, 300, 10.00, 100))
	s.ApplyTrade(tradeAt(t0+1, 9.99, 10))

	order, fills, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 500}, t0+2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var filled int64
	for _, f := range fills {
		filled += f.Qty
	}
	if filled != 100 || order.Status != StatusPartial {
		t.Fatalf("expected partial 100 with no last-trade fallback, got %d (%s)", filled, order.Status)
	}
}

func TestMarketableLimitSweepsWithinLimit(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	s.ApplyBook(deepBookAt(t0))

	order, fills, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Limit, Qty: 150, LimitPx: 10.00}, t0+1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 1 || fills[0].Qty != 100 {
		t.Fatalf("expected one in-limit fill of 100, got %+v", fills)
	}
	if order.Status != StatusPartial {
		t.Fatalf("expected the remainder to rest, got %s", order.Status)
	}
}

func TestPassiveLimitConsumesQueueThenFills(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	s.ApplyBook(deepBookAt(t0)) // 300 displayed at 9.95

	order, fills, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Limit, Qty: 50, LimitPx: 9.95}, t0+1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("passive limit must not fill at submit, got %+v", fills)
	}
	if order.QueueAhead != 300 {
		t.Fatalf("expected queue seeded from displayed size 300, got %d", order.QueueAhead)
	}

	if fills = s.ApplyTrade(tradeAt(t0+2, 9.95, 100)); len(fills) != 0 {
		t.Fatalf("first print should only consume queue, got %+v", fills)
	}
	got, err := s.Order(order.ID)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if got.QueueAhead != 200 {
		t.Fatalf("expected queue 200 after 100 printed, got %d", got.QueueAhead)
	}

	fills = s.ApplyTrade(tradeAt(t0+3, 9.95, 250))
	if len(fills) != 1 || fills[0].Qty != 50 {
		t.Fatalf("expected fill of 50 after the queue drains, got %+v", fills)
	}
	if fills[0].PxN != replay.PxFromFloat(9.95) {
		t.Fatalf("passive fill must print at the order's limit, got %v", fills[0].PxN)
	}
}

func TestPassiveLimitIgnoresWorsePrints(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	s.ApplyBook(deepBookAt(t0))

	order, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Limit, Qty: 50, LimitPx: 9.95}, t0+1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if fills := s.ApplyTrade(tradeAt(t0+2, 9.96, 1000)); len(fills) != 0 {
		t.Fatalf("print above a buy limit must not fill, got %+v", fills)
	}
	got, _ := s.Order(order.ID)
	if got.QueueAhead != 300 {
		t.Fatalf("worse print must not consume queue, got %d", got.QueueAhead)
	}
}

func TestStopPromotesToMarketOnTrigger(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	s.ApplyBook(deepBookAt(t0))
	s.ApplyTrade(tradeAt(t0+1, 9.97, 10))

	order, fills, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Sell, Type: Stop, Qty: 100, StopPx: 9.90}, t0+2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 0 || order.TriggeredTS != 0 {
		t.Fatalf("stop must rest until the tape crosses it")
	}

	fills = s.ApplyTrade(tradeAt(t0+3, 9.90, 10))
	if len(fills) != 1 || fills[0].Qty != 100 || fills[0].PxN != replay.PxFromFloat(9.95) {
		t.Fatalf("expected triggered stop to sweep the bid, got %+v", fills)
	}
	got, _ := s.Order(order.ID)
	if got.TriggeredTS != t0+3 || got.Status != StatusFilled {
		t.Fatalf("unexpected post-trigger state: %+v", got)
	}
}

func TestStopLimitPromotesToRestingLimit(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	s.ApplyBook(deepBookAt(t0))

	order, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: StopLimit, Qty: 50, StopPx: 10.02, LimitPx: 9.98}, t0+1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// trigger above the limit so it rests instead of sweeping
	if fills := s.ApplyTrade(tradeAt(t0+2, 10.02, 10)); len(fills) != 0 {
		t.Fatalf("non-marketable stop-limit must rest after trigger, got %+v", fills)
	}
	got, _ := s.Order(order.ID)
	if got.TriggeredTS == 0 || got.Status != StatusOpen {
		t.Fatalf("expected triggered resting limit, got %+v", got)
	}

	fills := s.ApplyTrade(tradeAt(t0+3, 9.98, 100))
	if len(fills) != 1 || fills[0].PxN != replay.PxFromFloat(9.98) {
		t.Fatalf("expected the promoted limit to fill at its price, got %+v", fills)
	}
}

func TestCancelIsIdempotentAndBlocksFills(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	s.ApplyBook(deepBookAt(t0))

	order, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Limit, Qty: 50, LimitPx: 9.95}, t0+1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Cancel(order.ID, t0+2); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.Cancel(order.ID, t0+3); err != nil {
		t.Fatalf("repeat cancel must be a no-op, got %v", err)
	}
	if _, err := s.Cancel("NOPE", t0+3); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	if fills := s.ApplyTrade(tradeAt(t0+4, 9.95, 1000)); len(fills) != 0 {
		t.Fatalf("cancelled order must not fill, got %+v", fills)
	}
}

func TestShortingGate(t *testing.T) {
	params := DefaultParams()
	params.AllowShorting = false
	s := newTestSession(t, params)
	s.ApplyBook(deepBookAt(t0))

	order, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Sell, Type: Market, Qty: 10}, t0+1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.Status != StatusRejected || order.Reason == "" {
		t.Fatalf("expected flat-account sell to be rejected, got %+v", order)
	}

	// long first, then selling within the position is fine
	if _, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 50}, t0+2); err != nil {
		t.Fatalf("buy: %v", err)
	}
	order, _, err = s.Submit(OrderRequest{Symbol: "AAPL", Side: Sell, Type: Market, Qty: 50}, t0+3)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if order.Status == StatusRejected {
		t.Fatalf("closing sell must pass the gate: %+v", order)
	}
}

func TestBuyingPowerGate(t *testing.T) {
	params := DefaultParams()
	params.BuyingPowerEnabled = true
	params.BuyingPower = 1000
	s := newTestSession(t, params)
	s.ApplyBook(deepBookAt(t0))
	s.ApplyTrade(tradeAt(t0+1, 10.00, 10))

	order, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 500}, t0+2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.Status != StatusRejected {
		t.Fatalf("expected buying power rejection, got %+v", order)
	}

	order, _, err = s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 50}, t0+3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.Status == StatusRejected {
		t.Fatalf("affordable order must pass, got %+v", order)
	}
}

func TestSubmitValidationRejectsInsteadOfErroring(t *testing.T) {
	s := newTestSession(t, DefaultParams())

	cases := []OrderRequest{
		{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 0},
		{Symbol: "AAPL", Side: "HOLD", Type: Market, Qty: 1},
		{Symbol: "AAPL", Side: Buy, Type: Limit, Qty: 1},
		{Symbol: "AAPL", Side: Buy, Type: Stop, Qty: 1},
		{Symbol: "AAPL", Side: Buy, Type: StopLimit, Qty: 1, StopPx: 10},
		{Symbol: "AAPL", Side: Buy, Type: "ICEBERG", Qty: 1},
		{Symbol: "MSFT", Side: Buy, Type: Market, Qty: 1},
	}
	for i, req := range cases {
		order, fills, err := s.Submit(req, t0)
		if err != nil {
			t.Fatalf("case %d: bad input must come back as a rejected order, got error %v", i, err)
		}
		if order == nil || order.Status != StatusRejected || order.Reason == "" {
			t.Fatalf("case %d: expected a rejected order with a reason, got %+v", i, order)
		}
		if len(fills) != 0 {
			t.Fatalf("case %d: rejected order must not fill, got %+v", i, fills)
		}
	}

	// every rejection stays on the session's record
	if st := s.State(); len(st.Orders) != len(cases) {
		t.Fatalf("expected %d recorded orders, got %d", len(cases), len(st.Orders))
	}
}

func TestRestingLimitSweepsWhenBookRefreshMakesItMarketable(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	s.ApplyBook(bookAt(t0, 9.95, 300, 10.10, 200))

	order, fills, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Limit, Qty: 50, LimitPx: 10.05}, t0+1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fills) != 0 || order.Status != StatusOpen {
		t.Fatalf("limit below the ask must rest, got %s with %d fills", order.Status, len(fills))
	}

	// the ask drops through the limit on the next update
	fills = s.ApplyBook(bookAt(t0+2, 9.95, 300, 10.00, 100))
	if len(fills) != 1 || fills[0].Qty != 50 || fills[0].PxN != replay.PxFromFloat(10.00) {
		t.Fatalf("expected the resting limit to sweep the new ask, got %+v", fills)
	}
	got, _ := s.Order(order.ID)
	if got.Status != StatusFilled {
		t.Fatalf("expected filled, got %s", got.Status)
	}
}

func TestStopReappliesGatesAtTrigger(t *testing.T) {
	params := DefaultParams()
	params.BuyingPowerEnabled = true
	params.BuyingPower = 1701
	s := newTestSession(t, params)
	s.ApplyBook(deepBookAt(t0))
	s.ApplyTrade(tradeAt(t0+1, 10.00, 10))

	// affordable when placed: 20 shares at the 10.00 mark
	stop, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Stop, Qty: 20, StopPx: 10.04}, t0+2)
	if err != nil {
		t.Fatalf("submit stop: %v", err)
	}
	if stop.Status != StatusOpen {
		t.Fatalf("stop must be accepted while affordable, got %+v", stop)
	}

	// sweep both ask levels so the position's cost (1502.50) plus the
	// stop's 200 outruns the buying power before the trigger
	buy, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 150}, t0+3)
	if err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	if buy.Status == StatusRejected {
		t.Fatalf("setup buy must pass, got %+v", buy)
	}

	if fills := s.ApplyTrade(tradeAt(t0+4, 10.05, 10)); len(fills) != 0 {
		t.Fatalf("broke stop must not fill, got %+v", fills)
	}
	got, _ := s.Order(stop.ID)
	if got.Status != StatusRejected || got.Reason == "" {
		t.Fatalf("expected the stop re-rejected at trigger time, got %+v", got)
	}
}

func TestSeekPrunesFillsAndRefolds(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	book := deepBookAt(t0)
	s.ApplyBook(book)

	if _, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 100}, t0+1); err != nil {
		t.Fatalf("buy: %v", err)
	}
	s.ApplyBook(deepBookAt(t0 + 10))
	if _, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Sell, Type: Market, Qty: 40}, t0+11); err != nil {
		t.Fatalf("sell: %v", err)
	}

	before := s.State()
	if len(before.Fills) != 2 || before.Positions[0].Qty != 60 {
		t.Fatalf("setup expected 2 fills and qty 60, got %+v", before)
	}

	s.Seek(t0+5, &book)
	st := s.State()

	if len(st.Fills) != 1 {
		t.Fatalf("expected the later fill pruned, got %d", len(st.Fills))
	}
	if st.Realized != 0 {
		t.Fatalf("realized must refold to 0 after pruning the sell, got %v", st.Realized)
	}
	if len(st.Positions) != 1 || st.Positions[0].Qty != 100 {
		t.Fatalf("expected the long restored to 100, got %+v", st.Positions)
	}
	if len(st.Orders) != 1 {
		t.Fatalf("orders created after the seek target must disappear, got %d", len(st.Orders))
	}
	if st.Orders[0].Status != StatusFilled || st.Orders[0].FilledQty != 100 {
		t.Fatalf("surviving order must refold its fill state, got %+v", st.Orders[0])
	}
}

func TestSeekIsIdempotent(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	book := deepBookAt(t0)
	s.ApplyBook(book)
	if _, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Market, Qty: 100}, t0+1); err != nil {
		t.Fatalf("buy: %v", err)
	}
	s.ApplyTrade(tradeAt(t0+2, 10.00, 10))

	s.Seek(t0+1, &book)
	first := s.State()
	s.Seek(t0+1, &book)
	second := s.State()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("seeking twice to the same ts diverged:\n%+v\n%+v", first, second)
	}
}

func TestSeekUndoesLaterCancel(t *testing.T) {
	s := newTestSession(t, DefaultParams())
	book := deepBookAt(t0)
	s.ApplyBook(book)

	order, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Limit, Qty: 50, LimitPx: 9.95}, t0+1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := s.Cancel(order.ID, t0+10); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	s.Seek(t0+5, &book)
	got, _ := s.Order(order.ID)
	if got.Status != StatusOpen || got.CancelledTS != 0 {
		t.Fatalf("cancel after the seek target must be undone, got %+v", got)
	}

	s.Seek(t0+5, &book)
	s.Cancel(order.ID, t0+3)
	s.Seek(t0+5, &book)
	got, _ = s.Order(order.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("cancel before the seek target must survive, got %+v", got)
	}
}

func TestReplayAfterSeekIsDeterministic(t *testing.T) {
	run := func() SessionState {
		s := newTestSession(t, DefaultParams())
		s.ApplyBook(deepBookAt(t0))
		if _, _, err := s.Submit(OrderRequest{Symbol: "AAPL", Side: Buy, Type: Limit, Qty: 50, LimitPx: 9.95}, t0+1); err != nil {
			t.Fatalf("submit: %v", err)
		}
		s.ApplyTrade(tradeAt(t0+2, 9.95, 100))
		s.ApplyTrade(tradeAt(t0+3, 9.95, 250))
		return s.State()
	}

	if !reflect.DeepEqual(run(), run()) {
		t.Fatalf("identical event sequences must produce identical state")
	}
}
