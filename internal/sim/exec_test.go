package sim

import (
	"testing"

	"github.com/jackthetoga/TradingSim/internal/replay"
)

func asks(levels ...replay.Level) []replay.Level { return levels }

func lvl(px float64, sz uint32) replay.Level {
	return replay.Level{PxN: replay.PxFromFloat(px), Sz: sz}
}

func TestSweepWalksLevelsBestFirst(t *testing.T) {
	fills := sweepAgainstBook(Buy, 150, 0, asks(lvl(10.00, 100), lvl(10.05, 200)), 1.0)

	if len(fills) != 2 {
		t.Fatalf("expected 2 partial fills, got %d", len(fills))
	}
	if fills[0].px != replay.PxFromFloat(10.00) || fills[0].qty != 100 {
		t.Fatalf("unexpected first fill: %+v", fills[0])
	}
	if fills[1].px != replay.PxFromFloat(10.05) || fills[1].qty != 50 {
		t.Fatalf("unexpected second fill: %+v", fills[1])
	}
}

func TestSweepStopsAtLimitPrice(t *testing.T) {
	fills := sweepAgainstBook(Buy, 150, replay.PxFromFloat(10.00), asks(lvl(10.00, 100), lvl(10.05, 200)), 1.0)

	if len(fills) != 1 || fills[0].qty != 100 {
		t.Fatalf("expected only the in-limit level, got %+v", fills)
	}
}

func TestSweepAppliesParticipation(t *testing.T) {
	fills := sweepAgainstBook(Buy, 150, 0, asks(lvl(10.00, 100), lvl(10.05, 200)), 0.85)

	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if fills[0].qty != 85 { // floor(100*0.85)
		t.Fatalf("expected 85 at the first level, got %d", fills[0].qty)
	}
	if fills[1].qty != 65 {
		t.Fatalf("expected the remainder 65 at the second level, got %d", fills[1].qty)
	}
}

func TestSweepSellWalksBidsDown(t *testing.T) {
	bids := asks(lvl(9.95, 40), lvl(9.90, 100))
	fills := sweepAgainstBook(Sell, 100, 0, bids, 1.0)

	if len(fills) != 2 || fills[0].qty != 40 || fills[1].qty != 60 {
		t.Fatalf("unexpected sell sweep: %+v", fills)
	}
	if fills[1].px != replay.PxFromFloat(9.90) {
		t.Fatalf("expected second fill at 9.90, got %v", fills[1].px)
	}
}

func TestSweepExhaustedBookLeavesRemainder(t *testing.T) {
	fills := sweepAgainstBook(Buy, 500, 0, asks(lvl(10.00, 100)), 1.0)

	var filled int64
	for _, f := range fills {
		filled += f.qty
	}
	if filled != 100 {
		t.Fatalf("expected only displayed size to fill, got %d", filled)
	}
}

func TestSweepSkipsEmptyLevels(t *testing.T) {
	fills := sweepAgainstBook(Buy, 50, 0, asks(lvl(0, 0), lvl(10.05, 200)), 1.0)
	if len(fills) != 1 || fills[0].px != replay.PxFromFloat(10.05) {
		t.Fatalf("expected the empty level to be skipped, got %+v", fills)
	}
}

func TestMarketable(t *testing.T) {
	bids := asks(lvl(9.95, 100))
	asksSide := asks(lvl(10.05, 100))

	if !marketable(Buy, replay.PxFromFloat(10.05), bids, asksSide) {
		t.Fatalf("buy at the ask must be marketable")
	}
	if marketable(Buy, replay.PxFromFloat(10.00), bids, asksSide) {
		t.Fatalf("buy below the ask must not be marketable")
	}
	if !marketable(Sell, replay.PxFromFloat(9.95), bids, asksSide) {
		t.Fatalf("sell at the bid must be marketable")
	}
	if marketable(Sell, replay.PxFromFloat(10.00), bids, asksSide) {
		t.Fatalf("sell above the bid must not be marketable")
	}
}

func TestStopHit(t *testing.T) {
	stop := replay.PxFromFloat(10.00)

	if !stopHit(Buy, stop, replay.PxFromFloat(10.00)) || !stopHit(Buy, stop, replay.PxFromFloat(10.10)) {
		t.Fatalf("buy stop must arm at or above the stop price")
	}
	if stopHit(Buy, stop, replay.PxFromFloat(9.99)) {
		t.Fatalf("buy stop must not arm below the stop price")
	}
	if !stopHit(Sell, stop, replay.PxFromFloat(10.00)) || !stopHit(Sell, stop, replay.PxFromFloat(9.90)) {
		t.Fatalf("sell stop must arm at or below the stop price")
	}
	if stopHit(Sell, stop, replay.PxFromFloat(10.01)) {
		t.Fatalf("sell stop must not arm above the stop price")
	}
}

func TestQueuedSizeAt(t *testing.T) {
	bids := asks(lvl(9.95, 300), lvl(9.90, 500))
	if got := queuedSizeAt(Buy, replay.PxFromFloat(9.95), bids, nil); got != 300 {
		t.Fatalf("expected 300 queued at 9.95, got %d", got)
	}
	if got := queuedSizeAt(Buy, replay.PxFromFloat(9.97), bids, nil); got != 0 {
		t.Fatalf("expected 0 queued off-level, got %d", got)
	}
}
