package sim

import (
	"math"

	"github.com/jackthetoga/TradingSim/internal/replay"
)

// Params tunes the execution model. Participations scale how much of
// the displayed or printed size the simulator lets an order consume;
// 1.0 means full size.
type Params struct {
	TakeParticipation    float64
	PassiveParticipation float64

	BuyingPowerEnabled bool
	BuyingPower        float64
	AllowShorting      bool
}

func DefaultParams() Params {
	return Params{
		TakeParticipation:    1.0,
		PassiveParticipation: 1.0,
		AllowShorting:        true,
	}
}

func (p *Params) clamp() {
	if p.TakeParticipation <= 0 || p.TakeParticipation > 1 {
		p.TakeParticipation = 1.0
	}
	if p.PassiveParticipation <= 0 || p.PassiveParticipation > 1 {
		p.PassiveParticipation = 1.0
	}
}

type levelFill struct {
	px  replay.PxN
	qty int64
}

// sweepAgainstBook walks the opposite side best-first and consumes up
// to participation of each level's displayed size, stopping at the
// limit price when one is set (0 means none). Exhausting the book
// leaves the remainder unfilled.
func sweepAgainstBook(side Side, qty int64, limit replay.PxN, levels []replay.Level, participation float64) []levelFill {
	var fills []levelFill
	remaining := qty
	for _, lv := range levels {
		if remaining <= 0 {
			break
		}
		if lv.PxN <= 0 || lv.Sz == 0 {
			continue
		}
		if limit > 0 {
			if side == Buy && lv.PxN > limit {
				break
			}
			if side == Sell && lv.PxN < limit {
				break
			}
		}
		avail := int64(math.Floor(float64(lv.Sz) * participation))
		if avail <= 0 {
			continue
		}
		take := remaining
		if avail < take {
			take = avail
		}
		fills = append(fills, levelFill{px: lv.PxN, qty: take})
		remaining -= take
	}
	return fills
}

// marketable reports whether a limit order would cross the current
// book: a buy at or above the best ask, a sell at or below the best
// bid.
func marketable(side Side, limit replay.PxN, bids, asks []replay.Level) bool {
	if side == Buy {
		return len(asks) > 0 && asks[0].PxN > 0 && asks[0].Sz > 0 && limit >= asks[0].PxN
	}
	return len(bids) > 0 && bids[0].PxN > 0 && bids[0].Sz > 0 && limit <= bids[0].PxN
}

// queuedSizeAt returns the displayed size at exactly px on the order's
// own side, used to seed a resting order's queue position.
func queuedSizeAt(side Side, px replay.PxN, bids, asks []replay.Level) int64 {
	levels := bids
	if side == Sell {
		levels = asks
	}
	for _, lv := range levels {
		if lv.PxN == px {
			return int64(lv.Sz)
		}
	}
	return 0
}

// stopHit reports whether a print at px triggers the stop: buy stops
// arm at or above the stop price, sell stops at or below.
func stopHit(side Side, stopPx, px replay.PxN) bool {
	if side == Buy {
		return px >= stopPx
	}
	return px <= stopPx
}

// priceAtOrBetter reports whether a print at px is eligible to fill a
// resting limit order: at or below a buy's limit, at or above a
// sell's.
func priceAtOrBetter(side Side, limit, px replay.PxN) bool {
	if side == Buy {
		return px <= limit
	}
	return px >= limit
}
