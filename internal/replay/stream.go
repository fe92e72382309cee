package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Event filters for a stream.
const (
	WhatAll        = "all"
	WhatBookTrades = "booktrades"
	WhatCandles    = "candles"
)

// Batch groups every event sharing one ts_event, in kind order
// book, trade, candle. Consumers apply a whole batch atomically.
type Batch struct {
	TS    int64
	Items []any
}

// Multiplexer replays a day as a single time-ordered event sequence,
// paced against wall time at a configurable speed. Each of the three
// series keeps its own cursor; the merge is deterministic: lowest
// timestamp first, books before trades before candles on ties.
type Multiplexer struct {
	log     *slog.Logger
	d       *Dataset
	speed   float64
	minPace time.Duration

	ib, it, ic int
}

func NewMultiplexer(log *slog.Logger, d *Dataset, startTS int64, speed float64, what string, minPace time.Duration) (*Multiplexer, error) {
	if speed <= 0 {
		return nil, fmt.Errorf("speed must be positive, got %g", speed)
	}
	switch what {
	case WhatAll, WhatBookTrades, WhatCandles:
	default:
		return nil, fmt.Errorf("unknown what %q", what)
	}
	if minPace <= 0 {
		minPace = time.Millisecond
	}

	m := &Multiplexer{
		log:     log,
		d:       d,
		speed:   speed,
		minPace: minPace,
		ib:      SearchFrom(d.BookTS, startTS),
		it:      SearchFrom(d.TradeTS, startTS),
		ic:      SearchFrom(d.BarTS, startTS),
	}
	// an excluded series is just a cursor that starts exhausted
	if what == WhatCandles {
		m.ib = len(d.BookTS)
		m.it = len(d.TradeTS)
	}
	if what == WhatBookTrades {
		m.ic = len(d.BarTS)
	}
	return m, nil
}

// nextTS returns the lowest pending timestamp, or false when all
// cursors are exhausted.
func (m *Multiplexer) nextTS() (int64, bool) {
	var ts int64
	found := false
	consider := func(s []int64, i int) {
		if i < len(s) && (!found || s[i] < ts) {
			ts = s[i]
			found = true
		}
	}
	consider(m.d.BookTS, m.ib)
	consider(m.d.TradeTS, m.it)
	consider(m.d.BarTS, m.ic)
	return ts, found
}

// collect drains every cursor position at exactly ts into one batch.
func (m *Multiplexer) collect(ts int64) Batch {
	b := Batch{TS: ts}
	for m.ib < len(m.d.BookTS) && m.d.BookTS[m.ib] == ts {
		b.Items = append(b.Items, m.d.BookEventAt(m.ib))
		m.ib++
	}
	for m.it < len(m.d.TradeTS) && m.d.TradeTS[m.it] == ts {
		b.Items = append(b.Items, m.d.TradeEventAt(m.it))
		m.it++
	}
	for m.ic < len(m.d.BarTS) && m.d.BarTS[m.ic] == ts {
		b.Items = append(b.Items, m.d.CandleEventAt(m.ic))
		m.ic++
	}
	return b
}

// Run pushes batches onto out until the day is exhausted or ctx is
// cancelled. It does not close out; the caller owns the channel and
// emits its own end-of-stream marker.
func (m *Multiplexer) Run(ctx context.Context, out chan<- Batch) error {
	ts, ok := m.nextTS()
	if !ok {
		return nil
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	var pending time.Duration
	prev := ts
	for {
		// pace by replayed time since the previous batch, scaled by
		// speed; tiny gaps accumulate until they are worth a sleep
		pending += time.Duration(float64(ts-prev) / m.speed)
		if pending >= m.minPace {
			timer.Reset(pending)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
			pending = 0
		}

		batch := m.collect(ts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- batch:
		}

		prev = ts
		ts, ok = m.nextTS()
		if !ok {
			return nil
		}
	}
}
