package sim

import (
	"sort"

	"github.com/jackthetoga/TradingSim/internal/replay"
)

// Position is one symbol's open exposure. Qty is signed (negative is
// short); AvgCost is the volume-weighted entry price.
type Position struct {
	Symbol  string  `json:"symbol"`
	Qty     int64   `json:"qty"`
	AvgCost float64 `json:"avg_cost"`
}

// Ledger folds fills into positions and realized P&L. The fold is
// deterministic: replaying the same fills in the same order always
// yields the same state.
type Ledger struct {
	positions map[string]*Position
	realized  float64
}

func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*Position, 4)}
}

func (l *Ledger) Realized() float64 { return l.realized }

func (l *Ledger) Position(symbol string) Position {
	if p, ok := l.positions[symbol]; ok {
		return *p
	}
	return Position{Symbol: symbol}
}

// Positions returns open positions sorted by symbol. Flat symbols are
// omitted.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		if p.Qty != 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Apply folds one fill and returns the realized P&L delta it caused.
// Adding to a position reweights the average cost; reducing realizes
// against it; crossing through flat re-costs the remainder at the
// fill price.
func (l *Ledger) Apply(symbol string, side Side, qty int64, px replay.PxN) float64 {
	p, ok := l.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		l.positions[symbol] = p
	}

	signed := qty
	if side == Sell {
		signed = -qty
	}
	pxF := px.Float()

	if p.Qty == 0 || (p.Qty > 0) == (signed > 0) {
		oldAbs := abs64(p.Qty)
		p.AvgCost = (float64(oldAbs)*p.AvgCost + float64(qty)*pxF) / float64(oldAbs+qty)
		p.Qty += signed
		return 0
	}

	closeQty := qty
	if abs64(p.Qty) < closeQty {
		closeQty = abs64(p.Qty)
	}
	var delta float64
	if p.Qty > 0 {
		delta = float64(closeQty) * (pxF - p.AvgCost)
	} else {
		delta = float64(closeQty) * (p.AvgCost - pxF)
	}
	l.realized += delta

	p.Qty += signed
	if p.Qty == 0 {
		p.AvgCost = 0
	} else if (p.Qty > 0) == (signed > 0) {
		// flipped through flat: the surviving side entered at this fill
		p.AvgCost = pxF
	}
	return delta
}

// Unrealized marks every open position against marks[symbol]. Symbols
// without a mark contribute nothing.
func (l *Ledger) Unrealized(marks map[string]float64) float64 {
	var total float64
	for sym, p := range l.positions {
		if p.Qty == 0 {
			continue
		}
		mark, ok := marks[sym]
		if !ok || mark <= 0 {
			continue
		}
		total += float64(p.Qty) * (mark - p.AvgCost)
	}
	return total
}

func (l *Ledger) Reset() {
	l.positions = make(map[string]*Position, 4)
	l.realized = 0
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
