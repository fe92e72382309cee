package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackthetoga/TradingSim/internal/replay"
)

var (
	// ErrInvalidOrder means the submitted order failed validation.
	ErrInvalidOrder = errors.New("sim: invalid order")
	// ErrSessionNotFound means no session exists for the given id.
	ErrSessionNotFound = errors.New("sim: session not found")
	// ErrOrderNotFound means the order id is unknown to the session.
	ErrOrderNotFound = errors.New("sim: order not found")
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type OrderType string

const (
	Market    OrderType = "MKT"
	Limit     OrderType = "LMT"
	Stop      OrderType = "STP"
	StopLimit OrderType = "STPLMT"
)

type Status string

const (
	StatusOpen      Status = "open"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Order is one simulated order. Prices are fixed-point nanos like the
// replay series; float conversion happens only at the JSON boundary.
type Order struct {
	ID     string    `json:"id"`
	Symbol string    `json:"symbol"`
	Side   Side      `json:"side"`
	Type   OrderType `json:"type"`
	Qty    int64     `json:"qty"`

	LimitPxN replay.PxN `json:"limit_px,omitempty"`
	StopPxN  replay.PxN `json:"stop_px,omitempty"`

	CreatedTS   int64 `json:"created_ts"`
	TriggeredTS int64 `json:"triggered_ts,omitempty"`
	CancelledTS int64 `json:"cancelled_ts,omitempty"`

	FilledQty int64  `json:"filled_qty"`
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`

	// QueueAhead approximates resting FIFO priority for passive limit
	// orders: printed volume at the limit price that must trade before
	// this order starts filling.
	QueueAhead int64 `json:"queue_ahead,omitempty"`
}

func (o *Order) Remaining() int64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

func (o *Order) live() bool {
	return o.Status == StatusOpen || o.Status == StatusPartial
}

// triggered reports whether a stop order has converted yet. Non-stop
// orders are always considered triggered.
func (o *Order) triggered() bool {
	if o.Type != Stop && o.Type != StopLimit {
		return true
	}
	return o.TriggeredTS != 0
}

// effectiveType is the type the order executes as after stop
// promotion: STP becomes MKT, STPLMT becomes LMT.
func (o *Order) effectiveType() OrderType {
	switch o.Type {
	case Stop:
		if o.triggered() {
			return Market
		}
	case StopLimit:
		if o.triggered() {
			return Limit
		}
	}
	return o.Type
}

// Fill is one execution. RealizedDelta is the realized P&L change this
// fill caused in the ledger fold.
type Fill struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	TS            int64      `json:"ts"`
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"`
	Qty           int64      `json:"qty"`
	PxN           replay.PxN `json:"px"`
	RealizedDelta float64    `json:"realized_delta"`
}

// OrderRequest is the submit payload before validation.
type OrderRequest struct {
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	Type    OrderType `json:"type"`
	Qty     int64     `json:"qty"`
	LimitPx float64   `json:"limit_px,omitempty"`
	StopPx  float64   `json:"stop_px,omitempty"`
}

func (r *OrderRequest) normalize() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = Side(strings.ToUpper(strings.TrimSpace(string(r.Side))))
	r.Type = OrderType(strings.ToUpper(strings.TrimSpace(string(r.Type))))

	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidOrder)
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if r.Qty <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidOrder)
	}
	switch r.Type {
	case Market:
		// price fields ignored
	case Limit:
		if r.LimitPx <= 0 {
			return fmt.Errorf("%w: limit order requires limit_px", ErrInvalidOrder)
		}
	case Stop:
		if r.StopPx <= 0 {
			return fmt.Errorf("%w: stop order requires stop_px", ErrInvalidOrder)
		}
	case StopLimit:
		if r.LimitPx <= 0 || r.StopPx <= 0 {
			return fmt.Errorf("%w: stop-limit order requires limit_px and stop_px", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOrder, r.Type)
	}
	return nil
}
