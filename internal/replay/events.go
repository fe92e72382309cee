package replay

// Wire event kinds. Every streamed or snapshotted item carries one of
// these in its "type" field so clients can demux a mixed sequence.
const (
	KindBook   = "book"
	KindTrade  = "trade"
	KindCandle = "candle"
	KindBatch  = "batch"
	KindEOS    = "eos"
)

// PriceLevel is one (price, size) pair of a book side.
type PriceLevel struct {
	Px PxN    `json:"px"`
	Sz uint32 `json:"sz"`
}

// BookEvent is a full MBP-10 state at one instant.
type BookEvent struct {
	Type    string       `json:"type"`
	TSEvent int64        `json:"ts_event"`
	Bids    []PriceLevel `json:"bids"`
	Asks    []PriceLevel `json:"asks"`
}

// TradeEvent is a single tape print.
type TradeEvent struct {
	Type    string `json:"type"`
	TSEvent int64  `json:"ts_event"`
	Price   PxN    `json:"price"`
	Size    uint32 `json:"size"`
}

// CandleEvent is one OHLCV bar; T is the bucket start.
type CandleEvent struct {
	Type string `json:"type"`
	T    int64  `json:"t"`
	O    PxN    `json:"o"`
	H    PxN    `json:"h"`
	L    PxN    `json:"l"`
	C    PxN    `json:"c"`
	V    uint64 `json:"v"`
}

// BookEventAt materializes the book row at index i.
func (d *Dataset) BookEventAt(i int) BookEvent {
	row := d.Books[i]
	ev := BookEvent{
		Type:    KindBook,
		TSEvent: d.BookTS[i],
		Bids:    make([]PriceLevel, BookDepth),
		Asks:    make([]PriceLevel, BookDepth),
	}
	for j := 0; j < BookDepth; j++ {
		ev.Bids[j] = PriceLevel{Px: row.Bids[j].PxN, Sz: row.Bids[j].Sz}
		ev.Asks[j] = PriceLevel{Px: row.Asks[j].PxN, Sz: row.Asks[j].Sz}
	}
	return ev
}

// TradeEventAt materializes the trade row at index i.
func (d *Dataset) TradeEventAt(i int) TradeEvent {
	return TradeEvent{
		Type:    KindTrade,
		TSEvent: d.TradeTS[i],
		Price:   d.TradePxN[i],
		Size:    d.TradeSz[i],
	}
}

// CandleEventAt materializes the bar row at index i.
func (d *Dataset) CandleEventAt(i int) CandleEvent {
	return CandleEvent{
		Type: KindCandle,
		T:    d.BarTS[i],
		O:    d.BarO[i],
		H:    d.BarH[i],
		L:    d.BarL[i],
		C:    d.BarC[i],
		V:    d.BarV[i],
	}
}
