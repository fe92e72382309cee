package replay

// Point-in-time views. All lookups are strictly at-or-before the
// playhead so a snapshot can never include data the replay has not
// reached yet.

const (
	DefaultTradeLimit = 50
	MaxTradeLimit     = 500

	DefaultWindowBars = 20
)

// Snapshot is the full as-of state at one playhead. TS is the
// effective time — the bar bucket the playhead falls in — while book
// and trades reflect the raw (clamped) playhead.
type Snapshot struct {
	Symbol      string        `json:"symbol"`
	Day         string        `json:"day"`
	TF          string        `json:"tf"`
	TS          int64         `json:"ts"`
	TSRequested int64         `json:"ts_requested"`
	Clamped     bool          `json:"clamped,omitempty"`
	Warning     string        `json:"warning,omitempty"`
	Book        *BookEvent    `json:"book"`
	Trades      []TradeEvent  `json:"trades"`
	Candles     []CandleEvent `json:"candles"`
}

// ResolveEffectiveTS clamps ts into the day's bounds. The second
// return reports whether clamping happened; callers log it.
func (d *Dataset) ResolveEffectiveTS(ts int64) (int64, bool) {
	return d.ClampToBounds(ts)
}

// BookAtOrBefore returns the last book state with ts_event <= ts.
// ok is false before the first book update of the day.
func (d *Dataset) BookAtOrBefore(ts int64) (BookEvent, bool) {
	i := SearchAtOrBefore(d.BookTS, ts)
	if i < 0 {
		return BookEvent{}, false
	}
	return d.BookEventAt(i), true
}

// TradesBefore returns up to limit prints with ts_event <= ts,
// oldest first. limit falls back to DefaultTradeLimit and is capped
// at MaxTradeLimit.
func (d *Dataset) TradesBefore(ts int64, limit int) []TradeEvent {
	if limit <= 0 {
		limit = DefaultTradeLimit
	}
	if limit > MaxTradeLimit {
		limit = MaxTradeLimit
	}
	end := SearchAtOrBefore(d.TradeTS, ts) + 1
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]TradeEvent, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, d.TradeEventAt(i))
	}
	return out
}

// CandlesWindow returns at most bars candles ending at the playhead's
// bucket: completed bars from buckets strictly before the current one,
// then the in-progress bar synthesized from trades up to the playhead.
// The in-progress bar is omitted only when there is nothing to base it
// on.
func (d *Dataset) CandlesWindow(playhead int64, bars int) []CandleEvent {
	if bars <= 0 {
		bars = DefaultWindowBars
	}

	bucket := SnapToBucket(playhead, d.TFNanosLoaded())
	cur, haveCur := d.SynthesizeCandle(bucket, playhead)

	completed := bars
	if haveCur {
		completed--
	}
	end := SearchFrom(d.BarTS, bucket)
	start := end - completed
	if start < 0 {
		start = 0
	}
	out := make([]CandleEvent, 0, end-start+1)
	for i := start; i < end; i++ {
		out = append(out, d.CandleEventAt(i))
	}
	if haveCur {
		out = append(out, cur)
	}
	return out
}

// BuildSnapshot assembles the as-of view at ts. Out-of-range
// timestamps are clamped, never rejected.
func (d *Dataset) BuildSnapshot(ts int64, windowBars, tradeLimit int) Snapshot {
	eff, clamped := d.ResolveEffectiveTS(ts)

	snap := Snapshot{
		Symbol:      d.Symbol,
		Day:         d.Day,
		TF:          d.TF,
		TS:          SnapToBucket(eff, d.TFNanosLoaded()),
		TSRequested: ts,
		Clamped:     clamped,
		Trades:      d.TradesBefore(eff, tradeLimit),
		Candles:     d.CandlesWindow(eff, windowBars),
	}
	if clamped {
		snap.Warning = "requested ts is outside the session; clamped to bounds"
	}
	if book, ok := d.BookAtOrBefore(eff); ok {
		snap.Book = &book
	}
	return snap
}
