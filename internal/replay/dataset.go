package replay

import (
	"fmt"
	"strconv"
	"time"
)

// Databento "fixed" price convention: int64 units of 1e-9 dollars.
const pxScale = 1_000_000_000.0

// PxN is a fixed-point price (1e-9 units). It marshals to JSON as a
// plain decimal number so wire payloads carry ordinary prices.
type PxN int64

func (p PxN) Float() float64 { return float64(p) / pxScale }

func (p PxN) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, p.Float(), 'f', -1, 64), nil
}

// PxFromFloat converts a display price into fixed 1e-9 units.
func PxFromFloat(px float64) PxN {
	if px >= 0 {
		return PxN(px*pxScale + 0.5)
	}
	return PxN(px*pxScale - 0.5)
}

// BookDepth is the number of price levels per side (MBP-10).
const BookDepth = 10

// Level is one price level of one side of the book.
type Level struct {
	PxN PxN
	Sz  uint32
}

// BookRow is a full top-of-book row: bids best-first, asks best-first.
type BookRow struct {
	Bids [BookDepth]Level
	Asks [BookDepth]Level
}

// Dataset holds one (symbol, day) of replay data as immutable,
// time-sorted parallel arrays. It is built once by a Source and is
// safe for concurrent reads from any number of sessions.
type Dataset struct {
	Symbol  string
	Day     string // YYYY-MM-DD
	DataDir string
	TZName  string
	TF      string // "1s" | "10s" | "1m" | "5m"

	loc     *time.Location
	tfNanos int64

	// MBP-10 book
	BookTS []int64
	Books  []BookRow

	// trade prints
	TradeTS  []int64
	TradePxN []PxN
	TradeSz  []uint32

	// OHLCV bars for TF; BarTS is the bucket start
	BarTS []int64
	BarO  []PxN
	BarH  []PxN
	BarL  []PxN
	BarC  []PxN
	BarV  []uint64
}

var tfTable = map[string]int64{
	"1s":  int64(time.Second),
	"10s": int64(10 * time.Second),
	"1m":  int64(time.Minute),
	"5m":  int64(5 * time.Minute),
}

// TFNanos returns the bucket width for a supported timeframe.
func TFNanos(tf string) (int64, error) {
	n, ok := tfTable[tf]
	if !ok {
		return 0, fmt.Errorf("tf must be one of: 1s, 10s, 1m, 5m (got %q)", tf)
	}
	return n, nil
}

// NewDataset stamps the identity fields and resolves the timezone.
// Series slices are filled in by the Source before the dataset is
// handed out; after that the value is read-only.
func NewDataset(symbol, day, dataDir, tzName, tf string) (*Dataset, error) {
	tfn, err := TFNanos(tf)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil || loc == nil {
		loc = time.FixedZone("America/New_York", -5*60*60)
	}
	return &Dataset{
		Symbol:  symbol,
		Day:     day,
		DataDir: dataDir,
		TZName:  tzName,
		TF:      tf,
		loc:     loc,
		tfNanos: tfn,
	}, nil
}

// TFNanosLoaded returns the bucket width of the loaded timeframe.
func (d *Dataset) TFNanosLoaded() int64 { return d.tfNanos }

// Location returns the timezone used to interpret ts strings.
func (d *Dataset) Location() *time.Location { return d.loc }

// Bounds returns the [min, max] event time across all series.
func (d *Dataset) Bounds() (int64, int64) {
	const maxInt64 = int64(^uint64(0) >> 1)
	lo := maxInt64
	hi := int64(0)
	first := func(ts []int64) {
		if len(ts) > 0 && ts[0] < lo {
			lo = ts[0]
		}
	}
	last := func(ts []int64) {
		if len(ts) > 0 && ts[len(ts)-1] > hi {
			hi = ts[len(ts)-1]
		}
	}
	first(d.BookTS)
	first(d.TradeTS)
	first(d.BarTS)
	last(d.BookTS)
	last(d.TradeTS)
	last(d.BarTS)
	if lo == maxInt64 {
		return 0, 0
	}
	return lo, hi
}

// ClampToBounds pins a requested time into the dataset range.
func (d *Dataset) ClampToBounds(ts int64) (int64, bool) {
	lo, hi := d.Bounds()
	if ts < lo {
		return lo, true
	}
	if ts > hi {
		return hi, true
	}
	return ts, false
}
