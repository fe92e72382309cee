package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	dbn "github.com/NimbleMarkets/dbn-go"
)

// FileSource loads a day from Databento DBN files on disk. Files are
// named <dataset>.<day>.<schema>.dbn with an optional .zst suffix and
// may contain many instruments; rows are filtered to the requested
// symbol via the embedded symbology mappings.
type FileSource struct {
	log     *slog.Logger
	dataDir string
	tzName  string
}

func NewFileSource(log *slog.Logger, dataDir, tzName string) *FileSource {
	return &FileSource{log: log, dataDir: dataDir, tzName: tzName}
}

func (f *FileSource) LoadDay(ctx context.Context, symbol, day, tf string) (*Dataset, error) {
	d, err := NewDataset(symbol, day, f.dataDir, f.tzName, tf)
	if err != nil {
		return nil, err
	}

	bookPath := findDayFile(f.dataDir, day, "mbp-10")
	tradePath := findDayFile(f.dataDir, day, "trades")
	barPath := findDayFile(f.dataDir, day, "ohlcv-"+tf)
	if barPath == "" {
		return nil, fmt.Errorf("%w: no ohlcv-%s file for %s in %s", ErrDatasetNotFound, tf, day, f.dataDir)
	}

	v := &fileVisitor{symbol: strings.ToUpper(strings.TrimSpace(symbol)), ids: make(map[uint32]struct{}, 4)}

	if bookPath != "" {
		if err := f.scanFile(ctx, bookPath, v); err != nil {
			return nil, err
		}
	}
	if tradePath != "" {
		if err := f.scanFile(ctx, tradePath, v); err != nil {
			return nil, err
		}
	}
	if err := f.scanFile(ctx, barPath, v); err != nil {
		return nil, err
	}

	if len(v.bars) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s on %s", ErrDatasetNotFound, symbol, day)
	}

	sort.SliceStable(v.books, func(i, j int) bool { return v.books[i].ts < v.books[j].ts })
	sort.SliceStable(v.trades, func(i, j int) bool { return v.trades[i].ts < v.trades[j].ts })
	sort.SliceStable(v.bars, func(i, j int) bool { return v.bars[i].ts < v.bars[j].ts })

	d.BookTS = make([]int64, len(v.books))
	d.Books = make([]BookRow, len(v.books))
	for i, r := range v.books {
		d.BookTS[i] = r.ts
		d.Books[i] = r.row
	}

	d.TradeTS = make([]int64, len(v.trades))
	d.TradePxN = make([]PxN, len(v.trades))
	d.TradeSz = make([]uint32, len(v.trades))
	for i, r := range v.trades {
		d.TradeTS[i] = r.ts
		d.TradePxN[i] = r.px
		d.TradeSz[i] = r.sz
	}

	tfn := d.TFNanosLoaded()
	d.BarTS = make([]int64, len(v.bars))
	d.BarO = make([]PxN, len(v.bars))
	d.BarH = make([]PxN, len(v.bars))
	d.BarL = make([]PxN, len(v.bars))
	d.BarC = make([]PxN, len(v.bars))
	d.BarV = make([]uint64, len(v.bars))
	for i, r := range v.bars {
		if r.ts%tfn != 0 {
			return nil, fmt.Errorf("%w: bar ts %d not aligned to tf %s", ErrSchemaMismatch, r.ts, tf)
		}
		d.BarTS[i] = r.ts
		d.BarO[i] = r.o
		d.BarH[i] = r.h
		d.BarL[i] = r.l
		d.BarC[i] = r.c
		d.BarV[i] = r.v
	}

	f.log.Info("dataset loaded",
		"symbol", symbol,
		"day", day,
		"tf", tf,
		"books", len(d.Books),
		"trades", len(d.TradeTS),
		"bars", len(d.BarTS),
	)
	return d, nil
}

func (f *FileSource) scanFile(ctx context.Context, path string, v *fileVisitor) error {
	r, closer, err := dbn.MakeCompressedReader(path, strings.HasSuffix(path, ".zst"))
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrDatasetNotFound, filepath.Base(path), err)
	}
	defer closer.Close()

	scanner := dbn.NewDbnScanner(r)
	meta, err := scanner.Metadata()
	if err != nil {
		return fmt.Errorf("%w: metadata %s: %v", ErrSchemaMismatch, filepath.Base(path), err)
	}
	v.addMappedIDs(meta)

	for scanner.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := scanner.Visit(v); err != nil {
			f.log.Warn("dbn visit error", "file", filepath.Base(path), "err", err)
		}
	}
	if err := scanner.Error(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: scan %s: %v", ErrSchemaMismatch, filepath.Base(path), err)
	}
	return nil
}

// findDayFile returns the first file in dir matching *.<day>.<schema>.dbn
// or *.<day>.<schema>.dbn.zst, preferring the uncompressed one.
func findDayFile(dir, day, schema string) string {
	for _, suffix := range []string{".dbn", ".dbn.zst"} {
		matches, err := filepath.Glob(filepath.Join(dir, "*."+day+"."+schema+suffix))
		if err != nil || len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		return matches[0]
	}
	return ""
}

type bookRec struct {
	ts  int64
	row BookRow
}

type tradeRec struct {
	ts int64
	px PxN
	sz uint32
}

type barRec struct {
	ts         int64
	o, h, l, c PxN
	v          uint64
}

type fileVisitor struct {
	symbol string
	ids    map[uint32]struct{}

	books  []bookRec
	trades []tradeRec
	bars   []barRec
}

// addMappedIDs collects instrument ids assigned to the target symbol
// from a file's symbology metadata. The interval symbol carries the
// numeric instrument id when symbols were resolved to instrument_id.
func (v *fileVisitor) addMappedIDs(meta *dbn.Metadata) {
	if meta == nil {
		return
	}
	for _, m := range meta.Mappings {
		if !strings.EqualFold(strings.TrimSpace(m.RawSymbol), v.symbol) {
			continue
		}
		for _, iv := range m.Intervals {
			if id, err := strconv.ParseUint(strings.TrimSpace(iv.Symbol), 10, 32); err == nil && id > 0 {
				v.ids[uint32(id)] = struct{}{}
			}
		}
	}
}

func (v *fileVisitor) wants(instrumentID uint32) bool {
	_, ok := v.ids[instrumentID]
	return ok
}

func (v *fileVisitor) OnSymbolMappingMsg(r *dbn.SymbolMappingMsg) error {
	sym := strings.ToUpper(strings.TrimSpace(r.StypeOutSymbol))
	if sym == v.symbol {
		v.ids[r.Header.InstrumentID] = struct{}{}
	}
	return nil
}

func (v *fileVisitor) OnMbp10(r *dbn.Mbp10Msg) error {
	if !v.wants(r.Header.InstrumentID) {
		return nil
	}
	var row BookRow
	for i := 0; i < BookDepth; i++ {
		row.Bids[i] = Level{PxN: PxN(r.Levels[i].BidPx), Sz: r.Levels[i].BidSz}
		row.Asks[i] = Level{PxN: PxN(r.Levels[i].AskPx), Sz: r.Levels[i].AskSz}
	}
	v.books = append(v.books, bookRec{ts: int64(r.Header.TsEvent), row: row})
	return nil
}

func (v *fileVisitor) OnMbp0(r *dbn.Mbp0Msg) error {
	if !v.wants(r.Header.InstrumentID) {
		return nil
	}
	if r.Price <= 0 || r.Size == 0 {
		return nil
	}
	v.trades = append(v.trades, tradeRec{ts: int64(r.Header.TsEvent), px: PxN(r.Price), sz: r.Size})
	return nil
}

func (v *fileVisitor) OnOhlcv(r *dbn.OhlcvMsg) error {
	if !v.wants(r.Header.InstrumentID) {
		return nil
	}
	v.bars = append(v.bars, barRec{
		ts: int64(r.Header.TsEvent),
		o:  PxN(r.Open),
		h:  PxN(r.High),
		l:  PxN(r.Low),
		c:  PxN(r.Close),
		v:  r.Volume,
	})
	return nil
}

func (v *fileVisitor) OnMbp1(*dbn.Mbp1Msg) error                      { return nil }
func (v *fileVisitor) OnMbo(*dbn.MboMsg) error                        { return nil }
func (v *fileVisitor) OnCmbp1(*dbn.Cmbp1Msg) error                    { return nil }
func (v *fileVisitor) OnBbo(*dbn.BboMsg) error                        { return nil }
func (v *fileVisitor) OnImbalance(*dbn.ImbalanceMsg) error            { return nil }
func (v *fileVisitor) OnStatMsg(*dbn.StatMsg) error                   { return nil }
func (v *fileVisitor) OnStatusMsg(*dbn.StatusMsg) error               { return nil }
func (v *fileVisitor) OnInstrumentDefMsg(*dbn.InstrumentDefMsg) error { return nil }
func (v *fileVisitor) OnErrorMsg(*dbn.ErrorMsg) error                 { return nil }
func (v *fileVisitor) OnSystemMsg(*dbn.SystemMsg) error               { return nil }
func (v *fileVisitor) OnStreamEnd() error                             { return nil }
