package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	dbn "github.com/NimbleMarkets/dbn-go"
)

// CatalogItem is one playable (symbol, day) pair.
type CatalogItem struct {
	Symbol     string `json:"symbol"`
	Day        string `json:"day"`
	StartTSNs  int64  `json:"start_ts_ns"`
	StartLocal string `json:"start_local"`
	Label      string `json:"label"`
}

// tfPreference is the order in which bar files are tried when listing
// what a directory can replay.
var tfPreference = []string{"1s", "10s", "1m", "5m"}

// Catalog lists replayable days by scanning the data directory. Scans
// read every bar file so results are cached for a short TTL.
type Catalog struct {
	log     *slog.Logger
	dataDir string
	source  string
	ttl     time.Duration
	loc     *time.Location

	mu        sync.Mutex
	items     []CatalogItem
	fetchedAt time.Time
}

func NewCatalog(log *slog.Logger, dataDir, source, tzName string, ttl time.Duration) *Catalog {
	loc, err := time.LoadLocation(tzName)
	if err != nil || loc == nil {
		loc = time.FixedZone("America/New_York", -5*60*60)
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Catalog{log: log, dataDir: dataDir, source: source, ttl: ttl, loc: loc}
}

func (c *Catalog) Items(ctx context.Context) ([]CatalogItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items != nil && time.Since(c.fetchedAt) < c.ttl {
		return c.items, nil
	}

	var (
		items []CatalogItem
		err   error
	)
	if c.source == "sqlite" {
		items, err = c.scanSqlite(ctx)
	} else {
		items, err = c.scanFiles(ctx)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Day != items[j].Day {
			return items[i].Day < items[j].Day
		}
		return items[i].Symbol < items[j].Symbol
	})
	c.items = items
	c.fetchedAt = time.Now()
	return items, nil
}

func (c *Catalog) item(symbol, day string, startNs int64) CatalogItem {
	local := time.Unix(0, startNs).In(c.loc).Format("2006-01-02 15:04:05 MST")
	return CatalogItem{
		Symbol:     symbol,
		Day:        day,
		StartTSNs:  startNs,
		StartLocal: local,
		Label:      fmt.Sprintf("%s %s", symbol, local),
	}
}

// scanFiles walks DBN bar files. A day is playable only when its book
// and trade files are present alongside at least one bar schema.
func (c *Catalog) scanFiles(ctx context.Context) ([]CatalogItem, error) {
	days := make(map[string]string) // day -> bar file path for the preferred tf
	for _, tf := range tfPreference {
		matches, err := filepath.Glob(filepath.Join(c.dataDir, "*.ohlcv-"+tf+".dbn*"))
		if err != nil {
			continue
		}
		sort.Strings(matches)
		for _, path := range matches {
			day := dayFromFilename(filepath.Base(path), "ohlcv-"+tf)
			if day == "" {
				continue
			}
			if _, seen := days[day]; seen {
				continue
			}
			if findDayFile(c.dataDir, day, "mbp-10") == "" || findDayFile(c.dataDir, day, "trades") == "" {
				continue
			}
			days[day] = path
		}
	}

	var items []CatalogItem
	for day, path := range days {
		starts, err := c.barStartsPerSymbol(ctx, path)
		if err != nil {
			c.log.Warn("catalog scan skipping file", "file", filepath.Base(path), "err", err)
			continue
		}
		for sym, startNs := range starts {
			items = append(items, c.item(sym, day, startNs))
		}
	}
	return items, nil
}

// barStartsPerSymbol reads one bar file and returns the earliest bar
// timestamp for every symbol it maps.
func (c *Catalog) barStartsPerSymbol(ctx context.Context, path string) (map[string]int64, error) {
	r, closer, err := dbn.MakeCompressedReader(path, strings.HasSuffix(path, ".zst"))
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	scanner := dbn.NewDbnScanner(r)
	meta, err := scanner.Metadata()
	if err != nil {
		return nil, err
	}

	v := &catalogVisitor{
		idToSymbol: make(map[uint32]string, 16),
		starts:     make(map[string]int64, 16),
	}
	if meta != nil {
		for _, m := range meta.Mappings {
			sym := strings.ToUpper(strings.TrimSpace(m.RawSymbol))
			if sym == "" {
				continue
			}
			for _, iv := range m.Intervals {
				if id, err := strconv.ParseUint(strings.TrimSpace(iv.Symbol), 10, 32); err == nil && id > 0 {
					v.idToSymbol[uint32(id)] = sym
				}
			}
		}
	}

	for scanner.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := scanner.Visit(v); err != nil {
			c.log.Warn("catalog visit error", "file", filepath.Base(path), "err", err)
		}
	}
	if err := scanner.Error(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return v.starts, nil
}

func (c *Catalog) scanSqlite(ctx context.Context) ([]CatalogItem, error) {
	matches, err := filepath.Glob(filepath.Join(c.dataDir, "*.replay.sqlite"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var items []CatalogItem
	for _, path := range matches {
		base := filepath.Base(path)
		parts := strings.SplitN(strings.TrimSuffix(base, ".replay.sqlite"), ".", 2)
		if len(parts) != 2 {
			continue
		}
		sym, day := strings.ToUpper(parts[0]), parts[1]

		startNs, err := sqliteFirstBarTS(ctx, path)
		if err != nil {
			c.log.Warn("catalog scan skipping archive", "file", base, "err", err)
			continue
		}
		items = append(items, c.item(sym, day, startNs))
	}
	return items, nil
}

func sqliteFirstBarTS(ctx context.Context, path string) (int64, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return 0, err
	}
	defer db.Close()

	for _, tf := range tfPreference {
		var ts sql.NullInt64
		err := db.QueryRowContext(ctx, `SELECT MIN(t) FROM candles WHERE tf = ?`, tf).Scan(&ts)
		if err != nil {
			return 0, err
		}
		if ts.Valid {
			return ts.Int64, nil
		}
	}
	return 0, fmt.Errorf("no candles in any timeframe")
}

// dayFromFilename extracts the date from <dataset>.<day>.<schema>.dbn[.zst].
func dayFromFilename(base, schema string) string {
	base = strings.TrimSuffix(base, ".zst")
	base = strings.TrimSuffix(base, ".dbn")
	base = strings.TrimSuffix(base, "."+schema)
	i := strings.LastIndex(base, ".")
	if i < 0 {
		return ""
	}
	day := base[i+1:]
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return ""
	}
	return day
}

type catalogVisitor struct {
	idToSymbol map[uint32]string
	starts     map[string]int64
}

func (v *catalogVisitor) OnSymbolMappingMsg(r *dbn.SymbolMappingMsg) error {
	sym := strings.ToUpper(strings.TrimSpace(r.StypeOutSymbol))
	if sym != "" {
		v.idToSymbol[r.Header.InstrumentID] = sym
	}
	return nil
}

func (v *catalogVisitor) OnOhlcv(r *dbn.OhlcvMsg) error {
	sym, ok := v.idToSymbol[r.Header.InstrumentID]
	if !ok {
		return nil
	}
	ts := int64(r.Header.TsEvent)
	if cur, seen := v.starts[sym]; !seen || ts < cur {
		v.starts[sym] = ts
	}
	return nil
}

func (v *catalogVisitor) OnMbp0(*dbn.Mbp0Msg) error                      { return nil }
func (v *catalogVisitor) OnMbp1(*dbn.Mbp1Msg) error                      { return nil }
func (v *catalogVisitor) OnMbp10(*dbn.Mbp10Msg) error                    { return nil }
func (v *catalogVisitor) OnMbo(*dbn.MboMsg) error                        { return nil }
func (v *catalogVisitor) OnCmbp1(*dbn.Cmbp1Msg) error                    { return nil }
func (v *catalogVisitor) OnBbo(*dbn.BboMsg) error                        { return nil }
func (v *catalogVisitor) OnImbalance(*dbn.ImbalanceMsg) error            { return nil }
func (v *catalogVisitor) OnStatMsg(*dbn.StatMsg) error                   { return nil }
func (v *catalogVisitor) OnStatusMsg(*dbn.StatusMsg) error               { return nil }
func (v *catalogVisitor) OnInstrumentDefMsg(*dbn.InstrumentDefMsg) error { return nil }
func (v *catalogVisitor) OnErrorMsg(*dbn.ErrorMsg) error                 { return nil }
func (v *catalogVisitor) OnSystemMsg(*dbn.SystemMsg) error               { return nil }
func (v *catalogVisitor) OnStreamEnd() error                             { return nil }
