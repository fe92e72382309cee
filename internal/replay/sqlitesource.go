package replay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SqliteSource loads a day from a prebuilt per-(symbol, day) archive
// named <SYMBOL>.<day>.replay.sqlite with tables book_levels, trades
// and candles. Archives are read-only here; they are produced offline
// from the raw files.
type SqliteSource struct {
	log     *slog.Logger
	dataDir string
	tzName  string
}

func NewSqliteSource(log *slog.Logger, dataDir, tzName string) *SqliteSource {
	return &SqliteSource{log: log, dataDir: dataDir, tzName: tzName}
}

func (s *SqliteSource) LoadDay(ctx context.Context, symbol, day, tf string) (*Dataset, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	path := filepath.Join(s.dataDir, fmt.Sprintf("%s.%s.replay.sqlite", symbol, day))
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, filepath.Base(path))
	}

	d, err := NewDataset(symbol, day, s.dataDir, s.tzName, tf)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSchemaMismatch, filepath.Base(path), err)
	}
	defer db.Close()

	if err := s.loadBooks(ctx, db, d); err != nil {
		return nil, wrapSqliteErr(path, err)
	}
	if err := s.loadTrades(ctx, db, d); err != nil {
		return nil, wrapSqliteErr(path, err)
	}
	if err := s.loadCandles(ctx, db, d); err != nil {
		return nil, wrapSqliteErr(path, err)
	}
	if len(d.BarTS) == 0 {
		return nil, fmt.Errorf("%w: no %s candles in %s", ErrDatasetNotFound, d.TF, filepath.Base(path))
	}

	s.log.Info("dataset loaded",
		"symbol", symbol,
		"day", day,
		"tf", d.TF,
		"source", "sqlite",
		"books", len(d.Books),
		"trades", len(d.TradeTS),
		"bars", len(d.BarTS),
	)
	return d, nil
}

// book_levels holds one row per (ts_event, side, level); rows for the
// same ts_event form one book state.
func (s *SqliteSource) loadBooks(ctx context.Context, db *sql.DB, d *Dataset) error {
	rows, err := db.QueryContext(ctx,
		`SELECT ts_event, side, level, px, sz FROM book_levels ORDER BY ts_event, side, level`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var curTS int64 = -1
	var cur BookRow
	flush := func() {
		if curTS >= 0 {
			d.BookTS = append(d.BookTS, curTS)
			d.Books = append(d.Books, cur)
		}
	}
	for rows.Next() {
		var ts, px int64
		var side string
		var level int
		var sz int64
		if err := rows.Scan(&ts, &side, &level, &px, &sz); err != nil {
			return err
		}
		if ts != curTS {
			flush()
			curTS = ts
			cur = BookRow{}
		}
		if level < 0 || level >= BookDepth {
			continue
		}
		lv := Level{PxN: PxN(px), Sz: uint32(sz)}
		if side == "B" {
			cur.Bids[level] = lv
		} else {
			cur.Asks[level] = lv
		}
	}
	flush()
	return rows.Err()
}

func (s *SqliteSource) loadTrades(ctx context.Context, db *sql.DB, d *Dataset) error {
	rows, err := db.QueryContext(ctx,
		`SELECT ts_event, px, sz FROM trades ORDER BY ts_event`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ts, px, sz int64
		if err := rows.Scan(&ts, &px, &sz); err != nil {
			return err
		}
		d.TradeTS = append(d.TradeTS, ts)
		d.TradePxN = append(d.TradePxN, PxN(px))
		d.TradeSz = append(d.TradeSz, uint32(sz))
	}
	return rows.Err()
}

func (s *SqliteSource) loadCandles(ctx context.Context, db *sql.DB, d *Dataset) error {
	rows, err := db.QueryContext(ctx,
		`SELECT t, o, h, l, c, v FROM candles WHERE tf = ? ORDER BY t`, d.TF)
	if err != nil {
		return err
	}
	defer rows.Close()

	tfn := d.TFNanosLoaded()
	for rows.Next() {
		var t, o, h, l, c, v int64
		if err := rows.Scan(&t, &o, &h, &l, &c, &v); err != nil {
			return err
		}
		if t%tfn != 0 {
			return fmt.Errorf("bar t %d not aligned to tf %s", t, d.TF)
		}
		d.BarTS = append(d.BarTS, t)
		d.BarO = append(d.BarO, PxN(o))
		d.BarH = append(d.BarH, PxN(h))
		d.BarL = append(d.BarL, PxN(l))
		d.BarC = append(d.BarC, PxN(c))
		d.BarV = append(d.BarV, uint64(v))
	}
	return rows.Err()
}

func wrapSqliteErr(path string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrSchemaMismatch, filepath.Base(path), err)
}
