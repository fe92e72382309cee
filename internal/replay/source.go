package replay

import (
	"context"
	"errors"
)

var (
	// ErrDatasetNotFound means no files exist for the requested (symbol, day).
	ErrDatasetNotFound = errors.New("replay: dataset not found")
	// ErrSchemaMismatch means files exist but are malformed or of the wrong schema.
	ErrSchemaMismatch = errors.New("replay: schema mismatch")
	// ErrOutOfRange means a requested timestamp falls outside the day's data.
	ErrOutOfRange = errors.New("replay: timestamp out of range")
)

// Source loads one immutable day of market data at a bar timeframe.
// Implementations read Databento DBN files or a prebuilt sqlite
// archive.
type Source interface {
	LoadDay(ctx context.Context, symbol, day, tf string) (*Dataset, error)
}
