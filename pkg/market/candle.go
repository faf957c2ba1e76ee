// Package market defines the domain types shared by every stage of the
// ingestion pipeline: OHLCV candles, series identity, and timeframes.
//
// A Candle is immutable once it has passed validation. Its identity is the
// tuple (exchange, symbol, timeframe, start time); within one series, candles
// are strictly ordered by start time with no duplicate timestamps. The only
// permitted revision is the replacement of the series' most recent (still
// open) bucket, which models exchanges re-reporting the in-progress candle.
package market

import (
	"fmt"
	"time"
)

// Candle is a single OHLCV record for one timeframe bucket.
type Candle struct {
	// StartTime is the exchange-reported open time of the bucket.
	StartTime time.Time

	// Open is the opening price for the bucket.
	Open float64

	// High is the highest price reached during the bucket.
	High float64

	// Low is the lowest price reached during the bucket.
	Low float64

	// Close is the most recent (or final) price of the bucket.
	Close float64

	// Volume is the traded volume during the bucket.
	Volume float64
}

// SeriesKey identifies one logical ordered stream of candles.
type SeriesKey struct {
	Exchange  string
	Symbol    string
	Timeframe Timeframe
}

// String renders the key in exchange:symbol:timeframe form, suitable for
// logging and for document store paths.
func (k SeriesKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Symbol, k.Timeframe)
}

// Validate checks that all three components are present and the timeframe is
// one of the supported granularities.
func (k SeriesKey) Validate() error {
	if k.Exchange == "" {
		return fmt.Errorf("series key missing exchange")
	}
	if k.Symbol == "" {
		return fmt.Errorf("series key missing symbol")
	}
	if !k.Timeframe.Valid() {
		return fmt.Errorf("series key has invalid timeframe %q", k.Timeframe)
	}
	return nil
}
