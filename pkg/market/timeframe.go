package market

import "time"

// Timeframe is the bucket granularity of a candle series.
// Values follow the common exchange shorthand ("1m", "1h", "1d").
type Timeframe string

// Supported timeframes.
const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Valid reports whether the timeframe is one of the supported granularities.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the bucket length. It returns zero for an unsupported
// timeframe; callers are expected to have validated the timeframe first.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Aligned reports whether t falls exactly on a bucket boundary of the
// timeframe. Alignment is evaluated against the Unix epoch, which matches how
// exchanges bucket their kline data.
func (tf Timeframe) Aligned(t time.Time) bool {
	d := tf.Duration()
	if d <= 0 {
		return false
	}
	return t.UnixMilli()%d.Milliseconds() == 0
}

// Truncate rounds t down to the containing bucket's start time.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	d := tf.Duration()
	if d <= 0 {
		return t
	}
	ms := t.UnixMilli()
	return time.UnixMilli(ms - ms%d.Milliseconds()).UTC()
}
