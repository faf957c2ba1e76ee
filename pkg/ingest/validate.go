package ingest

import (
	"math"
	"time"

	"github.com/veiloq/market-ingest/pkg/logging"
	"github.com/veiloq/market-ingest/pkg/market"
)

// RejectReason classifies why a candle was excluded from merge.
type RejectReason string

const (
	// RejectInvalidValue: a price or volume field is NaN or negative.
	RejectInvalidValue RejectReason = "invalid value"

	// RejectInconsistentRange: high/low do not bound open/close.
	RejectInconsistentRange RejectReason = "inconsistent price range"

	// RejectMisaligned: the timestamp is not on a timeframe bucket boundary.
	RejectMisaligned RejectReason = "misaligned timestamp"

	// RejectStale: the timestamp is older than the series watermark minus
	// one timeframe unit (late or duplicate data).
	RejectStale RejectReason = "stale timestamp"
)

// Rejection records one excluded candle.
type Rejection struct {
	Candle market.Candle
	Reason RejectReason
}

// Validator applies the row-level cleansing rules. A rejected candle is
// logged and dropped; it never aborts the page or stream it arrived on.
type Validator struct {
	logger logging.Logger
}

// NewValidator creates a validator.
func NewValidator(logger logging.Logger) *Validator {
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &Validator{logger: logger}
}

// Clean filters candles for the series, returning the accepted rows in their
// input order and the rejections. watermark is the highest timestamp already
// merged for the series (zero time when the series is empty); a candle equal
// to the watermark is allowed through as the open-bucket revision case and
// left to the merge layer to apply or drop.
func (v *Validator) Clean(series market.SeriesKey, candles []market.Candle, watermark time.Time) ([]market.Candle, []Rejection) {
	accepted := make([]market.Candle, 0, len(candles))
	var rejected []Rejection

	for _, c := range candles {
		if reason, ok := v.check(series.Timeframe, c, watermark); !ok {
			rejected = append(rejected, Rejection{Candle: c, Reason: reason})
			v.logger.Warn("candle rejected",
				logging.String("series", series.String()),
				logging.String("reason", string(reason)),
				logging.Time("start_time", c.StartTime))
			continue
		}
		accepted = append(accepted, c)
	}
	return accepted, rejected
}

// check applies the rules in order and returns the first violation.
func (v *Validator) check(tf market.Timeframe, c market.Candle, watermark time.Time) (RejectReason, bool) {
	for _, f := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(f) || f < 0 {
			return RejectInvalidValue, false
		}
	}

	if c.High < c.Low ||
		c.High < math.Max(c.Open, c.Close) ||
		c.Low > math.Min(c.Open, c.Close) {
		return RejectInconsistentRange, false
	}

	if !tf.Aligned(c.StartTime) {
		return RejectMisaligned, false
	}

	if !watermark.IsZero() && c.StartTime.Before(watermark.Add(-tf.Duration())) {
		return RejectStale, false
	}

	return "", true
}
