package ingest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/veiloq/market-ingest/pkg/logging"
	"github.com/veiloq/market-ingest/pkg/market"
	"github.com/veiloq/market-ingest/pkg/store"
)

// candleCollection returns the document collection path for a series.
func candleCollection(series market.SeriesKey) string {
	return fmt.Sprintf("candles/%s/%s/%s", series.Exchange, series.Symbol, series.Timeframe)
}

// persistCandles writes merged candles to the document store. Persistence is
// best-effort: failures are logged and never propagate, so a slow or broken
// backend cannot stall the data path.
func persistCandles(ctx context.Context, st store.Store, logger logging.Logger, series market.SeriesKey, candles []market.Candle) {
	if st == nil {
		return
	}
	collection := candleCollection(series)
	for _, c := range candles {
		docID := strconv.FormatInt(c.StartTime.UnixMilli(), 10)
		fields := map[string]interface{}{
			"start_time": c.StartTime.UnixMilli(),
			"open":       c.Open,
			"high":       c.High,
			"low":        c.Low,
			"close":      c.Close,
			"volume":     c.Volume,
		}
		if err := st.Upsert(ctx, collection, docID, fields, true); err != nil {
			logger.Warn("candle persistence failed",
				logging.String("series", series.String()),
				logging.String("doc_id", docID),
				logging.Error(err))
			return
		}
	}
}
