package ingest

import (
	"fmt"

	"github.com/veiloq/market-ingest/pkg/market"
)

// IngestionError is the terminal failure of a historical fetch: retries for a
// page were exhausted, or malformed pages recurred past the tolerance.
type IngestionError struct {
	Series market.SeriesKey
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed for %s: %v", e.Series, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// StreamLostError is the terminal failure of a stream subscription: the
// reconnect cap was exceeded. The caller must resubscribe explicitly.
type StreamLostError struct {
	Series   market.SeriesKey
	Attempts int
	Err      error
}

func (e *StreamLostError) Error() string {
	return fmt.Sprintf("stream lost for %s after %d reconnect attempts: %v",
		e.Series, e.Attempts, e.Err)
}

func (e *StreamLostError) Unwrap() error { return e.Err }
