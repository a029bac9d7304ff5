package source

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/aydarnuman/procheff-v3-sub000/internal/model"
	"github.com/aydarnuman/procheff-v3-sub000/internal/resilience"
	"github.com/aydarnuman/procheff-v3-sub000/internal/store"
)

// historyLookback bounds how far back the procurement history counts
// as a usable quote.
const historyLookback = 90 * 24 * time.Hour

// HistoryAdapter serves the "db" source: the newest price this product
// was actually bought at, read from the quote history of other sources.
// It keeps its original observation time so staleness rules still see
// how old the purchase was.
type HistoryAdapter struct {
	store store.Store
}

// NewHistoryAdapter creates the procurement-history source.
func NewHistoryAdapter(st store.Store) *HistoryAdapter {
	return &HistoryAdapter{store: st}
}

func (a *HistoryAdapter) Source() model.SourceID { return model.SourceDB }

func (a *HistoryAdapter) Fetch(ctx context.Context, productKey string) (*model.Quote, error) {
	since := time.Now().UTC().Add(-historyLookback)
	quotes, err := a.store.ListQuotes(ctx, productKey, since)
	if err != nil {
		return nil, resilience.NewSourceError(resilience.CodeTransient,
			eris.Wrap(err, "db: list quotes"))
	}

	// Newest first; skip our own echoes so the source never feeds on
	// itself.
	for _, q := range quotes {
		if q.SourceID == model.SourceDB {
			continue
		}
		quote := q.Quote
		quote.SourceID = model.SourceDB
		return &quote, nil
	}

	return nil, resilience.NewSourceError(resilience.CodeNotFound,
		eris.Errorf("db: no purchase history for %s", productKey))
}
