package ledger

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/agritrace-io/ledger-service/internal/model"
)

// ErrNoStockHistory means the subject has no stock-type events at all.
// That is a distinct state from a stock level of zero.
var ErrNoStockHistory = errors.New("no stock history for subject")

// ApplyMovement returns the stock level after one movement. STOCK_IN and
// STOCK_OUT are deltas; STOCK_ADJUST replaces the level outright, modeling
// a physical stocktake overriding the bookkeeping. The result is clamped
// at zero.
func ApplyMovement(level decimal.Decimal, action model.ActionType, qty decimal.Decimal) decimal.Decimal {
	switch action {
	case model.ActionStockIn:
		level = level.Add(qty)
	case model.ActionStockOut:
		level = level.Sub(qty)
	case model.ActionStockAdjust:
		level = qty
	}
	if level.IsNegative() {
		return decimal.Zero
	}
	return level
}

// CurrentStock replays the subject's stock events in chronological order
// and returns the resulting quantity. Nothing is persisted; the projection
// is recomputed from scratch on every call. The level is clamped at zero
// after every movement, so a later STOCK_IN restocks from zero rather than
// paying off an impossible negative balance.
func (l *Ledger) CurrentStock(ctx context.Context, subjectID string) (decimal.Decimal, error) {
	history, err := l.QueryBySubject(ctx, subjectID)
	if err != nil {
		return decimal.Zero, err
	}
	var stock []*model.EventRecord
	for _, rec := range history {
		if rec.IsStockAction() {
			stock = append(stock, rec)
		}
	}
	if len(stock) == 0 {
		return decimal.Zero, ErrNoStockHistory
	}
	// Replay must be chronological, oldest first, unlike display order.
	sort.Slice(stock, func(i, j int) bool {
		if stock[i].Timestamp != stock[j].Timestamp {
			return stock[i].Timestamp < stock[j].Timestamp
		}
		return stock[i].ID < stock[j].ID
	})

	total := decimal.Zero
	for _, rec := range stock {
		if rec.Details == nil || rec.Details.Quantity == nil {
			l.log.Warnf("stock event %s has no quantity, skipping", rec.ID)
			continue
		}
		total = ApplyMovement(total, rec.Action, *rec.Details.Quantity)
	}
	return total, nil
}
