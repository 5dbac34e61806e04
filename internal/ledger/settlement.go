package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agritrace-io/ledger-service/internal/model"
)

// Attach patches an existing event with settlement metadata and registers
// the reverse settlementhash index. This is the only permitted mutation of
// a written event. Re-invocation with the same hash and block ref is
// idempotent; different arguments overwrite, since settlement comes from a
// trusted collaborator.
func (l *Ledger) Attach(ctx context.Context, eventID, blockRef, hash string) error {
	rec, err := l.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if rec.Settlement == nil || rec.Settlement.Hash != hash || rec.Settlement.BlockRef != blockRef {
		prev := rec.Settlement
		rec.Settlement = &model.Settlement{
			Hash:      hash,
			BlockRef:  blockRef,
			SettledAt: time.Now().UnixMilli(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", eventID, err)
		}
		if err := l.store.Set(ctx, eventKey(eventID), data); err != nil {
			return err
		}
		// The old reverse entry must not keep resolving to this event.
		if prev != nil && prev.Hash != hash {
			if derr := l.store.Delete(ctx, settlementHashKey(prev.Hash)); derr != nil {
				l.log.Warnf("drop superseded settlement hash %s failed: %v", prev.Hash, derr)
			}
		}
	}
	if err := l.store.Set(ctx, settlementHashKey(hash), []byte(eventID)); err != nil {
		l.log.Warnf("settlement index write for %s failed: %v", hash, err)
	}
	return nil
}
