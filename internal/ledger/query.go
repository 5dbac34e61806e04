package ledger

import (
	"context"
	"errors"
	"sort"

	"github.com/agritrace-io/ledger-service/internal/kv"
	"github.com/agritrace-io/ledger-service/internal/model"
)

// QueryBySubject returns every event for one subject, newest first. The
// index is consulted first; a reconciliation scan over the primary records
// then recovers any event whose index write was lost, and repairs the
// missing entry.
func (l *Ledger) QueryBySubject(ctx context.Context, subjectID string) ([]*model.EventRecord, error) {
	return l.query(ctx, subjectPrefix, subjectID, func(rec *model.EventRecord) bool {
		return rec.SubjectID == subjectID
	})
}

// QueryByActor returns every event where the actor appears on either side,
// newest first.
func (l *Ledger) QueryByActor(ctx context.Context, actorID string) ([]*model.EventRecord, error) {
	return l.query(ctx, actorPrefix, actorID, func(rec *model.EventRecord) bool {
		return rec.ActorFrom == actorID || rec.ActorTo == actorID
	})
}

func (l *Ledger) query(ctx context.Context, prefix, ownerID string, match func(*model.EventRecord) bool) ([]*model.EventRecord, error) {
	collected := make(map[string]*model.EventRecord)

	// Pass 1: index lookup.
	keys, err := l.store.Keys(ctx, prefix+ownerID+":")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		id := eventIDFromIndexKey(k, prefix, ownerID)
		rec, err := l.GetByID(ctx, id)
		if errors.Is(err, ErrEventNotFound) {
			// Dangling pointer: the primary record is gone. Drop the
			// entry rather than surfacing a failure.
			l.log.Warnf("dropping dangling index entry %s", k)
			if derr := l.store.Delete(ctx, k); derr != nil {
				l.log.Warnf("drop %s failed: %v", k, derr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		collected[rec.ID] = rec
	}

	// Pass 2: reconciliation against the primary records. Primary wins on
	// conflict, and an event found only here gets its index entry
	// rewritten.
	scanned, err := l.scanEvents(ctx, match)
	if err != nil {
		return nil, err
	}
	for _, rec := range scanned {
		if _, ok := collected[rec.ID]; !ok {
			l.log.Infof("reconciliation recovered event %s for %s%s", rec.ID, prefix, ownerID)
			if serr := l.store.Set(ctx, prefix+ownerID+":"+rec.ID, []byte(rec.ID)); serr != nil {
				l.log.Warnf("index repair for event %s failed: %v", rec.ID, serr)
			}
		}
		collected[rec.ID] = rec
	}

	out := make([]*model.EventRecord, 0, len(collected))
	for _, rec := range collected {
		out = append(out, rec)
	}
	// Display order: newest first by wall clock. Ids are only
	// approximately time-ordered, so they are a tiebreaker, not the key.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// BySettlementHash resolves a settlement hash to its event: index first,
// then a fallback scan over every record's settlement field, repairing the
// index on a scan hit.
func (l *Ledger) BySettlementHash(ctx context.Context, hash string) (*model.EventRecord, error) {
	data, err := l.store.Get(ctx, settlementHashKey(hash))
	if err == nil {
		rec, gerr := l.GetByID(ctx, string(data))
		switch {
		case gerr == nil && rec.Settlement != nil && rec.Settlement.Hash == hash:
			return rec, nil
		case gerr == nil:
			// Superseded: the event was re-settled under a different hash
			// and this entry was left behind. Dangling either way.
			l.log.Warnf("settlement hash %s superseded on event %s", hash, rec.ID)
		case errors.Is(gerr, ErrEventNotFound):
			l.log.Warnf("settlement hash %s points at missing event %s", hash, string(data))
		default:
			return nil, gerr
		}
		if derr := l.store.Delete(ctx, settlementHashKey(hash)); derr != nil {
			l.log.Warnf("drop settlement hash %s failed: %v", hash, derr)
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	matches, err := l.scanEvents(ctx, func(rec *model.EventRecord) bool {
		return rec.Settlement != nil && rec.Settlement.Hash == hash
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrEventNotFound
	}
	rec := matches[0]
	if serr := l.store.Set(ctx, settlementHashKey(hash), []byte(rec.ID)); serr != nil {
		l.log.Warnf("settlement index repair for %s failed: %v", hash, serr)
	}
	return rec, nil
}
