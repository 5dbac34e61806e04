package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agritrace-io/ledger-service/internal/kv"
	"github.com/agritrace-io/ledger-service/internal/model"
)

// ErrEventNotFound is returned by point lookups that miss. A miss is a
// normal outcome, not a store failure.
var ErrEventNotFound = errors.New("event not found")

// Ledger is the append-only event store plus its derived indices. The
// event: keyspace is the single source of truth; index entries are
// best-effort and reconciled on read.
type Ledger struct {
	store kv.Store
	log   *zap.SugaredLogger
}

// New constructs a Ledger over the given store.
func New(store kv.Store, log *zap.SugaredLogger) *Ledger {
	return &Ledger{store: store, log: log}
}

// Append assigns an id and timestamp if absent, persists the record, then
// writes the actor and subject index entries. Index writes are best-effort:
// a failure is logged, not retried, and never rolls back the primary write;
// the read path's reconciliation scan recovers from it.
func (l *Ledger) Append(ctx context.Context, rec *model.EventRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = newEventID()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", rec.ID, err)
	}
	if err := l.store.Set(ctx, eventKey(rec.ID), data); err != nil {
		return "", err
	}
	l.writeIndexEntries(ctx, rec)
	return rec.ID, nil
}

func (l *Ledger) writeIndexEntries(ctx context.Context, rec *model.EventRecord) {
	keys := []string{
		subjectKey(rec.SubjectID, rec.ID),
		actorKey(rec.ActorFrom, rec.ID),
	}
	if rec.ActorTo != rec.ActorFrom {
		keys = append(keys, actorKey(rec.ActorTo, rec.ID))
	}
	for _, k := range keys {
		if err := l.store.Set(ctx, k, []byte(rec.ID)); err != nil {
			l.log.Warnf("index write %s for event %s failed: %v", k, rec.ID, err)
		}
	}
}

// GetByID fetches one event. Returns ErrEventNotFound on a miss.
func (l *Ledger) GetByID(ctx context.Context, id string) (*model.EventRecord, error) {
	data, err := l.store.Get(ctx, eventKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec model.EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return &rec, nil
}

// decodeEvent parses a stored event value; used by scans, where a decode
// failure skips the key instead of aborting the whole query.
func decodeEvent(data []byte) (*model.EventRecord, error) {
	var rec model.EventRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// scanEvents walks the whole event: keyspace and returns every record that
// matches. Undecodable values are logged and skipped.
func (l *Ledger) scanEvents(ctx context.Context, match func(*model.EventRecord) bool) ([]*model.EventRecord, error) {
	keys, err := l.store.Keys(ctx, eventPrefix)
	if err != nil {
		return nil, err
	}
	var out []*model.EventRecord
	for _, k := range keys {
		data, err := l.store.Get(ctx, k)
		if errors.Is(err, kv.ErrNotFound) {
			continue // deleted between scan and read
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeEvent(data)
		if err != nil {
			l.log.Warnf("skipping undecodable record at %s: %v", k, err)
			continue
		}
		if match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// eventIDFromIndexKey strips "prefix<ownerID>:" from an index key, leaving
// the event id.
func eventIDFromIndexKey(key, prefix, ownerID string) string {
	return strings.TrimPrefix(key, prefix+ownerID+":")
}
