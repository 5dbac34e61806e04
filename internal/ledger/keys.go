package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Persisted key layout. Index entries under actor:/subject:/settlementhash:
// are derived pointers, never authoritative; every one of them can be
// rebuilt by scanning the event: keyspace.
const (
	eventPrefix          = "event:"
	actorPrefix          = "actor:"
	subjectPrefix        = "subject:"
	settlementHashPrefix = "settlementhash:"
)

func eventKey(id string) string { return eventPrefix + id }

func actorKey(actorID, eventID string) string {
	return fmt.Sprintf("%s%s:%s", actorPrefix, actorID, eventID)
}

func subjectKey(subjectID, eventID string) string {
	return fmt.Sprintf("%s%s:%s", subjectPrefix, subjectID, eventID)
}

func settlementHashKey(hash string) string { return settlementHashPrefix + hash }

// newEventID builds an id that sorts roughly chronologically without a
// sequence authority: fixed-width ms timestamp plus a random suffix.
func newEventID() string {
	var buf [6]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf[:]))
}
