// Package outbox implements the AUTH durability pipeline: a bounded
// in-process queue drained into a Redis Stream, and a background worker that
// publishes stream entries to the event bus with pending reclaim.
package outbox

import (
	"strconv"
	"strings"
	"time"

	"github.com/davidleathers/card-decision-engine/internal/domain/decision"
	"github.com/davidleathers/card-decision-engine/internal/domain/transaction"
)

// Record is one outbox payload: the transaction and the AUTH decision taken
// for it. Records survive process crashes once appended to the stream.
type Record struct {
	Transaction  *transaction.Transaction `json:"transaction"`
	AuthDecision *decision.Decision       `json:"auth_decision"`
	EnqueuedAt   time.Time                `json:"enqueued_at"`
}

// EntryTimestampMs extracts the millisecond timestamp prefix of a stream
// entry id ("<ms>-<seq>"). Returns 0 when the id does not parse.
func EntryTimestampMs(entryID string) int64 {
	dash := strings.IndexByte(entryID, '-')
	if dash <= 0 {
		return 0
	}
	ms, err := strconv.ParseInt(entryID[:dash], 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
