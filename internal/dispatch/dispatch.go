package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/smallbiznis/depotsync/internal/event"
	ledgerdomain "github.com/smallbiznis/depotsync/internal/ledger/domain"
)

const (
	queueKey      = "dispatch:queue"
	deadLetterKey = "dispatch:dead_letter"
	jobLockPrefix = "dispatch:job:"

	// maxRetries bounds retries after the initial attempt, so a job is
	// handled at most maxRetries+1 times before dead-lettering.
	maxRetries     = 3
	workerPoolSize = 5
)

// Handler processes one normalized event. The processor provides it; keeping
// it a function type avoids a dependency cycle between dispatch and processor.
type Handler func(ctx context.Context, evt event.Event) error

// Job is one queued unit of work. Attempt counts retries already consumed.
type Job struct {
	JobID   string      `json:"job_id"`
	Event   event.Event `json:"event"`
	Attempt int         `json:"attempt"`
}

// Dispatcher hands a normalized event to asynchronous processing.
type Dispatcher interface {
	Enqueue(ctx context.Context, evt event.Event) error
}

// JobID derives a stable job identifier from the event fingerprint so a
// redelivered webhook enqueues at most one job while the first is in flight.
func JobID(evt event.Event) string {
	fingerprint := ledgerdomain.Fingerprint(evt.ProductRef, evt.EventID, evt.DepositID, evt.Quantity)
	sum := sha256.Sum256([]byte(evt.TenantID + "|" + fingerprint))
	return hex.EncodeToString(sum[:])
}
