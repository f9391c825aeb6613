package suppression

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/depotsync/internal/clock"
	"go.uber.org/fx"
)

const (
	// entryTTL bounds how long a registered write can absorb its echo webhook.
	entryTTL = 30 * time.Second
	// maxMarks bounds the timestamps kept per key.
	maxMarks = 5
)

// Registry tracks stock writes the synchronizer just made so the webhook
// those writes provoke can be recognized and discarded. Each registered
// write absorbs exactly one echo.
type Registry struct {
	mu    sync.Mutex
	marks map[string][]time.Time
	clock clock.Clock
}

func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		marks: make(map[string][]time.Time),
		clock: clk,
	}
}

// MarkWrite registers an impending shared-deposit write.
func (r *Registry) MarkWrite(tenantID string, depositID int64, productRef string) {
	key := suppressionKey(tenantID, depositID, productRef)
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	marks := prune(r.marks[key], now)
	marks = append(marks, now)
	if len(marks) > maxMarks {
		marks = marks[len(marks)-maxMarks:]
	}
	r.marks[key] = marks
}

// ConsumeEcho reports whether an incoming event for the key is an echo of a
// registered write and, if so, consumes one registration.
func (r *Registry) ConsumeEcho(tenantID string, depositID int64, productRef string) bool {
	key := suppressionKey(tenantID, depositID, productRef)
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	marks := prune(r.marks[key], now)
	if len(marks) == 0 {
		delete(r.marks, key)
		return false
	}
	marks = marks[1:]
	if len(marks) == 0 {
		delete(r.marks, key)
	} else {
		r.marks[key] = marks
	}
	return true
}

func prune(marks []time.Time, now time.Time) []time.Time {
	kept := marks[:0]
	for _, at := range marks {
		if now.Sub(at) <= entryTTL {
			kept = append(kept, at)
		}
	}
	return kept
}

func suppressionKey(tenantID string, depositID int64, productRef string) string {
	return fmt.Sprintf("%s|%d|%s",
		strings.ToLower(strings.TrimSpace(tenantID)),
		depositID,
		strings.ToLower(strings.TrimSpace(productRef)),
	)
}

var Module = fx.Module("suppression", fx.Provide(NewRegistry))
