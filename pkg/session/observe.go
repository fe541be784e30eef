package session

import (
	"time"

	"query-cache/pkg/cache"
)

// Status is the terminal outcome of one orchestrated call.
type Status string

const (
	// StatusHit means a fresh cached result was served
	StatusHit Status = "hit"

	// StatusStaleHit means a stale-but-acceptable result was served
	StatusStaleHit Status = "stale-hit"

	// StatusMiss means the query executed for real and was stored
	StatusMiss Status = "miss"

	// StatusBypass means caching was not applied to the call
	StatusBypass Status = "bypass"

	// StatusRevalidate is the side-channel outcome of a background refresh
	StatusRevalidate Status = "revalidate"
)

// Record is the observability payload emitted once per terminal outcome.
// It is the only coupling point to an external telemetry collaborator.
type Record struct {
	SQL      string
	Params   []any
	Status   Status
	Key      string
	Mode     cache.Mode
	Age      time.Duration
	RowCount int
	Session  string
}

// Observer receives one Record per terminal outcome.
type Observer func(Record)

func (s *Session) observe(rec Record, started time.Time) {
	rec.Session = s.id
	s.collector.RecordOutcome(string(rec.Status), string(rec.Mode), time.Since(started))
	if s.observer != nil {
		s.observer(rec)
	}
}
