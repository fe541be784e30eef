package session

import "sync/atomic"

// Stats is a read-only snapshot of session counters, suitable for
// dashboards and health checks.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	StaleHits     int64 `json:"staleHits"`
	Revalidations int64 `json:"revalidations"`
}

type stats struct {
	hits          atomic.Int64
	misses        atomic.Int64
	staleHits     atomic.Int64
	revalidations atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		StaleHits:     s.staleHits.Load(),
		Revalidations: s.revalidations.Load(),
	}
}
