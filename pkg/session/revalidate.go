package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"query-cache/pkg/cache"
)

// revalidator runs background re-executions for stale-while-revalidate
// reads: a bounded queue and a small worker pool, so a burst of stale
// hits can never block the callers that triggered them. Under
// backpressure jobs are dropped and counted rather than queued
// unboundedly.
type revalidator struct {
	session *Session
	queue   chan revalJob
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// pending holds keys with a refresh queued or running, coalescing
	// repeat stale hits for the same key into one refresh
	pendingMu sync.Mutex
	pending   map[string]struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

type revalJob struct {
	key    string
	sql    string
	params []any
	tags   []string
	opts   cache.Options
	fetch  Fetch
}

func newRevalidator(s *Session, queueSize, workers int) *revalidator {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &revalidator{
		session: s,
		queue:   make(chan revalJob, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]struct{}),
	}

	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// schedule enqueues a refresh without blocking. The triggering caller
// already has its stale answer; nothing here may delay or fail it.
func (r *revalidator) schedule(job revalJob) {
	r.pendingMu.Lock()
	if _, ok := r.pending[job.key]; ok {
		r.pendingMu.Unlock()
		return
	}
	r.pending[job.key] = struct{}{}
	r.pendingMu.Unlock()

	select {
	case r.queue <- job:
		r.session.collector.RecordRevalQueueDepth(len(r.queue))
	default:
		r.clearPending(job.key)
		r.dropped.Add(1)
		r.session.collector.RecordRevalDropped()
		r.session.logWarn("revalidation dropped under backpressure", zap.String("key", job.key))
	}
}

func (r *revalidator) worker() {
	defer r.wg.Done()

	for {
		select {
		case job := <-r.queue:
			r.run(job)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *revalidator) run(job revalJob) {
	defer r.clearPending(job.key)

	s := r.session
	start := time.Now()

	// Same singleflight group as foreground misses, so a refresh never
	// races a concurrent real execution for the same key.
	v, err, _ := s.sf.Do(job.key, func() (any, error) {
		rows, err := job.fetch(r.ctx)
		if err != nil {
			return nil, &ExecutionError{SQL: job.sql, Err: err}
		}
		s.storeResult(r.ctx, job.key, rows, job.tags, job.opts)
		return rows, nil
	})

	s.collector.RecordRevalidation(err == nil, time.Since(start))
	if err != nil {
		// Swallowed after counting: the caller that triggered this
		// already received its stale answer.
		r.failed.Add(1)
		s.logWarn("background revalidation failed",
			zap.String("key", job.key), zap.Error(err))
		return
	}

	rows := v.([]Row)
	s.stats.revalidations.Add(1)
	s.observe(Record{
		SQL:      job.sql,
		Params:   job.params,
		Status:   StatusRevalidate,
		Key:      job.key,
		Mode:     job.opts.Mode,
		RowCount: len(rows),
	}, start)
}

func (r *revalidator) clearPending(key string) {
	r.pendingMu.Lock()
	delete(r.pending, key)
	r.pendingMu.Unlock()
}

func (r *revalidator) close() {
	r.cancel()
	r.wg.Wait()
}
