// ABOUTME: Asynchronous decision audit log fed by the agent pool
// ABOUTME: Buffers entries without blocking callers and writes them in batches

package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/offload-gateway/internal/agent"
)

const (
	defaultAuditBuffer = 1024
	maxBatch           = 128
	writeTimeout       = 5 * time.Second
	pruneInterval      = time.Hour
)

// auditItem is either a decision or a flush marker.
type auditItem struct {
	decision *Decision
	flushed  chan struct{}
}

// AuditLog records decisions into a SQLiteStore from a single writer
// goroutine. Record never blocks; entries that do not fit in the buffer are
// dropped and counted.
type AuditLog struct {
	store     *SQLiteStore
	items     chan auditItem
	retention time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	written atomic.Int64
	dropped atomic.Int64
}

var _ agent.Recorder = (*AuditLog)(nil)

// AuditOption configures an AuditLog.
type AuditOption func(*AuditLog)

// WithBuffer sets how many entries may wait for the writer.
func WithBuffer(n int) AuditOption {
	return func(a *AuditLog) {
		if n > 0 {
			a.items = make(chan auditItem, n)
		}
	}
}

// WithRetention deletes decisions older than d once an hour. Zero keeps
// everything.
func WithRetention(d time.Duration) AuditOption {
	return func(a *AuditLog) { a.retention = d }
}

// NewAuditLog starts the writer goroutine.
func NewAuditLog(s *SQLiteStore, opts ...AuditOption) *AuditLog {
	a := &AuditLog{
		store:  s,
		items:  make(chan auditItem, defaultAuditBuffer),
		logger: s.logger.With("component", "audit_log"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Record queues an entry from the agent pool.
func (a *AuditLog) Record(e agent.AuditEntry) {
	d := &Decision{
		Timestamp:     e.Time,
		Agent:         e.Agent,
		CorrelationID: e.CorrelationID,
		RequestID:     e.RequestID,
		Event:         e.Event.String(),
		Kind:          string(e.Decision.Kind),
		Status:        e.Decision.Status,
		Fallback:      e.Fallback,
		LatencyMicros: e.Latency.Microseconds(),
		RuleIDs:       e.RuleIDs,
	}
	if e.Fallback {
		d.ErrorKind = e.ErrorKind.String()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.items <- auditItem{decision: d}:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("audit buffer full, dropping decisions", "dropped_total", a.dropped.Load())
		}
	}
}

// Flush waits until every entry queued before the call is written.
func (a *AuditLog) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrClosed
	}
	select {
	case a.items <- auditItem{flushed: flushed}:
		a.mu.RUnlock()
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recent lists persisted decisions, newest first.
func (a *AuditLog) Recent(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	return a.store.ListDecisions(ctx, f)
}

// Stats returns the written and dropped entry counts.
func (a *AuditLog) Stats() (written, dropped int64) {
	return a.written.Load(), a.dropped.Load()
}

// Close writes what is buffered and stops the writer. The store stays open.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	close(a.items)
	a.mu.Unlock()

	<-a.done
	return nil
}

func (a *AuditLog) run() {
	defer close(a.done)

	var prune <-chan time.Time
	if a.retention > 0 {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
		a.prune()
	}

	batch := make([]*Decision, 0, maxBatch)
	var waiters []chan struct{}
	for {
		select {
		case item, ok := <-a.items:
			if !ok {
				return
			}
			batch, waiters = collect(batch, waiters, item)
		drain:
			for len(batch) < maxBatch {
				select {
				case item, ok := <-a.items:
					if !ok {
						break drain
					}
					batch, waiters = collect(batch, waiters, item)
				default:
					break drain
				}
			}
			a.write(batch)
			for _, w := range waiters {
				close(w)
			}
			batch, waiters = batch[:0], waiters[:0]

		case <-prune:
			a.prune()
		}
	}
}

func collect(batch []*Decision, waiters []chan struct{}, item auditItem) ([]*Decision, []chan struct{}) {
	if item.flushed != nil {
		return batch, append(waiters, item.flushed)
	}
	return append(batch, item.decision), waiters
}

func (a *AuditLog) write(batch []*Decision) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := a.store.InsertDecisions(ctx, batch); err != nil {
		a.dropped.Add(int64(len(batch)))
		a.logger.Error("writing decisions", "count", len(batch), "error", err)
		return
	}
	a.written.Add(int64(len(batch)))
}

func (a *AuditLog) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	n, err := a.store.DeleteDecisionsBefore(ctx, time.Now().Add(-a.retention))
	if err != nil {
		a.logger.Error("pruning decisions", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("pruned decisions", "deleted", n, "retention", a.retention.String())
	}
}
