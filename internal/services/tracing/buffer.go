package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// SpansTable is the destination table for ingested spans.
const SpansTable = "traces"

// SpanColumns is the column order of span rows.
var SpanColumns = []string{
	"trace_id", "span_id", "parent_span_id", "span_name",
	"start_time_ns", "end_time_ns", "attributes", "events",
	"status_code", "status_message",
}

var droppedTraces = promauto.NewCounter(prometheus.CounterOpts{
	Name: "aigateway_dropped_traces_total",
	Help: "Traces evicted from the buffer before flushing.",
})

const (
	defaultTraceTTL  = 60 * time.Second
	defaultMaxTraces = 10000
)

type traceEntry struct {
	rows     [][]interface{}
	lastSeen time.Time
	rootSeen bool
}

// Buffer groups incoming span rows by trace and flushes each trace to
// the writer when its root span completes or its sliding TTL expires.
// Capacity is bounded; the stalest trace is dropped to admit a new one.
type Buffer struct {
	mu        sync.Mutex
	traces    map[string]*traceEntry
	ttl       time.Duration
	maxTraces int
	writer    Writer
	logger    *zap.Logger
}

func NewBuffer(writer Writer, logger *zap.Logger) *Buffer {
	return &Buffer{
		traces:    make(map[string]*traceEntry),
		ttl:       defaultTraceTTL,
		maxTraces: defaultMaxTraces,
		writer:    writer,
		logger:    logger.Named("tracebuffer"),
	}
}

// Add appends rows to a trace, sliding its TTL. A row batch containing
// the root span flushes the whole trace.
func (b *Buffer) Add(ctx context.Context, traceID string, rows [][]interface{}, sawRoot bool) {
	b.mu.Lock()

	entry, ok := b.traces[traceID]
	if !ok {
		if len(b.traces) >= b.maxTraces {
			b.evictOldestLocked()
		}
		entry = &traceEntry{}
		b.traces[traceID] = entry
	}
	entry.rows = append(entry.rows, rows...)
	entry.lastSeen = time.Now()
	entry.rootSeen = entry.rootSeen || sawRoot

	var flush [][]interface{}
	if entry.rootSeen {
		flush = entry.rows
		delete(b.traces, traceID)
	}
	b.mu.Unlock()

	if flush != nil {
		b.write(ctx, traceID, flush)
	}
}

func (b *Buffer) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, entry := range b.traces {
		if oldestID == "" || entry.lastSeen.Before(oldest) {
			oldestID = id
			oldest = entry.lastSeen
		}
	}
	if oldestID != "" {
		delete(b.traces, oldestID)
		droppedTraces.Inc()
		b.logger.Warn("Trace buffer full, dropped oldest trace",
			zap.String("trace_id", oldestID))
	}
}

// Run sweeps expired traces until the context is cancelled, then
// flushes whatever remains.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.FlushAll(context.Background())
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *Buffer) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-b.ttl)

	b.mu.Lock()
	expired := make(map[string][][]interface{})
	for id, entry := range b.traces {
		if entry.lastSeen.Before(cutoff) {
			expired[id] = entry.rows
			delete(b.traces, id)
		}
	}
	b.mu.Unlock()

	for id, rows := range expired {
		b.write(ctx, id, rows)
	}
}

// FlushAll writes out every buffered trace.
func (b *Buffer) FlushAll(ctx context.Context) {
	b.mu.Lock()
	remaining := b.traces
	b.traces = make(map[string]*traceEntry)
	b.mu.Unlock()

	for id, entry := range remaining {
		b.write(ctx, id, entry.rows)
	}
}

func (b *Buffer) write(ctx context.Context, traceID string, rows [][]interface{}) {
	if err := b.writer.InsertValues(ctx, SpansTable, SpanColumns, rows); err != nil {
		b.logger.Error("Failed to write trace",
			zap.String("trace_id", traceID),
			zap.Int("spans", len(rows)),
			zap.Error(err))
		return
	}
	b.logger.Debug("Flushed trace",
		zap.String("trace_id", traceID),
		zap.Int("spans", len(rows)))
}

// Len reports how many traces are currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.traces)
}
