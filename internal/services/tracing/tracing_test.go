package tracing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/config"
)

type recordingWriter struct {
	mu      sync.Mutex
	inserts [][][]interface{}
}

func (w *recordingWriter) InsertValues(ctx context.Context, table string, columns []string, rows [][]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inserts = append(w.inserts, rows)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inserts)
}

func (w *recordingWriter) rows() [][]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	var all [][]interface{}
	for _, insert := range w.inserts {
		all = append(all, insert...)
	}
	return all
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func testSpan(traceID, spanID byte, parent []byte, name string) *tracepb.Span {
	tid := make([]byte, 16)
	tid[15] = traceID
	sid := make([]byte, 8)
	sid[7] = spanID
	return &tracepb.Span{
		TraceId:           tid,
		SpanId:            sid,
		ParentSpanId:      parent,
		Name:              name,
		StartTimeUnixNano: 100,
		EndTimeUnixNano:   200,
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
	}
}

func TestExportFlushesOnRootSpan(t *testing.T) {
	writer := &recordingWriter{}
	buffer := NewBuffer(writer, zap.NewNop())
	server := NewServer(buffer, zap.NewNop())

	child := testSpan(1, 2, []byte{0, 0, 0, 0, 0, 0, 0, 1}, "model_call")
	root := testSpan(1, 1, nil, "request")

	_, err := server.Export(context.Background(), &collectorpb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{child, root}}},
		}},
	})
	require.NoError(t, err)

	rows := writer.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, 0, buffer.Len())

	// Row layout follows SpanColumns.
	assert.Equal(t, "model_call", rows[0][3])
	assert.Equal(t, "request", rows[1][3])
	assert.Equal(t, uint64(100), rows[0][4])
	assert.Equal(t, uint8(1), rows[0][8])
}

func TestExportBuffersUntilRoot(t *testing.T) {
	writer := &recordingWriter{}
	buffer := NewBuffer(writer, zap.NewNop())
	server := NewServer(buffer, zap.NewNop())

	child := testSpan(1, 2, []byte{0, 0, 0, 0, 0, 0, 0, 1}, "model_call")
	_, err := server.Export(context.Background(), &collectorpb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{child}}},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, writer.count())
	assert.Equal(t, 1, buffer.Len())
}

func TestExportEnrichesFromResource(t *testing.T) {
	writer := &recordingWriter{}
	buffer := NewBuffer(writer, zap.NewNop())
	server := NewServer(buffer, zap.NewNop())

	root := testSpan(1, 1, nil, "request")
	root.Attributes = []*commonpb.KeyValue{stringAttr("langdb.label", "span-level")}

	_, err := server.Export(context.Background(), &collectorpb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				stringAttr("langdb.run_id", "run-42"),
				stringAttr("langdb.label", "resource-level"),
				stringAttr("service.name", "ignored"),
			}},
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{root}}},
		}},
	})
	require.NoError(t, err)

	rows := writer.rows()
	require.Len(t, rows, 1)

	var attrs map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(rows[0][6].(string)), &attrs))
	assert.Equal(t, "run-42", attrs["langdb.run_id"])
	// The span's own value wins over the inherited one.
	assert.Equal(t, "span-level", attrs["langdb.label"])
	_, hasService := attrs["service.name"]
	assert.False(t, hasService)
}

func TestBufferSweepFlushesExpiredTraces(t *testing.T) {
	writer := &recordingWriter{}
	buffer := NewBuffer(writer, zap.NewNop())
	buffer.ttl = 10 * time.Millisecond

	buffer.Add(context.Background(), "t1", [][]interface{}{{"t1"}}, false)
	time.Sleep(20 * time.Millisecond)
	buffer.sweep(context.Background())

	assert.Equal(t, 1, writer.count())
	assert.Equal(t, 0, buffer.Len())
}

func TestBufferAddSlidesTTL(t *testing.T) {
	writer := &recordingWriter{}
	buffer := NewBuffer(writer, zap.NewNop())
	buffer.ttl = 30 * time.Millisecond

	buffer.Add(context.Background(), "t1", [][]interface{}{{"a"}}, false)
	time.Sleep(20 * time.Millisecond)
	buffer.Add(context.Background(), "t1", [][]interface{}{{"b"}}, false)
	time.Sleep(20 * time.Millisecond)
	buffer.sweep(context.Background())

	// Second Add renewed the window, so the trace is still buffered.
	assert.Equal(t, 0, writer.count())
	assert.Equal(t, 1, buffer.Len())
}

func TestBufferEvictsOldestAtCapacity(t *testing.T) {
	writer := &recordingWriter{}
	buffer := NewBuffer(writer, zap.NewNop())
	buffer.maxTraces = 2

	buffer.Add(context.Background(), "t1", [][]interface{}{{"a"}}, false)
	buffer.Add(context.Background(), "t2", [][]interface{}{{"b"}}, false)
	buffer.Add(context.Background(), "t3", [][]interface{}{{"c"}}, false)

	assert.Equal(t, 2, buffer.Len())
	// Evicted traces are dropped, not flushed.
	assert.Equal(t, 0, writer.count())
}

func TestBufferFlushAll(t *testing.T) {
	writer := &recordingWriter{}
	buffer := NewBuffer(writer, zap.NewNop())

	buffer.Add(context.Background(), "t1", [][]interface{}{{"a"}}, false)
	buffer.Add(context.Background(), "t2", [][]interface{}{{"b"}}, false)
	buffer.FlushAll(context.Background())

	assert.Equal(t, 2, writer.count())
	assert.Equal(t, 0, buffer.Len())
}

func TestClickHouseWriter(t *testing.T) {
	var gotQuery string
	var gotBody string
	var gotUser string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	writer := NewClickHouseWriter(config.ClickHouseConfig{
		URL: server.URL, User: "default", Password: "secret", Database: "langdb",
	})

	err := writer.InsertValues(context.Background(), "traces",
		[]string{"trace_id", "span_name"},
		[][]interface{}{{"abc", "request"}, {"def", "model_call"}})
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO langdb.traces FORMAT JSONEachRow", gotQuery)
	assert.Equal(t, "default", gotUser)
	lines := strings.Split(strings.TrimSpace(gotBody), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"trace_id":"abc","span_name":"request"}`, lines[0])
}

func TestClickHouseWriterErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Code: 60. DB::Exception: Table not found", http.StatusNotFound)
	}))
	defer server.Close()

	writer := NewClickHouseWriter(config.ClickHouseConfig{URL: server.URL})
	err := writer.InsertValues(context.Background(), "traces",
		[]string{"trace_id"}, [][]interface{}{{"abc"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Table not found")
}

func TestBaggageSpanProcessor(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(BaggageSpanProcessor{}),
		sdktrace.WithSpanProcessor(recorder),
	)

	runID, err := baggage.NewMember("langdb.run_id", "run-7")
	require.NoError(t, err)
	label, err := baggage.NewMember("langdb.label", "prod")
	require.NoError(t, err)
	bag, err := baggage.New(runID, label)
	require.NoError(t, err)

	ctx := baggage.ContextWithBaggage(context.Background(), bag)
	_, span := provider.Tracer("test").Start(ctx, "guard_evaluation")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	attrs := make(map[attribute.Key]attribute.Value)
	for _, attr := range spans[0].Attributes() {
		attrs[attr.Key] = attr.Value
	}
	assert.Equal(t, "run-7", attrs["langdb.run_id"].AsString())
	assert.Equal(t, "prod", attrs["langdb.label"].AsString())
	_, hasParent := attrs["langdb.parent_trace_id"]
	assert.False(t, hasParent)
}
