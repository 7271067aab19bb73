package tracing

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"

	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// EnrichmentKeys are the cross-service correlation attributes copied
// onto every span that does not already carry them.
var EnrichmentKeys = []string{
	"langdb.parent_trace_id",
	"langdb.run_id",
	"langdb.label",
}

// Server ingests OTLP traces over gRPC into the trace buffer.
type Server struct {
	collectorpb.UnimplementedTraceServiceServer

	buffer *Buffer
	logger *zap.Logger
	grpc   *grpc.Server
}

func NewServer(buffer *Buffer, logger *zap.Logger) *Server {
	return &Server{
		buffer: buffer,
		logger: logger.Named("otlp"),
	}
}

// Export handles one OTLP trace export request.
func (s *Server) Export(ctx context.Context, req *collectorpb.ExportTraceServiceRequest) (*collectorpb.ExportTraceServiceResponse, error) {
	for _, resourceSpans := range req.GetResourceSpans() {
		inherited := enrichmentAttributes(resourceSpans.GetResource().GetAttributes())

		// Group this batch per trace so each Add slides one TTL.
		rowsByTrace := make(map[string][][]interface{})
		rootByTrace := make(map[string]bool)

		for _, scopeSpans := range resourceSpans.GetScopeSpans() {
			for _, span := range scopeSpans.GetSpans() {
				traceID := hex.EncodeToString(span.GetTraceId())
				rowsByTrace[traceID] = append(rowsByTrace[traceID], spanRow(span, inherited))
				if len(span.GetParentSpanId()) == 0 {
					rootByTrace[traceID] = true
				}
			}
		}

		for traceID, rows := range rowsByTrace {
			s.buffer.Add(ctx, traceID, rows, rootByTrace[traceID])
		}
	}

	return &collectorpb.ExportTraceServiceResponse{}, nil
}

// Serve listens for OTLP gRPC traffic on addr until Stop is called.
func (s *Server) Serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.grpc = grpc.NewServer()
	collectorpb.RegisterTraceServiceServer(s.grpc, s)

	s.logger.Info("OTLP trace server listening", zap.String("addr", addr))
	return s.grpc.Serve(listener)
}

// Stop drains in-flight RPCs and shuts the gRPC server down.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// spanRow converts an OTLP span into a positional row matching
// SpanColumns. Inherited enrichment attributes fill gaps only.
func spanRow(span *tracepb.Span, inherited map[string]interface{}) []interface{} {
	attrs := attributesToMap(span.GetAttributes())
	for key, value := range inherited {
		if _, ok := attrs[key]; !ok {
			attrs[key] = value
		}
	}

	events := make([]map[string]interface{}, 0, len(span.GetEvents()))
	for _, event := range span.GetEvents() {
		events = append(events, map[string]interface{}{
			"name":       event.GetName(),
			"time_ns":    event.GetTimeUnixNano(),
			"attributes": attributesToMap(event.GetAttributes()),
		})
	}

	return []interface{}{
		hex.EncodeToString(span.GetTraceId()),
		hex.EncodeToString(span.GetSpanId()),
		hex.EncodeToString(span.GetParentSpanId()),
		span.GetName(),
		span.GetStartTimeUnixNano(),
		span.GetEndTimeUnixNano(),
		toJSON(attrs),
		toJSON(events),
		uint8(span.GetStatus().GetCode()),
		span.GetStatus().GetMessage(),
	}
}

func enrichmentAttributes(resourceAttrs []*commonpb.KeyValue) map[string]interface{} {
	all := attributesToMap(resourceAttrs)
	inherited := make(map[string]interface{})
	for _, key := range EnrichmentKeys {
		if value, ok := all[key]; ok {
			inherited[key] = value
		}
	}
	return inherited
}

func attributesToMap(attrs []*commonpb.KeyValue) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		out[kv.GetKey()] = anyValue(kv.GetValue())
	}
	return out
}

func anyValue(v *commonpb.AnyValue) interface{} {
	switch value := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return value.StringValue
	case *commonpb.AnyValue_BoolValue:
		return value.BoolValue
	case *commonpb.AnyValue_IntValue:
		return value.IntValue
	case *commonpb.AnyValue_DoubleValue:
		return value.DoubleValue
	case *commonpb.AnyValue_ArrayValue:
		items := make([]interface{}, 0, len(value.ArrayValue.GetValues()))
		for _, item := range value.ArrayValue.GetValues() {
			items = append(items, anyValue(item))
		}
		return items
	case *commonpb.AnyValue_KvlistValue:
		return attributesToMap(value.KvlistValue.GetValues())
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(value.BytesValue)
	default:
		return nil
	}
}

func toJSON(value interface{}) string {
	data, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(data)
}
