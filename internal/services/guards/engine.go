package guards

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/langdb/aigateway/internal/gateway"
	"github.com/langdb/aigateway/internal/schema"
)

// Engine runs configured guards. It is safe for concurrent use; guards
// themselves are immutable after construction.
type Engine struct {
	guards     []Guard
	judge      JudgeClient
	moderation ModerationClient
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewEngine validates the guard list and builds an engine. judge and
// moderation may be nil when no guard of those kinds is configured.
func NewEngine(guardList []Guard, judge JudgeClient, moderation ModerationClient, logger *zap.Logger) (*Engine, error) {
	for i := range guardList {
		if err := guardList[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &Engine{
		guards:     guardList,
		judge:      judge,
		moderation: moderation,
		tracer:     otel.Tracer("guards"),
		logger:     logger.Named("guards"),
	}, nil
}

// HasOutputGuards reports whether any guard runs at the output phase.
func (e *Engine) HasOutputGuards() bool {
	for i := range e.guards {
		if e.guards[i].Stage.AppliesTo(StageOutput) {
			return true
		}
	}
	return false
}

// EvaluateInput runs input-stage guards in declaration order and stops
// at the first failure.
func (e *Engine) EvaluateInput(ctx context.Context, messages []schema.Message) error {
	text := lastMessageText(messages)
	for i := range e.guards {
		g := &e.guards[i]
		if !g.Stage.AppliesTo(StageInput) {
			continue
		}
		eval, err := e.evaluate(ctx, g, messages, text)
		if err != nil {
			return err
		}
		if !eval.Passed {
			return guardFailure(eval)
		}
	}
	return nil
}

// EvaluateOutput runs every output-stage guard against the assistant
// content. The returned error carries the first failure; the ids of any
// further failed guards ride along in its details.
func (e *Engine) EvaluateOutput(ctx context.Context, messages []schema.Message, output string) error {
	var failures []*Evaluation
	for i := range e.guards {
		g := &e.guards[i]
		if !g.Stage.AppliesTo(StageOutput) {
			continue
		}
		eval, err := e.evaluate(ctx, g, messages, output)
		if err != nil {
			if len(failures) == 0 {
				return err
			}
			continue
		}
		if !eval.Passed {
			failures = append(failures, eval)
		}
	}
	if len(failures) == 0 {
		return nil
	}

	guardErr := guardFailure(failures[0]).(*gateway.GuardError)
	if len(failures) > 1 {
		details := make(map[string]interface{}, len(guardErr.Details)+1)
		for k, v := range guardErr.Details {
			details[k] = v
		}
		also := make([]string, 0, len(failures)-1)
		for _, f := range failures[1:] {
			also = append(also, f.GuardID)
		}
		details["also_failed"] = also
		guardErr.Details = details
	}
	return guardErr
}

func guardFailure(eval *Evaluation) error {
	message := eval.Text
	if message == "" {
		message = fmt.Sprintf("guard %s rejected the content", eval.GuardID)
	}
	return &gateway.GuardError{
		GuardID: eval.GuardID,
		Message: message,
		Details: eval.Details,
	}
}

func (e *Engine) evaluate(ctx context.Context, g *Guard, messages []schema.Message, text string) (*Evaluation, error) {
	ctx, span := e.tracer.Start(ctx, "guard_evaluation", trace.WithAttributes(
		attribute.String("id", g.ID),
		attribute.String("label", g.Name),
		attribute.String("type", g.Type),
		attribute.String("user_input", text),
	))
	defer span.End()
	if g.Type == TypePartner {
		span.SetAttributes(attribute.String("partner", g.Vendor))
	}

	var eval *Evaluation
	var err error
	switch g.Type {
	case TypeRegex:
		eval, err = evaluateRegex(g, text)
	case TypeSchema:
		eval, err = evaluateSchema(g, text)
	case TypeWordCount:
		eval, err = evaluateWordCount(g, text)
	case TypeLlmJudge:
		eval, err = evaluateLlmJudge(ctx, g, e.judge, messages)
	case TypeDataset:
		eval, err = evaluateDataset(g, text)
	case TypePartner:
		eval, err = evaluatePartner(ctx, g, e.moderation, text)
	default:
		err = fmt.Errorf("guard %s has unknown type %q", g.ID, g.Type)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("Guard evaluation failed",
			zap.String("guard_id", g.ID),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Bool("result", eval.Passed))
	e.logger.Debug("Guard evaluated",
		zap.String("guard_id", g.ID),
		zap.Bool("passed", eval.Passed),
		zap.Float64("confidence", eval.Confidence))
	return eval, nil
}

func lastMessageText(messages []schema.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if text := messages[i].Text(); text != "" {
			return text
		}
	}
	return ""
}
