package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "pov-board/api"
	boardSpanName      = "board.request"
	boardEventName     = "board.request.metrics"
	boardEventDomain   = "pov.board"
	observabilityEvent = "observability.event"
)

// requestMetrics collects timings for one board request and reports them as
// a span plus a single structured log line.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	method  string
	route   string
	phaseID string

	authDuration    time.Duration
	fetchDuration   time.Duration
	persistDuration time.Duration

	stagesReturned int
	itemsChanged   int
	deduplicated   bool
	errorStage     string
	cause          error
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, boardSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		method: method,
		route:  route,
	}, spanCtx
}

func (m *requestMetrics) SetPhase(phaseID string) { m.phaseID = phaseID }

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveFetch(d time.Duration) {
	if d > 0 {
		m.fetchDuration = d
	}
}

func (m *requestMetrics) ObservePersist(d time.Duration) {
	if d > 0 {
		m.persistDuration = d
	}
}

func (m *requestMetrics) SetStagesReturned(n int) { m.stagesReturned = max(n, 0) }

func (m *requestMetrics) SetItemsChanged(n int) { m.itemsChanged = max(n, 0) }

func (m *requestMetrics) SetDeduplicated(v bool) { m.deduplicated = v }

// Fail records why the request failed. The first stage wins.
func (m *requestMetrics) Fail(stage string, err error) {
	if m.errorStage == "" && stage != "" {
		m.errorStage = stage
	}
	if m.cause == nil {
		m.cause = err
	}
}

func (m *requestMetrics) attributes(status int) map[string]any {
	attrs := map[string]any{
		"http.route":              m.route,
		"http.method":             m.method,
		"http.status_code":        status,
		"pov.board.total_ms":      durationToMillis(time.Since(m.start)),
		"pov.board.stages":        m.stagesReturned,
		"pov.board.items_changed": m.itemsChanged,
		"pov.board.deduplicated":  m.deduplicated,
	}
	if m.phaseID != "" {
		attrs["pov.board.phase_id"] = m.phaseID
	}
	if m.authDuration > 0 {
		attrs["pov.board.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		attrs["pov.board.fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.persistDuration > 0 {
		attrs["pov.board.persist_ms"] = durationToMillis(m.persistDuration)
	}
	if m.errorStage != "" {
		attrs["pov.board.error_stage"] = m.errorStage
	}
	return attrs
}

// Log ends the span and writes the observability event.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.cause
	}
	attrs := m.attributes(status)
	sevText, sevNumber := severityForStatus(status, err)

	if m.span != nil {
		kvs := toKeyValues(attrs)
		m.span.SetAttributes(kvs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", boardEventName),
			attribute.String("event.domain", boardEventDomain),
			attribute.String("severity_text", sevText),
			attribute.Int("severity_number", sevNumber),
		}, kvs...)
		if err != nil {
			eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
		}
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if sevText == "ERROR" {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      boardEventName,
		"event.domain":    boardEventDomain,
		"attributes":      attrs,
		"severity_text":   sevText,
		"severity_number": sevNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	switch sevText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	case err != nil:
		return "ERROR", 17
	default:
		return "INFO", 9
	}
}

func toKeyValues(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
