package fetch

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
	tracerName          = "prism-live/fetch"
	requestSpanName     = "fetch.request"
	requestEventName    = "prism.live.fetch.request"
	requestEventDomain  = "app"
	observabilityEvent  = "observability.event"
	attrRoute           = "http.route"
	attrMethod          = "http.request.method"
	attrStatusCode      = "http.status_code"
	attrAttempts        = "prism.fetch.attempts"
	attrTotalMillis     = "prism.fetch.total_ms"
	attrErrorKind       = "prism.fetch.error_kind"
	attrErrorMessage    = "error.message"
	severityTextInfo    = "INFO"
	severityTextWarn    = "WARN"
	severityTextError   = "ERROR"
	severityNumberInfo  = 9
	severityNumberWarn  = 13
	severityNumberError = 17
)

type requestMetrics struct {
	logger   *log.Logger
	span     trace.Span
	start    time.Time
	method   string
	route    string
	attempts int
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(attrRoute, route),
			attribute.String(attrMethod, method),
		),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		method: method,
		route:  route,
	}, ctx
}

func (m *requestMetrics) SetAttempts(n int) {
	if n > m.attempts {
		m.attempts = n
	}
}

// Log ends the span and writes one observability event for the request.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	defer m.span.End()

	total := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		attrRoute:       m.route,
		attrMethod:      m.method,
		attrStatusCode:  status,
		attrAttempts:    m.attempts,
		attrTotalMillis: total,
	}
	spanAttrs := []attribute.KeyValue{
		attribute.Int(attrStatusCode, status),
		attribute.Int(attrAttempts, m.attempts),
		attribute.Float64(attrTotalMillis, total),
	}
	eventAttrs := []attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
		attribute.String(attrRoute, m.route),
		attribute.Int(attrStatusCode, status),
		attribute.Float64(attrTotalMillis, total),
	}
	if kind := KindOf(err); kind != "" {
		attrs[attrErrorKind] = string(kind)
		spanAttrs = append(spanAttrs, attribute.String(attrErrorKind, string(kind)))
		eventAttrs = append(eventAttrs, attribute.String(attrErrorKind, string(kind)))
	}
	if err != nil {
		attrs[attrErrorMessage] = err.Error()
		eventAttrs = append(eventAttrs, attribute.String(attrErrorMessage, err.Error()))
	}

	m.span.SetAttributes(spanAttrs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case severityTextError:
		entry.Error(observabilityEvent)
	case severityTextWarn:
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return severityTextError, severityNumberError
	case status >= http.StatusBadRequest:
		return severityTextWarn, severityNumberWarn
	case err != nil:
		return severityTextError, severityNumberError
	default:
		return severityTextInfo, severityNumberInfo
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
