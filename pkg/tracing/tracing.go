// Package tracing records turn, model, tool and webhook spans with OpenTelemetry.
package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	ExporterNone   = "none"
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"

	AttrKind     = "pharmacy.span.kind"
	AttrMetadata = "pharmacy.metadata"
	AttrResult   = "pharmacy.result"

	redacted       = "[REDACTED]"
	maxAttrPayload = 8 << 10
)

type SpanKind string

const (
	KindTurn    SpanKind = "turn"
	KindModel   SpanKind = "model"
	KindTool    SpanKind = "tool"
	KindWebhook SpanKind = "webhook"
)

var secretKey = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization)`)

type Config struct {
	Exporter     string            `default:"none"`
	Endpoint     string            `default:"localhost:4317"`
	Insecure     bool              `default:"true"`
	Headers      map[string]string `envconfig:"HEADERS"`
	UIURL        string            `envconfig:"UI_URL"`
	SamplingRate float64           `split_words:"true" default:"1"`
	ServiceName  string            `split_words:"true" default:"pharmacy-agent"`
	Timeout      time.Duration     `default:"10s"`
}

// Tracer hands out spans. A nil *Tracer behaves like NewNoop().
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	uiURL    string
}

// New builds a tracer for cfg. The "none" exporter yields a no-op tracer.
func New(ctx context.Context, cfg Config) (*Tracer, error) {
	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == "" || exporterName == ExporterNone {
		return NewNoop(), nil
	}

	exporter, err := createExporter(ctx, exporterName, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		uiURL:    strings.TrimSpace(cfg.UIURL),
	}, nil
}

func createExporter(ctx context.Context, name string, cfg Config) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(cfg.Timeout),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", name)
	}
}

// NewNoop returns a tracer whose spans record nothing and have no trace URL.
func NewNoop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewWithProvider wraps an existing provider, used by tests with a span recorder.
func NewWithProvider(provider trace.TracerProvider, uiURL string) *Tracer {
	return &Tracer{tracer: provider.Tracer("pharmacy"), uiURL: strings.TrimSpace(uiURL)}
}

func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan opens a span of kind as a child of any span in ctx.
func (t *Tracer) StartSpan(ctx context.Context, kind SpanKind, name string, metadata map[string]any) (context.Context, *Span) {
	if t == nil || t.tracer == nil {
		return ctx, &Span{span: noop.Span{}}
	}

	attrs := []attribute.KeyValue{attribute.String(AttrKind, string(kind))}
	if len(metadata) > 0 {
		attrs = append(attrs, attribute.String(AttrMetadata, encode(metadata)))
	}
	spanKind := trace.SpanKindInternal
	if kind == KindWebhook || kind == KindModel {
		spanKind = trace.SpanKindClient
	}

	ctx, span := t.tracer.Start(ctx, string(kind)+"."+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(spanKind),
	)
	return ctx, &Span{span: span}
}

// TraceURL links to the span's trace in the tracing UI, or "" when there is none.
func (t *Tracer) TraceURL(s *Span) string {
	if t == nil || t.uiURL == "" {
		return ""
	}
	id := s.TraceID()
	if id == "" {
		return ""
	}
	if strings.Contains(t.uiURL, "{trace_id}") {
		return strings.ReplaceAll(t.uiURL, "{trace_id}", id)
	}
	return strings.TrimRight(t.uiURL, "/") + "/" + id
}

type Span struct {
	span trace.Span
}

// End records result or err and closes the span. Calling End twice is harmless.
func (s *Span) End(result any, err error) {
	if s == nil || s.span == nil {
		return
	}
	if result != nil {
		s.span.SetAttributes(attribute.String(AttrResult, encode(result)))
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// Annotate adds a scalar attribute to the open span.
func (s *Span) Annotate(key string, value any) {
	if s == nil || s.span == nil {
		return
	}
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, encode(v)))
	}
}

func (s *Span) TraceID() string {
	if s == nil || s.span == nil {
		return ""
	}
	sc := s.span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func encode(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err == nil {
		if cleaned, err := json.Marshal(Redact(generic)); err == nil {
			raw = cleaned
		}
	}
	return truncate(string(raw), maxAttrPayload)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// Redact replaces values under secret-looking keys, at any depth.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if secretKey.MatchString(k) {
				out[k] = redacted
				continue
			}
			out[k] = Redact(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}
