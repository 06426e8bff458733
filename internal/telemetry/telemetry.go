// Package telemetry wires tracing and logging for the service.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
)

const DefaultServiceName = "jit-scheduler"

// Tracing selects where spans go. The zero value samples locally and
// exports nothing.
type Tracing struct {
	ServiceName string
	// Endpoint is a collector URL such as https://otel:4318, or a bare
	// host:port.
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	Insecure bool
	// Required makes an exporter that cannot be built fatal.
	Required   bool
	Sampler    string
	SamplerArg string
}

// Init installs the global tracer provider and returns the function that
// flushes and stops it.
func Init(ctx context.Context, cfg Tracing, logger *slog.Logger) (func(context.Context) error, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	if logger == nil {
		logger = slog.Default()
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	opts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(parseSampler(cfg.Sampler, cfg.SamplerArg))}

	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exporter, err := newExporter(ctx, cfg, endpoint)
		switch {
		case err != nil && cfg.Required:
			return nil, err
		case err != nil:
			logger.Warn("otel exporter disabled", "endpoint", endpoint, "error", err)
		default:
			opts = append(opts, trace.WithBatcher(exporter))
			logger.Info("exporting traces", "endpoint", endpoint)
		}
	}

	tp := trace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Tracing, endpoint string) (trace.SpanExporter, error) {
	opts, err := exporterOptions(cfg, endpoint)
	if err != nil {
		return nil, err
	}
	return otlptracehttp.New(ctx, opts...)
}

// exporterOptions passes a URL endpoint through WithEndpointURL so its
// scheme and base path are honored; a bare host:port keeps the defaults.
func exporterOptions(cfg Tracing, endpoint string) ([]otlptracehttp.Option, error) {
	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		u, err := tracesURL(endpoint)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithEndpointURL(u))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.Timeout))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return opts, nil
}

// tracesURL appends the OTLP traces path to a base collector URL.
func tracesURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("otlp endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("otlp endpoint %q: want an http(s) URL", endpoint)
	}
	if !strings.HasSuffix(u.Path, "/v1/traces") {
		u.Path = strings.TrimRight(u.Path, "/") + "/v1/traces"
	}
	return u.String(), nil
}

func parseSampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	ratio := 1.0
	if v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(v, 0), 1)
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient wraps client's transport so outbound calls carry spans.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}
