// Package telemetry provides OpenTelemetry metrics for reach.
// It configures a meter provider that exports via OTLP/HTTP.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url"` // OTLP HTTP endpoint, e.g. "http://localhost:4318"
	AuthToken string `mapstructure:"auth_token"`                        // Basic auth token (base64 encoded user:pass)
}

// Provider holds the initialized meter provider.
type Provider struct {
	MeterProvider *metric.MeterProvider
}

// NewProvider configures the global meter provider.
// Returns a noop provider if telemetry is disabled.
// The returned shutdown function must be called on application exit.
func NewProvider(ctx context.Context, cfg Config, serviceName, version string) (*Provider, func(context.Context), error) {
	noop := func(context.Context) {}

	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Provider{}, noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
		resource.WithOS(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, noop, fmt.Errorf("create resource: %w", err)
	}

	parsedURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, noop, fmt.Errorf("parse endpoint URL: %w", err)
	}

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(parsedURL.Host),
	}
	if cfg.AuthToken != "" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + cfg.AuthToken,
		}))
	}
	if basePath := strings.TrimSuffix(parsedURL.Path, "/"); basePath != "" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithURLPath(basePath+"/v1/metrics"))
	}
	if parsedURL.Scheme == "http" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, noop, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExp)),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) {
		_ = mp.Shutdown(ctx)
	}

	return &Provider{MeterProvider: mp}, shutdown, nil
}
