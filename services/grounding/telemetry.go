// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grounding

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/AleutianAI/AleutianGrounding/services/grounding/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrUnknownExporter is returned for an exporter name InitTelemetry does
// not know.
var ErrUnknownExporter = errors.New("unknown telemetry exporter")

// Telemetry is the initialized tracing and metrics stack.
type Telemetry struct {
	// MetricsHandler serves /metrics. It always includes the Prometheus
	// default registry; with the prometheus metric exporter it also carries
	// the OTel instruments.
	MetricsHandler http.Handler

	shutdown []func(context.Context) error
}

// InitTelemetry installs the global TracerProvider, MeterProvider and
// propagator described by cfg.
//
// # Inputs
//
//   - ctx: Used for exporter connections.
//   - cfg: Exporter selection. "none" leaves the corresponding global
//     provider as the OTel no-op.
//
// # Outputs
//
//   - *Telemetry: Call Shutdown on exit.
//   - error: Unknown exporter or exporter construction failure.
//
// # Thread Safety
//
// Call once at startup.
func InitTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{MetricsHandler: promhttp.Handler()}
	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	// --- TRACES ---
	var spanExporter sdktrace.SpanExporter
	switch cfg.TraceExporter {
	case "none", "":
	case "otlp":
		creds := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}))
		if cfg.OTLPInsecure {
			creds = grpc.WithTransportCredentials(insecure.NewCredentials())
		}
		conn, err := grpc.NewClient(cfg.OTLPEndpoint, creds)
		if err != nil {
			return nil, fmt.Errorf("create otlp grpc connection: %w", err)
		}
		t.shutdown = append(t.shutdown, func(context.Context) error { return conn.Close() })
		spanExporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
	case "stdout":
		var err error
		spanExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: trace exporter %q", ErrUnknownExporter, cfg.TraceExporter)
	}
	if spanExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spanExporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		)
		otel.SetTracerProvider(tp)
		// provider first so buffered spans flush before the connection closes
		t.shutdown = append([]func(context.Context) error{tp.Shutdown}, t.shutdown...)
	}

	// --- METRICS ---
	var reader sdkmetric.Reader
	switch cfg.MetricExporter {
	case "none", "":
	case "prometheus":
		exp, err := promexporter.New()
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		reader = exp
	case "stdout":
		exp, err := stdoutmetric.New()
		if err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	default:
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("%w: metric exporter %q", ErrUnknownExporter, cfg.MetricExporter)
	}
	if reader != nil {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		t.shutdown = append([]func(context.Context) error{mp.Shutdown}, t.shutdown...)
	}
	return t, nil
}

// Shutdown flushes and stops every exporter. All errors are returned joined.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
