//go:build !otelotlp

// Package otelobs gates OpenTelemetry behind the otelotlp build tag so
// plain builds stay free of exporter weight. The default build keeps the
// same surface with no-op implementations.
package otelobs

import (
	"context"
	"net/http"
)

// InitTracer installs nothing in the default build and returns a
// shutdown func that is always safe to call. Build with -tags otelotlp
// for the OTLP-backed implementation.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}

// WrapHTTPHandler returns h unchanged in the default build.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler { return h }

// WrapHTTPTransport returns t unchanged in the default build.
func WrapHTTPTransport(t http.RoundTripper) http.RoundTripper { return t }
