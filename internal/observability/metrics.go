package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Metrics owns the meter provider and the Prometheus registry its readings are
// exposed through.
type Metrics struct {
	provider *metric.MeterProvider
	registry *promclient.Registry
	server   *http.Server
	textfile string
}

// InitMetrics installs a global meter provider backed by a Prometheus
// exporter. With listenAddr set, /metrics is served there until Shutdown.
// With textfile set, Shutdown writes the final readings in the text format
// picked up by node_exporter's textfile collector.
func InitMetrics(listenAddr, textfile string) (*Metrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{provider: provider, registry: registry, textfile: textfile}
	if listenAddr != "" {
		ln, err := net.Listen("tcp", listenAddr)
		if err != nil {
			_ = provider.Shutdown(context.Background())
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() { _ = m.server.Serve(ln) }()
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Meter returns a meter from this provider.
func (m *Metrics) Meter(name string) otelmetric.Meter {
	return m.provider.Meter(name)
}

// Shutdown writes the textfile, stops the listener and the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	var errs []error
	if m.textfile != "" {
		if err := promclient.WriteToTextfile(m.textfile, m.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Meter returns the named meter from the global provider.
func Meter(name string) otelmetric.Meter {
	return otel.Meter(name)
}
