// Package metrics holds the prometheus collectors daggy updates while a
// session runs.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DataEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daggy_data_events_total",
			Help: "Total number of output chunks read from commands.",
		},
		[]string{"source", "stream"},
	)

	DataBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daggy_data_bytes_total",
			Help: "Total number of output bytes read from commands.",
		},
		[]string{"source", "stream"},
	)

	DroppedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daggy_dropped_events_total",
			Help: "Total number of events dropped because the sink queue was full.",
		},
		[]string{"source"},
	)

	ProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daggy_provider_errors_total",
			Help: "Total number of errors recorded by the session.",
		},
		[]string{"source", "kind"},
	)

	ConnectionHandles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "daggy_connection_handles",
			Help: "Number of live shared transport handles.",
		},
		[]string{"host"},
	)

	ConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daggy_connect_attempts_total",
			Help: "Total number of transport handshakes attempted.",
		},
		[]string{"host", "status"},
	)

	TransportTeardownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daggy_transport_teardowns_total",
			Help: "Total number of shared transports torn down.",
		},
		[]string{"host"},
	)
)

func init() {
	prometheus.MustRegister(DataEventsTotal)
	prometheus.MustRegister(DataBytesTotal)
	prometheus.MustRegister(DroppedEventsTotal)
	prometheus.MustRegister(ProviderErrorsTotal)
	prometheus.MustRegister(ConnectionHandles)
	prometheus.MustRegister(ConnectAttemptsTotal)
	prometheus.MustRegister(TransportTeardownsTotal)
}

// Server exposes the default registry on /metrics.
type Server struct {
	srv *http.Server
}

// Serve starts serving metrics on addr in the background. Listen errors
// other than a requested shutdown are passed to onErr.
func Serve(addr string, onErr func(error)) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onErr != nil {
			onErr(err)
		}
	}()
	return s
}

// Close stops the server.
func (s *Server) Close() error {
	return s.srv.Close()
}
