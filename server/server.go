// Package server exposes an engine driver over HTTP so that stealth clients in other
// processes can share it through the remote driver.
package server

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/stealth/engine"
	"github.com/ditsuke/go-stealth/stealth/remote"
	"github.com/ditsuke/go-stealth/stealth/tlsclient"
)

// Config configures an ApiServer.
type Config struct {
	// Addr is the listen address.
	Addr string
	// APIKey, when set, must be sent in the x-api-key header of every API call.
	APIKey string
	// SessionTTL is how long an idle engine session is kept.
	SessionTTL time.Duration
	// MaxSessions caps the number of open engine sessions, 0 for no cap.
	MaxSessions int
	// Driver opens the engine sessions. Nil selects the tls-client driver.
	Driver engine.Driver
}

// ConfigFromEnv reads the server configuration from the environment.
func ConfigFromEnv() Config {
	ttl, err := time.ParseDuration(getEnvOrDefault("STEALTH_SESSION_TTL", DefaultSessionTTL.String()))
	if err != nil {
		klog.Warningf("Invalid STEALTH_SESSION_TTL, using %s: %s", DefaultSessionTTL, err)
		ttl = DefaultSessionTTL
	}
	maxSessions, err := strconv.Atoi(getEnvOrDefault("STEALTH_MAX_SESSIONS", "0"))
	if err != nil {
		klog.Warningf("Invalid STEALTH_MAX_SESSIONS, using no limit: %s", err)
		maxSessions = 0
	}
	return Config{
		Addr:        getEnvOrDefault("STEALTH_ADDR", ":8080"),
		APIKey:      os.Getenv("STEALTH_API_KEY"),
		SessionTTL:  ttl,
		MaxSessions: maxSessions,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// ApiServer serves the engine HTTP API.
type ApiServer struct {
	config   Config
	sessions *SessionCache
	registry *prometheus.Registry
}

// New creates a server and its session cache. Close releases the cache.
func New(config Config) *ApiServer {
	if config.Driver == nil {
		config.Driver = tlsclient.NewDriver()
	}
	s := &ApiServer{
		config:   config,
		sessions: NewSessionCache(config.Driver, config.SessionTTL, config.MaxSessions),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "stealth_engine",
			Name:      "cached_sessions",
			Help:      "Engine sessions held by the session cache.",
		}, func() float64 {
			total, _ := s.sessions.Stats()
			return float64(total)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "stealth_engine",
			Name:      "idle_sessions",
			Help:      "Cached engine sessions idle for more than a minute.",
		}, func() float64 {
			_, idle := s.sessions.Stats()
			return float64(idle)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "stealth_engine",
			Name:      "live_handles",
			Help:      "Engine handles open in this process.",
		}, func() float64 {
			return float64(engine.LiveHandles())
		}),
	)
	klog.Infof("Engine server configured: driver=%s ttl=%s max_sessions=%d auth=%v",
		config.Driver.Name(), s.sessions.ttl, config.MaxSessions, config.APIKey != "")
	return s
}

// Handler returns the HTTP handler serving the API, health and metrics endpoints.
func (s *ApiServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(remote.OpenSessionEndpoint, s.requireAPIKey(http.HandlerFunc(s.handleOpenSession)))
	mux.Handle(remote.ForwardEndpoint, s.requireAPIKey(http.HandlerFunc(s.handleForward)))
	mux.Handle(remote.FreeSessionEndpoint, s.requireAPIKey(http.HandlerFunc(s.handleFreeSession)))
	mux.HandleFunc(remote.HealthEndpoint, s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{s.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{},
	))
	return mux
}

// Close closes every cached engine session.
func (s *ApiServer) Close() error {
	return s.sessions.Close()
}
