package config

const (
	// Upstream API configuration
	UpstreamURL     = "http://localhost:8080"
	UserIDs         = 5
	MaxCalls        = 16
	MaxCallsPerHost = 4
	CacheEntries    = 256
	RequestsPerSec  = 20
	RateLimitBurst  = 10

	// Server configuration
	MetricsPort = ":2112"

	// OpenTelemetry configuration
	OTLPEndpoint   = "localhost:4317"
	ServiceName    = "relay-example"
	ServiceVersion = "0.1.0"

	// Operation intervals
	PollInterval = 5 // seconds
)
