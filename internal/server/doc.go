// Package server exposes the relay over HTTP: health and stats, the admin
// restart and stop controls, Prometheus metrics and the viewer endpoints.
//
// Every route shares one middleware chain of request IDs, logging, metrics,
// security headers, CORS and rate limiting.
package server
