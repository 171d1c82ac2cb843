// Package config loads the daemon configuration.
//
// A Config carries one section per optimization component (cache, query,
// realtime, prefetch, preload, usage) plus the backend sections (nats,
// postgres, websocket, store) and the diagnostics listener.
//
// Loading merges layers over the defaults:
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.json") // overrides base
//	cfg, err := loader.Load()
//
// Files may be JSON or YAML, chosen by extension. Durations are written as
// strings ("30s", "14d") or integer nanoseconds. FITOPT_* environment
// variables override the file values last, then the result is validated.
//
// When a NATS config bucket is configured, Manager publishes the component
// sections to JetStream KV and notifies subscribers of remote edits.
package config
