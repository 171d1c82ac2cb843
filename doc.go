// Package fitopt is the data optimization core of the sport tracker client:
// it decides what to fetch, when to fetch it and what to keep, so the app
// stays responsive on slow networks while the backend bill stays bounded.
//
// # Architecture
//
// One engine owns exactly one instance of each component and hands each its
// collaborators:
//
//	┌─────────────────────────────────────┐
//	│             engine                  │  Composition, lifecycle,
//	│  (start, stop, health, snapshot)    │  maintenance loops
//	└─────────────────────────────────────┘
//	           ↓ owns
//	┌──────────┬──────────┬──────────────┐
//	│  query   │ realtime │   prefetch   │  Cached reads, change
//	│ executor │ manager  │  + preload   │  feeds, speculation
//	└──────────┴──────────┴──────────────┘
//	           ↓ report to
//	┌─────────────────────────────────────┐
//	│              usage                  │  Quotas, alerts,
//	│        (monitor, alerts)            │  suggestions
//	└─────────────────────────────────────┘
//	           ↓ run against
//	┌─────────────────────────────────────┐
//	│             backend                 │  memory, postgres,
//	│   (executor, realtime channels)     │  nats, websocket
//	└─────────────────────────────────────┘
//
// # Components
//
//   - pkg/cache: TTL + LRU response cache with tag invalidation
//   - query: single-flight cached reads, batching, optimistic writes
//   - realtime: priority-ranked change subscriptions with throttling,
//     batching and adaptive teardown
//   - prefetch: behavior-learned speculation gated on device state
//   - preload: route preloading on startup, idle, hover and schedule
//   - usage: call accounting against quotas with alerts
//
// # Supporting Packages
//
//   - backend/...: the data backends behind the executor and realtime
//     interfaces
//   - kvstore: persistence of the learned prediction models (memory, bolt,
//     NATS KV)
//   - config: layered JSON/YAML loading, environment overrides and
//     NATS KV synchronization
//   - diagnostics: the HTTP surface (health, stats, activity, metrics)
//   - health, metric, errors: ambient status, Prometheus and classified
//     errors
//
// # Running
//
//	go build -o bin/fitoptd ./cmd/fitoptd
//	./bin/fitoptd --config configs/fitopt.yaml
//
// Without a configuration file every backend is in memory and the models
// are not persisted, which is enough to explore the diagnostics endpoints.
package fitopt
