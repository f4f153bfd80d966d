// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long a server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// CollaboratorConnect caps the TCP connect wait when invoking a
// collaborator endpoint. Per-call deadlines come from step definitions.
const CollaboratorConnect = 2 * time.Second

// StoreBusy is how long SQLite waits on a locked database before
// returning SQLITE_BUSY. Orchestrator and sweeper share one database
// file, so writes must tolerate short lock contention.
const StoreBusy = 5 * time.Second
