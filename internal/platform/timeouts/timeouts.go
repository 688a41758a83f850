// Package timeouts defines shared timeout constants for the offline cache and
// the processes that drive it.
package timeouts

import "time"

// ArchiveFetch caps a single remote tile archive download. Archives are
// several megabytes, so this is longer than a JSON request.
const ArchiveFetch = 30 * time.Second

// APIRequest caps a JSON request to the predictive-services API.
const APIRequest = 10 * time.Second

// Shutdown limits how long a process waits for in-flight work and telemetry
// flushes during graceful shutdown.
const Shutdown = 5 * time.Second
