// Package progress carries crawl progress events from the engine to
// observers. A Hub buffers events without ever blocking the crawl and fans
// batches out to sinks such as structured logs or Prometheus collectors.
package progress
