// Package metrics contains abstractions for emission of metrics generated throughout the lifetime
// of the application. Currently, the only supported metrics output engine is statsd.
//
// Metrics are generated at various points in a forwarded query's lifecycle: when the client
// datagram arrives, on every upstream attempt, and when the session is answered or fails. The
// emissions in this package are therefore structured around the notion of hooks: a hook interface
// defines methods that are invoked by the proxy's main logic routines, and implementations of hook
// interfaces actually output the metrics to a backend engine.
package metrics
