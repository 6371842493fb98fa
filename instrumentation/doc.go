// Package instrumentation provides OpenTelemetry metrics and tracing for
// the trust core. When disabled it swaps in no-op providers so call sites
// never have to nil-check instruments.
package instrumentation
