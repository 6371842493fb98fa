// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments. All maps are guarded by a single RWMutex, which makes every
// increment-and-compare naturally atomic; a background goroutine garbage
// collects expired revocation markers and rate counters.
package memory
