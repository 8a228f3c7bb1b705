// Package constants centralizes default configuration values shared by
// the public API and the command-line entry point.
package constants

import "time"

// Default controller configuration.
const (
	// DefaultMemorySize is the size of the emulated host memory region
	// a Controller allocates when no explicit size is given: large
	// enough for an admin queue pair plus a handful of I/O queue pairs
	// and their PRP-addressed payloads.
	DefaultMemorySize = 16 << 20 // 16MB

	// DefaultTickInterval is the worker's wake interval in timed-worker
	// mode (§5). Zero selects the single-threaded cooperative mode
	// where a test harness drives CheckForChanges directly.
	DefaultTickInterval = 1 * time.Millisecond

	// DefaultMemoryPageSizeShift is the CC.MPS value a freshly enabled
	// controller is configured with, giving a 4KB memory page size
	// (2^(12+0)).
	DefaultMemoryPageSizeShift = 0

	// DefaultAdminQueueSize is the zero-based admin queue size (AQA
	// ASQS/ACQS) a Controller programs by default: 64 entries.
	DefaultAdminQueueSize = 63
)

// ShutdownGracePeriod is how long StopAndDelete waits for an in-flight
// tick to finish before giving up and closing the host memory region
// out from under it.
const ShutdownGracePeriod = 1 * time.Second
