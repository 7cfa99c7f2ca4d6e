package runner

import (
	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

const (
	// WorkerBasePort is the first port of worker 0.
	WorkerBasePort = 14000
	// PortsPerWorker is the size of every worker's port range.
	PortsPerWorker = 100
	// MainBasePort is the first port of the main goroutine. Its range ends
	// below WorkerBasePort.
	MainBasePort = 12010
)

// PortRange returns the inclusive port range reserved for w. Ranges of
// distinct workers never overlap, so servers started concurrently by
// different workers cannot collide on a listening port.
func PortRange(w types.WorkerContext) (lo, hi int) {
	if w.IsMain() {
		return MainBasePort, MainBasePort + PortsPerWorker - 1
	}
	lo = WorkerBasePort + *w.Index*PortsPerWorker
	return lo, lo + PortsPerWorker - 1
}
