package nanokernel

import (
	"sync/atomic"

	"github.com/go-nanokernel/nanokernel/internal/interfaces"
)

// ipcWaitBuckets defines the IPC-wait-latency histogram in clock
// cycles (this simulator's only clock is the cycle counter behind
// get_cycles, so latency is tracked in cycles rather than
// wall-clock time).
var ipcWaitBuckets = []uint64{10, 100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000, 100_000_000}

const numIPCWaitBuckets = 8

// Metrics accumulates scheduler/IPC/futex/interrupt counters for one
// kernel instance. Every method is safe for concurrent use, since
// driving-loop goroutines on every core call into it.
type Metrics struct {
	Activations      atomic.Uint64
	Switches         atomic.Uint64
	IPCDeliveries    atomic.Uint64
	IPCWaitCycles    atomic.Uint64
	FutexWakes       atomic.Uint64
	FutexPendingHits atomic.Uint64 // signals that found no waiter and were buffered
	IRQDeliveries    atomic.Uint64

	ipcWaitHistogram [numIPCWaitBuckets]atomic.Uint64
}

// NewMetrics returns a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

// ObserveActivate implements interfaces.Observer.
func (m *Metrics) ObserveActivate(priority int) { m.Activations.Add(1) }

// ObserveSwitch implements interfaces.Observer.
func (m *Metrics) ObserveSwitch(fromTid, toTid int) { m.Switches.Add(1) }

// ObserveIPCDelivery implements interfaces.Observer.
func (m *Metrics) ObserveIPCDelivery(waitedCycles uint64) {
	m.IPCDeliveries.Add(1)
	m.IPCWaitCycles.Add(waitedCycles)
	for i, b := range ipcWaitBuckets {
		if waitedCycles <= b {
			m.ipcWaitHistogram[i].Add(1)
		}
	}
}

// ObserveFutexWake implements interfaces.Observer.
func (m *Metrics) ObserveFutexWake(hadWaiter bool) {
	m.FutexWakes.Add(1)
	if !hadWaiter {
		m.FutexPendingHits.Add(1)
	}
}

// ObserveIRQDelivery implements interfaces.Observer.
func (m *Metrics) ObserveIRQDelivery(irq int) { m.IRQDeliveries.Add(1) }

// MetricsSnapshot is a point-in-time read of every counter.
type MetricsSnapshot struct {
	Activations      uint64
	Switches         uint64
	IPCDeliveries    uint64
	AvgIPCWaitCycles uint64
	FutexWakes       uint64
	FutexPendingHits uint64
	IRQDeliveries    uint64
	IPCWaitHistogram [numIPCWaitBuckets]uint64
}

// Snapshot computes a consistent-enough point-in-time view. Individual
// counters may be read a few increments apart under concurrent load;
// this is a monitoring surface, not a correctness one.
func (m *Metrics) Snapshot() MetricsSnapshot {
	deliveries := m.IPCDeliveries.Load()
	var avg uint64
	if deliveries > 0 {
		avg = m.IPCWaitCycles.Load() / deliveries
	}
	snap := MetricsSnapshot{
		Activations:      m.Activations.Load(),
		Switches:         m.Switches.Load(),
		IPCDeliveries:    deliveries,
		AvgIPCWaitCycles: avg,
		FutexWakes:       m.FutexWakes.Load(),
		FutexPendingHits: m.FutexPendingHits.Load(),
		IRQDeliveries:    m.IRQDeliveries.Load(),
	}
	for i := range m.ipcWaitHistogram {
		snap.IPCWaitHistogram[i] = m.ipcWaitHistogram[i].Load()
	}
	return snap
}

var _ interfaces.Observer = (*Metrics)(nil)
