package syncq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const probeTimeout = 5 * time.Second

// NetworkMonitor tracks reachability of the remote. Status comes from periodic
// probes and from push signals; onChange only fires on an actual transition.
type NetworkMonitor struct {
	prober   Prober
	clock    clockwork.Clock
	onChange func(online bool)

	online bool
	mu     sync.Mutex
	// serializes transitions so listeners see them in order
	notifyMu sync.Mutex

	poll   *task
	pollMu sync.Mutex
}

// NewNetworkMonitor starts in the online state. prober may be nil, in which case only
// SetOnline changes the status.
func NewNetworkMonitor(prober Prober, clock clockwork.Clock, onChange func(online bool)) *NetworkMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &NetworkMonitor{
		prober:   prober,
		clock:    clock,
		onChange: onChange,
		online:   true,
	}
}

func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a status and reports whether it changed.
func (m *NetworkMonitor) SetOnline(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return false
	}
	slog.Info("sync network", "online", online)
	if m.onChange != nil {
		m.onChange(online)
	}
	return true
}

// Check probes once and applies the result.
func (m *NetworkMonitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := m.prober.Probe(ctx)
	if err != nil {
		slog.Debug("sync network probe failed", "error", err)
	}
	online := err == nil
	m.SetOnline(online)
	return online
}

// Start polls the prober every interval until Stop or ctx is done. Calling Start
// again replaces the previous poller.
func (m *NetworkMonitor) Start(ctx context.Context, interval time.Duration) {
	if m.prober == nil {
		return
	}
	m.Check(ctx)

	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	m.poll.Stop()
	m.poll = every(m.clock, interval, func() {
		if ctx.Err() != nil {
			return
		}
		m.Check(ctx)
	})
}

func (m *NetworkMonitor) Stop() {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	m.poll.Stop()
	m.poll = nil
}
