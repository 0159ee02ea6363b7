package medsync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnectivityProbe reports current network reachability. Implementations
// wrap the platform connectivity API; tests use a fake.
type ConnectivityProbe interface {
	Online(ctx context.Context) bool
}

// ConnectivityProbeFunc adapts a function to a ConnectivityProbe.
type ConnectivityProbeFunc func(ctx context.Context) bool

// Online implements ConnectivityProbe.
func (f ConnectivityProbeFunc) Online(ctx context.Context) bool { return f(ctx) }

// NetworkMonitor tracks a two-state connectivity machine and notifies
// listeners on transitions. State changes arrive either from the platform
// via SetOnline or from an optional polling probe.
type NetworkMonitor struct {
	mu        sync.RWMutex
	online    bool
	listeners map[int]func(online bool)
	nextID    int

	probe    ConnectivityProbe
	interval time.Duration
	logger   *slog.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewNetworkMonitor creates a monitor. probe may be nil, in which case the
// monitor starts online and changes state only through SetOnline.
func NewNetworkMonitor(probe ConnectivityProbe, interval time.Duration, logger *slog.Logger) *NetworkMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &NetworkMonitor{
		online:    true,
		listeners: make(map[int]func(online bool)),
		probe:     probe,
		interval:  interval,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start begins probe polling. A no-op without a probe.
func (m *NetworkMonitor) Start() {
	if m.probe == nil {
		return
	}
	m.wg.Add(1)
	go m.pollLoop()
}

// Stop ends probe polling.
func (m *NetworkMonitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *NetworkMonitor) pollLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			online := m.probe.Online(ctx)
			cancel()
			m.SetOnline(online)
		}
	}
}

// Online reports the current state.
func (m *NetworkMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline ingests a connectivity change. Setting the current state again
// is a no-op; on a transition every listener runs once, outside the
// monitor's lock.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range listeners {
		fn(online)
	}
}

// AddListener registers a transition callback and returns its id.
func (m *NetworkMonitor) AddListener(fn func(online bool)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return id
}

// RemoveListener unregisters a callback by id.
func (m *NetworkMonitor) RemoveListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}
