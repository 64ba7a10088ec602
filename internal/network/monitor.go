// Package network tracks whether the remote store is reachable.
package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
)

// DefaultInterval is the default reachability check period.
const DefaultInterval = 30 * time.Second

// Pinger is satisfied by remote.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor polls a Pinger and reports connectivity changes.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	online   atomic.Bool
	log      *logging.Logger

	mu        sync.Mutex
	callbacks []func(online bool)
	running   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor that starts offline until the first check.
func NewMonitor(p Pinger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Monitor{
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		log:      logging.WithComponent("network"),
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnChange registers fn to be called with the new state after every change.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Check pings once and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(pctx)
	if err != nil {
		m.log.Debug("remote unreachable", map[string]interface{}{"error": err.Error()})
	}
	m.Set(err == nil)
	return err == nil
}

// Set records state, notifying the callbacks when it changed.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.log.Info("connectivity changed", map[string]interface{}{"online": online})

	m.mu.Lock()
	callbacks := append([]func(bool){}, m.callbacks...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(online)
	}
}

// Start checks immediately and then every interval until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Check(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}
