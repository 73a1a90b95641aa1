package holdtestrig

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
)

const (
	defaultSampleInterval    = 100 * time.Millisecond
	defaultInactivityTimeout = 8 * time.Second
)

var errAlreadyMonitoring = errors.New("inactivity monitor already running")

// InactivityMonitor samples the presence input and calls back once when the value has not
// changed for longer than the timeout.
type InactivityMonitor struct {
	input    presenceInput
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	logger   logging.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewInactivityMonitor(input presenceInput, interval, timeout time.Duration, clk clock.Clock, logger logging.Logger) *InactivityMonitor {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	if timeout <= 0 {
		timeout = defaultInactivityTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &InactivityMonitor{
		input:    input,
		interval: interval,
		timeout:  timeout,
		clock:    clk,
		logger:   logger,
	}
}

// StartMonitoring begins a monitoring session. callback runs on the sampling goroutine
// and must not block; it fires at most once per session.
func (m *InactivityMonitor) StartMonitoring(callback func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return errAlreadyMonitoring
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.samplingLoop(ctx, m.done, callback)
	m.logger.Debugf("presence monitoring started (interval %v, timeout %v)", m.interval, m.timeout)
	return nil
}

// StopMonitoring ends the session and returns only after the sampling loop has exited,
// so the callback cannot fire afterwards. Stopping an idle monitor is a no-op.
func (m *InactivityMonitor) StopMonitoring() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Debugf("presence monitoring stopped")
}

func (m *InactivityMonitor) samplingLoop(ctx context.Context, done chan struct{}, callback func()) {
	defer close(done)

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	var (
		last       bool
		haveSample bool
		fired      bool
	)
	lastChange := m.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		value, err := m.input.ReadPresence(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warnf("failed to read presence input: %v", err)
			continue
		}

		now := m.clock.Now()
		if !haveSample {
			last, haveSample = value, true
		}
		if value != last {
			last = value
			lastChange = now
			continue
		}
		if fired || now.Sub(lastChange) <= m.timeout {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		fired = true
		m.logger.Warnf("presence input held at %v for %v, firing inactivity callback", last, m.timeout)
		if callback != nil {
			callback()
		}
	}
}
