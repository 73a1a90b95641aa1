package holdtestrig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/sensor"
)

// presenceInput abstracts the rig's binary presence sensor for mock vs hardware implementations
type presenceInput interface {
	ReadPresence(ctx context.Context) (bool, error)
}

// mockPresenceInput simulates an IR beam interrupted by a swinging load: the value flips
// every period until Hold pins it
type mockPresenceInput struct {
	mu      sync.Mutex
	period  time.Duration
	started time.Time
	held    bool
	value   bool
}

func newMockPresenceInput(period time.Duration) *mockPresenceInput {
	if period <= 0 {
		period = time.Second
	}
	return &mockPresenceInput{period: period, started: time.Now()}
}

func (m *mockPresenceInput) ReadPresence(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return m.value, nil
	}
	return (time.Since(m.started)/m.period)%2 == 0, nil
}

// Hold freezes the input at value, simulating the load having fallen off the rig.
func (m *mockPresenceInput) Hold(value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = true
	m.value = value
}

// Resume lets the input toggle again.
func (m *mockPresenceInput) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = false
}

// gpioPresenceInput reads a digital pin on a Viam board component
type gpioPresenceInput struct {
	pin board.GPIOPin
}

func newGPIOPresenceInput(b board.Board, pinName string) (*gpioPresenceInput, error) {
	pin, err := b.GPIOPinByName(pinName)
	if err != nil {
		return nil, fmt.Errorf("getting presence pin %q: %w", pinName, err)
	}
	return &gpioPresenceInput{pin: pin}, nil
}

func (g *gpioPresenceInput) ReadPresence(ctx context.Context) (bool, error) {
	return g.pin.Get(ctx, nil)
}

// sensorPresenceInput wraps a Viam sensor component whose readings carry the presence value
type sensorPresenceInput struct {
	sensor sensor.Sensor
	key    string
}

func newSensorPresenceInput(s sensor.Sensor, key string) *sensorPresenceInput {
	if key == "" {
		key = "value"
	}
	return &sensorPresenceInput{sensor: s, key: key}
}

func (r *sensorPresenceInput) ReadPresence(ctx context.Context) (bool, error) {
	readings, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return false, err
	}

	val, ok := readings[r.key]
	if !ok {
		return false, fmt.Errorf("sensor readings missing %q key", r.key)
	}

	switch v := val.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("sensor reading %q is not boolean or numeric: %T", r.key, val)
	}
}
