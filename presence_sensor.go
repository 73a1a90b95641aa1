package holdtestrig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var PresenceSensor = resource.NewModel("viamdemo", "hold-test-rig", "presence-sensor")

func init() {
	resource.RegisterComponent(sensor.API, PresenceSensor,
		resource.Registration[sensor.Sensor, *PresenceSensorConfig]{
			Constructor: newPresenceSensor,
		},
	)
}

type PresenceSensorConfig struct {
	Board        string `json:"board,omitempty"`          // board carrying the IR beam input
	Pin          string `json:"pin,omitempty"`            // GPIO pin name on board
	UseMock      bool   `json:"use_mock,omitempty"`       // optional: simulate a swinging load instead of hardware
	MockPeriodMs int    `json:"mock_period_ms,omitempty"` // mock toggle period (default: 1000)
	SampleRateHz int    `json:"sample_rate_hz,omitempty"` // default: 10
}

func (cfg *PresenceSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.UseMock {
		return nil, nil, nil
	}
	if cfg.Board == "" {
		return nil, nil, fmt.Errorf("%s: board is required unless use_mock is set", path)
	}
	if cfg.Pin == "" {
		return nil, nil, fmt.Errorf("%s: pin is required", path)
	}
	return []string{cfg.Board}, nil, nil
}

// presenceSensor publishes the rig's beam input as a sensor so it can be captured and
// fed to the controller's presence_sensor.
type presenceSensor struct {
	resource.AlwaysRebuild

	name         resource.Name
	logger       logging.Logger
	reader       presenceInput
	sampleRateHz int
	workers      *utils.StoppableWorkers

	mu          sync.Mutex
	value       bool
	haveValue   bool
	transitions int
	lastChange  time.Time
	lastErr     error
}

func newPresenceSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*PresenceSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	sampleRate := conf.SampleRateHz
	if sampleRate <= 0 {
		sampleRate = 10
	}

	var reader presenceInput
	if conf.UseMock {
		reader = newMockPresenceInput(time.Duration(conf.MockPeriodMs) * time.Millisecond)
		logger.Infof("presence-sensor using mock input (use_mock=true)")
	} else {
		b, err := board.FromDependencies(deps, conf.Board)
		if err != nil {
			return nil, fmt.Errorf("getting board: %w", err)
		}
		reader, err = newGPIOPresenceInput(b, conf.Pin)
		if err != nil {
			return nil, err
		}
		logger.Infof("presence-sensor reading pin %q on board %q", conf.Pin, conf.Board)
	}

	ps := &presenceSensor{
		name:         rawConf.ResourceName(),
		logger:       logger,
		reader:       reader,
		sampleRateHz: sampleRate,
	}
	ps.workers = utils.NewBackgroundStoppableWorkers(ps.samplingLoop)
	return ps, nil
}

func (ps *presenceSensor) Name() resource.Name {
	return ps.name
}

func (ps *presenceSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.haveValue {
		if ps.lastErr != nil {
			return nil, fmt.Errorf("no presence sample yet: %w", ps.lastErr)
		}
		return nil, fmt.Errorf("no presence sample yet")
	}
	return map[string]interface{}{
		"value":       ps.value,
		"transitions": ps.transitions,
		"last_change": ps.lastChange.Format(time.RFC3339Nano),
	}, nil
}

func (ps *presenceSensor) samplingLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(ps.sampleRateHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ps.sample(ctx)
	}
}

func (ps *presenceSensor) sample(ctx context.Context) {
	value, err := ps.reader.ReadPresence(ctx)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err != nil {
		if ps.lastErr == nil {
			ps.logger.Warnf("failed to read presence: %v", err)
		}
		ps.lastErr = err
		return
	}
	ps.lastErr = nil
	now := time.Now()
	switch {
	case !ps.haveValue:
		ps.value, ps.haveValue, ps.lastChange = value, true, now
	case value != ps.value:
		ps.value = value
		ps.transitions++
		ps.lastChange = now
	}
}

func (ps *presenceSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	mock, isMock := ps.reader.(*mockPresenceInput)
	switch command {
	case "hold":
		if !isMock {
			return nil, fmt.Errorf("hold is only supported with use_mock")
		}
		value, _ := cmd["value"].(bool)
		mock.Hold(value)
		ps.logger.Infof("mock presence held at %v", value)
		return map[string]interface{}{"status": "held", "value": value}, nil
	case "resume":
		if !isMock {
			return nil, fmt.Errorf("resume is only supported with use_mock")
		}
		mock.Resume()
		return map[string]interface{}{"status": "toggling"}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (ps *presenceSensor) Close(context.Context) error {
	ps.workers.Stop()
	return nil
}
