package holdtestrig

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
)

var RunSensor = resource.NewModel("viamdemo", "hold-test-rig", "run-sensor")

func init() {
	resource.RegisterComponent(sensor.API, RunSensor,
		resource.Registration[sensor.Sensor, *RunSensorConfig]{
			Constructor: newRunSensor,
		},
	)
}

type RunSensorConfig struct {
	Controller string `json:"controller"`
	// SyncGraceSec keeps should_sync true for this long after a run ends.
	SyncGraceSec float64 `json:"sync_grace_sec,omitempty"`
}

func (cfg *RunSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, fmt.Errorf("%s: controller is required", path)
	}
	if cfg.SyncGraceSec < 0 {
		return nil, nil, fmt.Errorf("%s: sync_grace_sec must not be negative", path)
	}
	return []string{generic.Named(cfg.Controller).String()}, nil, nil
}

// runSource is what the run sensor reads from the controller.
type runSource interface {
	ActiveRun() *RunRecord
	LatestRun() (RunRecord, bool)
	TranscodeState() string
}

// runSensor turns the controller's run state into readings for data capture. should_sync
// is true while a run is in progress and for the configured grace after it ends, so the
// outcome lands in the synced data.
type runSensor struct {
	resource.AlwaysRebuild

	name      resource.Name
	logger    logging.Logger
	runs      runSource
	clock     clock.Clock
	syncGrace time.Duration
}

func newRunSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*RunSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	ctrl, ok := deps[generic.Named(conf.Controller)]
	if !ok {
		return nil, fmt.Errorf("controller %q not found in dependencies", conf.Controller)
	}
	runs, ok := ctrl.(runSource)
	if !ok {
		return nil, fmt.Errorf("controller %q is not a hold-test-rig controller", conf.Controller)
	}

	return &runSensor{
		name:      rawConf.ResourceName(),
		logger:    logger,
		runs:      runs,
		clock:     clock.New(),
		syncGrace: time.Duration(conf.SyncGraceSec * float64(time.Second)),
	}, nil
}

func (s *runSensor) Name() resource.Name {
	return s.name
}

func (s *runSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	now := s.clock.Now()
	readings := map[string]interface{}{
		"running":    false,
		"transcoder": s.runs.TranscodeState(),
	}

	if active := s.runs.ActiveRun(); active != nil {
		requested := active.RequestedDuration()
		elapsed := max(now.Sub(active.StartTime), 0)
		readings["running"] = true
		readings["should_sync"] = true
		readings["run_id"] = active.ID
		readings["sample_code"] = active.Label
		readings["elapsed_s"] = elapsed.Seconds()
		readings["remaining_s"] = max(requested-elapsed, 0).Seconds()
		readings["progress"] = min(elapsed.Seconds()/requested.Seconds(), 1)
		return readings, nil
	}

	readings["should_sync"] = false
	last, ok := s.runs.LatestRun()
	if !ok {
		return readings, nil
	}
	readings["last_run_id"] = last.ID
	readings["last_status"] = string(last.Status)
	if last.FailureReason != "" {
		readings["last_failure_reason"] = last.FailureReason
	}
	if last.EndTime != nil && now.Sub(*last.EndTime) < s.syncGrace {
		readings["should_sync"] = true
	}
	return readings, nil
}

func (s *runSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on run-sensor")
}

func (s *runSensor) Close(context.Context) error {
	return nil
}
