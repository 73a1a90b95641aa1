package holdtestrig

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
)

type stubRunSource struct {
	active *RunRecord
	latest *RunRecord
}

func (s *stubRunSource) ActiveRun() *RunRecord {
	return s.active
}

func (s *stubRunSource) LatestRun() (RunRecord, bool) {
	if s.latest == nil {
		return RunRecord{}, false
	}
	return *s.latest, true
}

func (s *stubRunSource) TranscodeState() string {
	return "idle"
}

func TestRunSensorConfig(t *testing.T) {
	t.Run("requires controller", func(t *testing.T) {
		cfg := &RunSensorConfig{}
		_, _, err := cfg.Validate("test")
		if err == nil {
			t.Error("expected error for missing controller")
		}
	})

	t.Run("rejects negative grace", func(t *testing.T) {
		cfg := &RunSensorConfig{Controller: "rig", SyncGraceSec: -1}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for negative sync_grace_sec")
		}
	})

	t.Run("depends on the generic controller", func(t *testing.T) {
		cfg := &RunSensorConfig{Controller: "my-controller"}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 1 || deps[0] != generic.Named("my-controller").String() {
			t.Errorf("unexpected dependencies %v", deps)
		}
	})
}

func TestRunSensor_Constructor(t *testing.T) {
	t.Run("fails if controller not found", func(t *testing.T) {
		logger := logging.NewTestLogger(t)
		rawConf := resource.Config{
			Name:                "test-sensor",
			API:                 sensor.API,
			Model:               RunSensor,
			ConvertedAttributes: &RunSensorConfig{Controller: "missing-controller"},
		}

		_, err := newRunSensor(context.Background(), resource.Dependencies{}, rawConf, logger)
		if err == nil {
			t.Error("expected error when controller not found")
		}
	})
}

func TestRunSensor_Readings(t *testing.T) {
	clk := clock.NewMock()
	start := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	clk.Set(start.Add(15 * time.Second))

	src := &stubRunSource{}
	s := &runSensor{
		logger:    logging.NewTestLogger(t),
		runs:      src,
		clock:     clk,
		syncGrace: 5 * time.Second,
	}
	ctx := context.Background()

	t.Run("no runs yet", func(t *testing.T) {
		readings, err := s.Readings(ctx, nil)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		if readings["running"] != false || readings["should_sync"] != false {
			t.Errorf("expected idle readings, got %v", readings)
		}
		if _, ok := readings["last_run_id"]; ok {
			t.Errorf("expected no last run, got %v", readings["last_run_id"])
		}
	})

	t.Run("active run reports progress", func(t *testing.T) {
		src.active = &RunRecord{ID: 7, StartTime: start, Label: "P7", Duration: 60, Status: StatusRunning}
		defer func() { src.active = nil }()

		readings, err := s.Readings(ctx, nil)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		if readings["running"] != true || readings["should_sync"] != true {
			t.Errorf("expected running readings, got %v", readings)
		}
		if readings["run_id"] != int64(7) || readings["sample_code"] != "P7" {
			t.Errorf("unexpected run identity %v / %v", readings["run_id"], readings["sample_code"])
		}
		if readings["elapsed_s"] != 15.0 || readings["remaining_s"] != 45.0 {
			t.Errorf("expected 15s elapsed and 45s remaining, got %v and %v", readings["elapsed_s"], readings["remaining_s"])
		}
		if readings["progress"] != 0.25 {
			t.Errorf("expected progress 0.25, got %v", readings["progress"])
		}
	})

	t.Run("finished run syncs during grace only", func(t *testing.T) {
		end := start.Add(12 * time.Second)
		src.latest = &RunRecord{
			ID:            7,
			StartTime:     start,
			Label:         "P7",
			Duration:      60,
			Status:        StatusFail,
			EndTime:       &end,
			FailureReason: defaultFailureReason,
		}

		readings, err := s.Readings(ctx, nil)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		if readings["should_sync"] != true {
			t.Errorf("expected should_sync within grace, got %v", readings["should_sync"])
		}
		if readings["last_status"] != string(StatusFail) || readings["last_failure_reason"] != defaultFailureReason {
			t.Errorf("unexpected last run readings %v", readings)
		}

		clk.Add(10 * time.Second)
		readings, err = s.Readings(ctx, nil)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		if readings["should_sync"] != false {
			t.Errorf("expected should_sync=false after grace, got %v", readings["should_sync"])
		}
	})
}

func TestRunSensor_ReadsController(t *testing.T) {
	logger := logging.NewTestLogger(t)

	ctrlName := generic.Named("test-controller")
	ctrl, err := NewController(context.Background(), resource.Dependencies{}, ctrlName, testConfig(t), logger)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	defer ctrl.Close(context.Background())

	rawConf := resource.Config{
		Name:                "test-sensor",
		API:                 sensor.API,
		Model:               RunSensor,
		ConvertedAttributes: &RunSensorConfig{Controller: "test-controller"},
	}
	s, err := newRunSensor(context.Background(), resource.Dependencies{ctrlName: ctrl}, rawConf, logger)
	if err != nil {
		t.Fatalf("newRunSensor failed: %v", err)
	}

	readings, err := s.Readings(context.Background(), nil)
	if err != nil {
		t.Fatalf("Readings failed: %v", err)
	}
	if readings["should_sync"] != false {
		t.Errorf("expected should_sync=false while idle, got %v", readings["should_sync"])
	}

	hctrl := ctrl.(*holdTestController)
	rec, err := hctrl.runs.StartRun(context.Background(), time.Minute, "S1")
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	readings, err = s.Readings(context.Background(), nil)
	if err != nil {
		t.Fatalf("Readings failed: %v", err)
	}
	if readings["run_id"] != rec.ID || readings["should_sync"] != true {
		t.Errorf("expected run %d syncing, got %v", rec.ID, readings)
	}

	hctrl.runs.StopRun(rec.ID, StatusPass, "")
	readings, err = s.Readings(context.Background(), nil)
	if err != nil {
		t.Fatalf("Readings failed: %v", err)
	}
	if readings["running"] != false || readings["last_run_id"] != rec.ID || readings["last_status"] != string(StatusPass) {
		t.Errorf("expected finished run %d, got %v", rec.ID, readings)
	}
}
