package holdtestrig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var Controller = resource.NewModel("viamdemo", "hold-test-rig", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newHoldTestController,
		},
	)
}

type Config struct {
	// Camera source: exactly one of camera, video_device or use_mock_camera.
	Camera        string `json:"camera,omitempty"`
	VideoDevice   string `json:"video_device,omitempty"`
	UseMockCamera bool   `json:"use_mock_camera,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	FPS           int    `json:"fps,omitempty"`

	// Presence source: presence_board with presence_pin, presence_sensor, or use_mock_presence.
	PresenceBoard   string `json:"presence_board,omitempty"`
	PresencePin     string `json:"presence_pin,omitempty"`
	PresenceSensor  string `json:"presence_sensor,omitempty"`
	PresenceKey     string `json:"presence_key,omitempty"`
	UseMockPresence bool   `json:"use_mock_presence,omitempty"`

	LogDir               string  `json:"log_dir,omitempty"`  // default: $VIAM_MODULE_DATA/test_logs
	Timezone             string  `json:"timezone,omitempty"` // IANA name, default: local
	SampleIntervalMs     int     `json:"sample_interval_ms,omitempty"`
	InactivityTimeoutSec float64 `json:"inactivity_timeout_sec,omitempty"`
	FailureReason        string  `json:"failure_reason,omitempty"`
	TranscodeWorkers     int     `json:"transcode_workers,omitempty"`
	FeedPort             int     `json:"feed_port,omitempty"` // 0 disables the HTTP feed server
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	var deps []string

	cameraSources := 0
	if cfg.Camera != "" {
		cameraSources++
		deps = append(deps, cfg.Camera)
	}
	if cfg.VideoDevice != "" {
		cameraSources++
	}
	if cfg.UseMockCamera {
		cameraSources++
	}
	if cameraSources != 1 {
		return nil, nil, fmt.Errorf("%s: exactly one of camera, video_device or use_mock_camera is required", path)
	}

	switch {
	case cfg.UseMockPresence:
	case cfg.PresenceBoard != "":
		if cfg.PresencePin == "" {
			return nil, nil, fmt.Errorf("%s: presence_pin is required with presence_board", path)
		}
		deps = append(deps, cfg.PresenceBoard)
	case cfg.PresenceSensor != "":
		deps = append(deps, cfg.PresenceSensor)
	default:
		return nil, nil, fmt.Errorf("%s: one of presence_board, presence_sensor or use_mock_presence is required", path)
	}

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return nil, nil, fmt.Errorf("%s: invalid timezone %q: %w", path, cfg.Timezone, err)
		}
	}
	if cfg.Width < 0 || cfg.Height < 0 || cfg.FPS < 0 {
		return nil, nil, fmt.Errorf("%s: width, height and fps must not be negative", path)
	}
	if cfg.FeedPort < 0 || cfg.FeedPort > 65535 {
		return nil, nil, fmt.Errorf("%s: feed_port %d out of range", path, cfg.FeedPort)
	}
	return deps, nil, nil
}

func (cfg *Config) logDir() string {
	if cfg.LogDir != "" {
		return cfg.LogDir
	}
	if dataDir := os.Getenv("VIAM_MODULE_DATA"); dataDir != "" {
		return filepath.Join(dataDir, "test_logs")
	}
	return "test_logs"
}

type holdTestController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	camera     *CameraManager
	transcoder *Transcoder
	runs       *runRegistry
	feed       *feedServer
}

func newHoldTestController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	width, height, fps := conf.Width, conf.Height, conf.FPS
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if fps <= 0 {
		fps = defaultFrameRate
	}

	var opener deviceOpener
	switch {
	case conf.Camera != "":
		cam, err := camera.FromDependencies(deps, conf.Camera)
		if err != nil {
			return nil, fmt.Errorf("getting camera: %w", err)
		}
		opener = newViamCameraOpener(cam)
	case conf.VideoDevice != "":
		opener = newFFmpegOpener(conf.VideoDevice, width, height, fps, logger.Sublogger("camera"))
	default:
		opener = newMockOpener(width, height)
		logger.Infof("using mock camera (use_mock_camera=true)")
	}

	presence, err := presenceFromConfig(deps, conf, logger)
	if err != nil {
		return nil, err
	}

	location := time.Local
	if conf.Timezone != "" {
		location, err = time.LoadLocation(conf.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone: %w", err)
		}
	}

	logDir := conf.logDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	cameraManager := NewCameraManager(opener, fps, logger.Sublogger("camera"))
	transcoder := NewTranscoder(conf.TranscodeWorkers, fps, logger.Sublogger("transcoder"))
	if err := transcoder.Validate(ctx); err != nil {
		logger.Warnf("%v", err)
	}

	interval := time.Duration(conf.SampleIntervalMs) * time.Millisecond
	timeout := time.Duration(conf.InactivityTimeoutSec * float64(time.Second))
	monitorLogger := logger.Sublogger("inactivity")
	runs := newRunRegistry(cameraManager, transcoder, registryOptions{
		Dir:           logDir,
		Location:      location,
		FailureReason: conf.FailureReason,
		NewMonitor: func() runMonitor {
			return NewInactivityMonitor(presence, interval, timeout, nil, monitorLogger)
		},
	}, logger.Sublogger("runs"))

	s := &holdTestController{
		name:       name,
		logger:     logger,
		cfg:        conf,
		camera:     cameraManager,
		transcoder: transcoder,
		runs:       runs,
	}

	if conf.FeedPort > 0 {
		s.feed = newFeedServer(cameraManager, runs, logger.Sublogger("feed"))
		if err := s.feed.Start(conf.FeedPort); err != nil {
			transcoder.Close()
			runs.Close(ctx)
			return nil, err
		}
	}
	return s, nil
}

func presenceFromConfig(deps resource.Dependencies, conf *Config, logger logging.Logger) (presenceInput, error) {
	switch {
	case conf.UseMockPresence:
		logger.Infof("using mock presence input (use_mock_presence=true)")
		return newMockPresenceInput(time.Second), nil
	case conf.PresenceBoard != "":
		b, err := board.FromDependencies(deps, conf.PresenceBoard)
		if err != nil {
			return nil, fmt.Errorf("getting presence board: %w", err)
		}
		return newGPIOPresenceInput(b, conf.PresencePin)
	default:
		s, err := sensor.FromDependencies(deps, conf.PresenceSensor)
		if err != nil {
			return nil, fmt.Errorf("getting presence sensor: %w", err)
		}
		return newSensorPresenceInput(s, conf.PresenceKey), nil
	}
}

func (s *holdTestController) Name() resource.Name {
	return s.name
}

// ActiveRun returns the Running record, or nil when no run is in progress.
func (s *holdTestController) ActiveRun() *RunRecord {
	return s.runs.GetActiveStatus()
}

func (s *holdTestController) LatestRun() (RunRecord, bool) {
	return s.runs.LatestRun()
}

func (s *holdTestController) TranscodeState() string {
	return s.transcoder.Status().State
}

func (s *holdTestController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start":
		return s.handleStart(ctx, cmd)
	case "stop":
		return s.handleStop(cmd)
	case "status":
		return s.handleStatus(), nil
	case "list":
		return s.handleList(), nil
	case "get":
		return s.handleGet(cmd)
	case "delete":
		return s.handleDelete(cmd)
	case "delete_video":
		return s.handleDeleteVideo(cmd)
	case "download":
		return s.handleDownload(cmd)
	case "transcode_status":
		return s.handleTranscodeStatus(cmd)
	case "camera_status":
		st := s.camera.State()
		return map[string]interface{}{
			"refs":       st.Refs,
			"open":       st.Open,
			"streams":    st.Streams,
			"recordings": st.Recordings,
		}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *holdTestController) handleStart(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	seconds, err := numberArg(cmd, "duration")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	label, _ := cmd["sample_code"].(string)

	rec, err := s.runs.StartRun(ctx, time.Duration(seconds*float64(time.Second)), label)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "Test started", "log": rec.Readings()}, nil
}

func (s *holdTestController) handleStop(cmd map[string]interface{}) (map[string]interface{}, error) {
	var id int64
	if _, ok := cmd["id"]; ok {
		var err error
		if id, err = idArg(cmd); err != nil {
			return nil, err
		}
	} else {
		active := s.runs.GetActiveStatus()
		if active == nil {
			return map[string]interface{}{"status": "No test running", "stopped": false}, nil
		}
		id = active.ID
	}

	outcome := StatusFail
	if st, ok := cmd["status"].(string); ok && st != "" {
		outcome = RunStatus(st)
	}
	reason, _ := cmd["reason"].(string)

	rec, stopped, err := s.runs.StopRun(id, outcome, reason)
	if err != nil {
		return nil, err
	}
	resp := map[string]interface{}{"status": "Test stopped", "stopped": stopped}
	if stopped {
		resp["log"] = rec.Readings()
	}
	return resp, nil
}

func (s *holdTestController) handleStatus() map[string]interface{} {
	active := s.runs.GetActiveStatus()
	if active == nil {
		return map[string]interface{}{"running": false}
	}
	return map[string]interface{}{"running": true, "log": active.Readings()}
}

func (s *holdTestController) handleList() map[string]interface{} {
	records := s.runs.ListRuns()
	logs := make([]interface{}, 0, len(records))
	for _, rec := range records {
		logs = append(logs, rec.Readings())
	}
	return map[string]interface{}{"logs": logs}
}

func (s *holdTestController) handleGet(cmd map[string]interface{}) (map[string]interface{}, error) {
	id, err := idArg(cmd)
	if err != nil {
		return nil, err
	}
	rec, err := s.runs.GetRun(id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"log": rec.Readings()}, nil
}

func (s *holdTestController) handleDelete(cmd map[string]interface{}) (map[string]interface{}, error) {
	id, err := idArg(cmd)
	if err != nil {
		return nil, err
	}
	if err := s.runs.DeleteRun(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "Log entry deleted"}, nil
}

func (s *holdTestController) handleDeleteVideo(cmd map[string]interface{}) (map[string]interface{}, error) {
	id, err := idArg(cmd)
	if err != nil {
		return nil, err
	}
	if err := s.runs.DeleteMedia(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "Video deleted"}, nil
}

func (s *holdTestController) handleDownload(cmd map[string]interface{}) (map[string]interface{}, error) {
	id, err := idArg(cmd)
	if err != nil {
		return nil, err
	}
	rec, err := s.runs.GetRun(id)
	if err != nil {
		return nil, err
	}
	path, err := buildRunPackage(s.runs.store.dir, rec)
	if err != nil {
		return nil, fmt.Errorf("building package: %w", err)
	}
	return map[string]interface{}{"path": path, "report": runReport(rec)}, nil
}

func (s *holdTestController) handleTranscodeStatus(cmd map[string]interface{}) (map[string]interface{}, error) {
	st := s.transcoder.Status()
	resp := map[string]interface{}{
		"state":   st.State,
		"message": st.Message,
		"active":  st.Active,
		"queued":  st.Queued,
	}
	if _, ok := cmd["id"]; !ok {
		return resp, nil
	}
	id, err := idArg(cmd)
	if err != nil {
		return nil, err
	}
	if js, ok := s.transcoder.JobStatus(id); ok {
		resp["job_state"] = string(js.State)
		resp["job_message"] = js.Message
	}
	return resp, nil
}

func numberArg(cmd map[string]interface{}, key string) (float64, error) {
	switch v := cmd[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number: %w", key, err)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("missing %q", key)
	default:
		return 0, fmt.Errorf("%q has unsupported type %T", key, v)
	}
}

func idArg(cmd map[string]interface{}) (int64, error) {
	switch v := cmd["id"].(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid id %q: %w", v, err)
		}
		return id, nil
	case nil:
		return 0, errors.New("missing 'id' field")
	default:
		return 0, fmt.Errorf("'id' has unsupported type %T", v)
	}
}

func (s *holdTestController) Close(ctx context.Context) error {
	var err error
	if s.feed != nil {
		err = multierr.Append(err, s.feed.Close(ctx))
	}
	err = multierr.Append(err, s.runs.Close(ctx))
	s.transcoder.Close()
	return err
}
