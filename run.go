package holdtestrig

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// RunStatus is the lifecycle state of a recorded test run.
type RunStatus string

const (
	StatusRunning RunStatus = "Running"
	StatusPass    RunStatus = "Pass"
	StatusFail    RunStatus = "Fail"
)

var (
	ErrRunConflict       = errors.New("an existing test is already running")
	ErrRunNotFound       = errors.New("run not found")
	ErrRunActive         = errors.New("run is still active")
	ErrInvalidRun        = errors.New("invalid run request")
	ErrNoMedia           = errors.New("no video found for this run")
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	ErrNoDevice          = errors.New("camera device not open")
	ErrTranscoderClosed  = errors.New("transcoder is closed")
)

// RunRecord is the persisted description of one test run. The JSON keys match the log
// files written by earlier versions of the rig software.
type RunRecord struct {
	ID            int64      `json:"id"`
	StartTime     time.Time  `json:"time"`
	Label         string     `json:"sample_code"`
	Duration      int        `json:"duration"`
	Status        RunStatus  `json:"status"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	MediaFile     string     `json:"video_filename,omitempty"`
}

// UnmarshalJSON accepts the legacy video_path key as a media reference.
func (r *RunRecord) UnmarshalJSON(data []byte) error {
	type plain RunRecord
	aux := struct {
		*plain
		VideoPath string `json:"video_path"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.MediaFile == "" && aux.VideoPath != "" {
		r.MediaFile = filepath.Base(aux.VideoPath)
	}
	return nil
}

// RequestedDuration returns the run's requested duration.
func (r RunRecord) RequestedDuration() time.Duration {
	return time.Duration(r.Duration) * time.Second
}

// Readings flattens the record for DoCommand and sensor responses.
func (r RunRecord) Readings() map[string]interface{} {
	out := map[string]interface{}{
		"id":          r.ID,
		"time":        r.StartTime.Format(time.RFC3339),
		"sample_code": r.Label,
		"duration":    r.Duration,
		"status":      string(r.Status),
	}
	if r.EndTime != nil {
		out["end_time"] = r.EndTime.Format(time.RFC3339)
	}
	if r.FailureReason != "" {
		out["failure_reason"] = r.FailureReason
	}
	if r.MediaFile != "" {
		out["video_filename"] = r.MediaFile
	}
	return out
}

var unsafeLabelChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func safeLabel(label string) string {
	return unsafeLabelChars.ReplaceAllString(label, "_")
}

// mediaBaseName derives the media file name (without extension) from run id, label and
// start time, so a run's files can always be located from its record.
func mediaBaseName(id int64, label string, start time.Time) string {
	return fmt.Sprintf("%s_%s_%d", safeLabel(label), start.Format("20060102_150405"), id)
}

// runIDSource hands out time-derived run ids that never repeat, even when two runs start
// within the same millisecond.
type runIDSource struct {
	mu   sync.Mutex
	last int64
}

func (s *runIDSource) next(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := now.UnixMilli()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	return id
}
