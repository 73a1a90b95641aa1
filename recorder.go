package holdtestrig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.viam.com/rdk/logging"
)

const (
	intermediateExt = ".mjpeg"
	deliverableExt  = ".mp4"
)

var errNoFramesCaptured = errors.New("no frames captured")

// mediaSubmitter is the part of the Transcoder a recording hands off to.
type mediaSubmitter interface {
	Submit(ctx context.Context, job TranscodeJob) (TranscodeJob, error)
}

// recordingTask captures one run's video. It records until its context is cancelled,
// gives the camera back, then hands the capture to the transcoder.
type recordingTask struct {
	runID        int64
	intermediate string
	target       string

	camera     *CameraManager
	transcoder mediaSubmitter
	logger     logging.Logger

	// onHandoff records the deliverable's file name once the transcoder has accepted it.
	onHandoff func(mediaFile string)
}

func newRecordingTask(rec RunRecord, dir string, camera *CameraManager, transcoder mediaSubmitter, logger logging.Logger) *recordingTask {
	base := mediaBaseName(rec.ID, rec.Label, rec.StartTime)
	return &recordingTask{
		runID:        rec.ID,
		intermediate: filepath.Join(dir, base+intermediateExt),
		target:       filepath.Join(dir, base+deliverableExt),
		camera:       camera,
		transcoder:   transcoder,
		logger:       logger,
	}
}

// run returns a non-nil error when the recording could not start or the device failed
// mid-run. Whatever was captured is still handed off.
func (t *recordingTask) run(ctx context.Context) error {
	lease, err := t.camera.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("starting recording: %w", err)
	}
	t.logger.Infof("started recording to %s", t.intermediate)
	recErr := t.camera.RecordToFile(ctx, t.intermediate)
	lease.Release()
	t.logger.Infof("stopped recording to %s", t.intermediate)

	if err := t.handoff(ctx); err != nil {
		if errors.Is(err, errNoFramesCaptured) {
			t.logger.Warnf("run %d: %v", t.runID, err)
		} else {
			t.logger.Errorf("run %d: handing off recording: %v", t.runID, err)
		}
	}
	return recErr
}

func (t *recordingTask) handoff(ctx context.Context) error {
	info, err := os.Stat(t.intermediate)
	if err != nil {
		if os.IsNotExist(err) {
			return errNoFramesCaptured
		}
		return err
	}
	if info.Size() == 0 {
		os.Remove(t.intermediate)
		return errNoFramesCaptured
	}

	// The run context is already cancelled here; the hand-off is bounded by queue space
	// and by the transcoder shutting down.
	job, err := t.transcoder.Submit(context.WithoutCancel(ctx), TranscodeJob{
		RunID:  t.runID,
		Source: t.intermediate,
		Target: t.target,
	})
	if err != nil {
		return fmt.Errorf("submitting transcode (intermediate %s retained): %w", t.intermediate, err)
	}
	t.logger.Debugf("run %d handed off as transcode job %s", t.runID, job.ID)
	if t.onHandoff != nil {
		t.onHandoff(filepath.Base(t.target))
	}
	return nil
}
