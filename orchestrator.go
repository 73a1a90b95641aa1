package holdtestrig

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const (
	defaultFailureReason = "Weight Fallen Down!"
	shutdownReason       = "controller shutting down"
)

var errRegistryClosed = errors.New("run registry is closed")

// runMonitor is the part of the InactivityMonitor a run supervises.
type runMonitor interface {
	StartMonitoring(callback func()) error
	StopMonitoring()
}

// mediaPipeline is the part of the Transcoder the registry drives.
type mediaPipeline interface {
	mediaSubmitter
	Cancel(runID int64)
}

// registryOptions configures a runRegistry. Zero values select defaults.
type registryOptions struct {
	Dir           string
	Location      *time.Location
	FailureReason string
	Clock         clock.Clock
	// NewMonitor builds a fresh inactivity monitor for each run. Nil disables monitoring.
	NewMonitor func() runMonitor
}

// runRegistry owns the single active-run slot and the run log. It starts runs, supervises
// their deadline, inactivity and recording, and guarantees each run reaches exactly one
// terminal status.
type runRegistry struct {
	logger        logging.Logger
	store         *logStore
	camera        *CameraManager
	transcoder    mediaPipeline
	newMonitor    func() runMonitor
	clock         clock.Clock
	location      *time.Location
	failureReason string
	ids           runIDSource
	workers       *utils.StoppableWorkers

	// mu guards slot, closed and every read-modify-write of the log file.
	mu     sync.Mutex
	slot   *activeRun
	closed bool
}

// activeRun is the in-memory side of the Running record.
type activeRun struct {
	id            int64
	cancel        context.CancelFunc
	deadline      *clock.Timer
	monitor       runMonitor
	recordingDone chan struct{}
	// claimed is set by the one finalize call allowed to end this run.
	claimed bool
}

func newRunRegistry(
	camera *CameraManager,
	transcoder mediaPipeline,
	opts registryOptions,
	logger logging.Logger,
) *runRegistry {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.FailureReason == "" {
		opts.FailureReason = defaultFailureReason
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &runRegistry{
		logger:        logger,
		store:         newLogStore(opts.Dir, logger),
		camera:        camera,
		transcoder:    transcoder,
		newMonitor:    opts.NewMonitor,
		clock:         opts.Clock,
		location:      opts.Location,
		failureReason: opts.FailureReason,
		workers:       utils.NewBackgroundStoppableWorkers(),
	}
}

// StartRun persists a Running record and starts its recording, deadline and inactivity
// monitor. It fails with ErrRunConflict while another run holds the slot.
func (r *runRegistry) StartRun(ctx context.Context, duration time.Duration, label string) (RunRecord, error) {
	if duration <= 0 {
		return RunRecord{}, fmt.Errorf("%w: duration must be positive, got %v", ErrInvalidRun, duration)
	}
	if label == "" {
		return RunRecord{}, fmt.Errorf("%w: sample_code is required", ErrInvalidRun)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return RunRecord{}, errRegistryClosed
	}
	if r.slot != nil {
		return RunRecord{}, ErrRunConflict
	}
	if err := ctx.Err(); err != nil {
		return RunRecord{}, err
	}

	now := r.clock.Now().In(r.location)
	rec := RunRecord{
		ID:        r.ids.next(now),
		StartTime: now,
		Label:     label,
		Duration:  int(math.Ceil(duration.Seconds())),
		Status:    StatusRunning,
	}
	if err := r.store.prepend(rec); err != nil {
		return RunRecord{}, fmt.Errorf("persisting run: %w", err)
	}

	runCtx, cancel := context.WithCancel(r.workers.Context())
	run := &activeRun{
		id:            rec.ID,
		cancel:        cancel,
		deadline:      r.clock.Timer(duration),
		recordingDone: make(chan struct{}),
	}
	r.slot = run

	recErr := make(chan error, 1)
	task := newRecordingTask(rec, r.store.dir, r.camera, r.transcoder, r.logger)
	task.onHandoff = func(mediaFile string) { r.setMedia(rec.ID, mediaFile) }
	r.workers.Add(func(context.Context) {
		defer close(run.recordingDone)
		if err := task.run(runCtx); err != nil {
			recErr <- err
		}
	})

	trip := make(chan struct{}, 1)
	if r.newMonitor != nil {
		monitor := r.newMonitor()
		err := monitor.StartMonitoring(func() {
			select {
			case trip <- struct{}{}:
			default:
			}
		})
		if err != nil {
			r.logger.Warnf("run %d: inactivity monitoring not started: %v", rec.ID, err)
		} else {
			run.monitor = monitor
		}
	}

	r.workers.Add(func(context.Context) {
		r.supervise(runCtx, run, trip, recErr)
	})

	r.logger.Infof("started run %d (%s) for %v", rec.ID, label, duration)
	return rec, nil
}

// supervise waits for the first of the run's own termination sources. A manual stop
// cancels ctx and the supervisor exits without finalizing.
func (r *runRegistry) supervise(ctx context.Context, run *activeRun, trip <-chan struct{}, recErr <-chan error) {
	select {
	case <-ctx.Done():
		return
	case <-run.deadline.C:
		r.logger.Infof("run %d reached its deadline", run.id)
		r.finalize(run.id, StatusPass, "")
	case <-trip:
		r.logger.Warnf("run %d: inactivity detected", run.id)
		r.finalize(run.id, StatusFail, r.failureReason)
	case err := <-recErr:
		r.logger.Errorf("run %d: %v", run.id, err)
		r.finalize(run.id, StatusFail, fmt.Sprintf("Recording failed: %v", err))
	}
}

// StopRun ends the active run with the given outcome. Stopping a run that is not active,
// or is already being finalized, is a no-op and reports false.
func (r *runRegistry) StopRun(id int64, outcome RunStatus, reason string) (RunRecord, bool, error) {
	if outcome != StatusPass && outcome != StatusFail {
		return RunRecord{}, false, fmt.Errorf("%w: cannot stop a run with status %q", ErrInvalidRun, outcome)
	}
	return r.finalize(id, outcome, reason)
}

// finalize is the only path from Running to a terminal status. The caller that claims the
// slot tears the run down outside the lock, then writes the outcome and frees the slot.
func (r *runRegistry) finalize(id int64, status RunStatus, reason string) (RunRecord, bool, error) {
	r.mu.Lock()
	run := r.slot
	if run == nil || run.id != id || run.claimed {
		r.mu.Unlock()
		return RunRecord{}, false, nil
	}
	run.claimed = true
	r.mu.Unlock()

	run.deadline.Stop()
	run.cancel()
	<-run.recordingDone
	if run.monitor != nil {
		run.monitor.StopMonitoring()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.slot = nil

	end := r.clock.Now().In(r.location)
	rec, err := r.store.patch(id, func(rec *RunRecord) bool {
		if rec.Status != StatusRunning {
			return false
		}
		rec.Status = status
		rec.EndTime = &end
		if status == StatusFail && reason != "" {
			rec.FailureReason = reason
		}
		return true
	})
	if err != nil {
		return rec, true, fmt.Errorf("recording outcome of run %d: %w", id, err)
	}
	r.logger.Infof("run %d finished: %s %s", id, status, reason)
	return rec, true, nil
}

// setMedia stores the deliverable name on a run's record. It is set at most once.
func (r *runRegistry) setMedia(id int64, mediaFile string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.store.patch(id, func(rec *RunRecord) bool {
		if rec.MediaFile != "" {
			return false
		}
		rec.MediaFile = mediaFile
		return true
	})
	if err != nil {
		r.logger.Warnf("run %d: saving media reference %s: %v", id, mediaFile, err)
	}
}

// GetActiveStatus returns the Running record, or nil when no run is active or the active
// run is being finalized.
func (r *runRegistry) GetActiveStatus() *RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slot == nil || r.slot.claimed {
		return nil
	}
	rec, ok := r.store.get(r.slot.id)
	if !ok {
		return nil
	}
	return &rec
}

// ListRuns returns every stored run, most recent first.
func (r *runRegistry) ListRuns() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.read()
}

func (r *runRegistry) GetRun(id int64) (RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.store.get(id)
	if !ok {
		return RunRecord{}, ErrRunNotFound
	}
	return rec, nil
}

// LatestRun returns the most recently started run.
func (r *runRegistry) LatestRun() (RunRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.store.read()
	if len(records) == 0 {
		return RunRecord{}, false
	}
	return records[0], true
}

// DeleteRun removes a finished run's record and all of its media. A conversion still in
// flight is cancelled first so it cannot write the deliverable afterwards.
func (r *runRegistry) DeleteRun(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slot != nil && r.slot.id == id {
		return ErrRunActive
	}
	if _, ok := r.store.get(id); !ok {
		return ErrRunNotFound
	}
	r.transcoder.Cancel(id)
	rec, err := r.store.remove(id)
	if err != nil {
		return err
	}
	if err := r.store.removeMedia(rec); err != nil {
		return err
	}
	r.logger.Infof("deleted run %d", id)
	return nil
}

// DeleteMedia removes a finished run's media and clears its reference, keeping the record.
func (r *runRegistry) DeleteMedia(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slot != nil && r.slot.id == id {
		return ErrRunActive
	}
	rec, ok := r.store.get(id)
	if !ok {
		return ErrRunNotFound
	}
	if rec.MediaFile == "" {
		return ErrNoMedia
	}
	r.transcoder.Cancel(id)
	if err := r.store.removeMedia(rec); err != nil {
		return err
	}
	_, err := r.store.patch(id, func(rec *RunRecord) bool {
		rec.MediaFile = ""
		return true
	})
	return err
}

// MediaPath resolves a run's deliverable on disk.
func (r *runRegistry) MediaPath(id int64) (string, error) {
	rec, err := r.GetRun(id)
	if err != nil {
		return "", err
	}
	if rec.MediaFile == "" {
		return "", ErrNoMedia
	}
	return r.store.mediaPath(rec.MediaFile), nil
}

// Close fails the active run, if any, and stops all supervision. No run can start after.
func (r *runRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var (
		id     int64
		active bool
	)
	if r.slot != nil {
		id, active = r.slot.id, true
	}
	r.mu.Unlock()

	var err error
	if active {
		_, _, err = r.finalize(id, StatusFail, shutdownReason)
	}
	r.workers.Stop()
	return err
}
