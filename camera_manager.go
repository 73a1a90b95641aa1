package holdtestrig

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
)

const (
	defaultFrameRate = 15
	maxFrameErrors   = 5
)

var errCaptureStopped = errors.New("camera capture stopped")

// CameraManager owns the single camera handle shared by live preview and recording.
// Callers never see the device; they hold a CameraLease from Acquire and read frames
// through StreamLiveFrames or RecordToFile while the lease is held.
type CameraManager struct {
	open          deviceOpener
	frameInterval time.Duration
	logger        logging.Logger

	mu      sync.Mutex
	refs    int
	device  frameDevice
	session *captureSession

	streams    atomic.Int32
	recordings atomic.Int32
}

// CameraLease is one reference to the open camera. Release is idempotent.
type CameraLease struct {
	m    *CameraManager
	once sync.Once
}

// Release drops this lease's reference. The device closes when the last lease goes.
func (l *CameraLease) Release() {
	l.once.Do(l.m.release)
}

// CameraState is a point-in-time view of the camera handle.
type CameraState struct {
	Refs       int  `json:"refs"`
	Open       bool `json:"open"`
	Streams    int  `json:"streams"`
	Recordings int  `json:"recordings"`
}

func NewCameraManager(open deviceOpener, fps int, logger logging.Logger) *CameraManager {
	if fps <= 0 {
		fps = defaultFrameRate
	}
	return &CameraManager{
		open:          open,
		frameInterval: time.Second / time.Duration(fps),
		logger:        logger,
	}
}

// Acquire takes a reference on the camera, opening it if this is the first one. If a
// previous capture session died with a device error, the device is reopened.
func (m *CameraManager) Acquire(ctx context.Context) (*CameraLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.failed() {
		m.logger.Warnf("camera capture failed earlier (%v), reopening device", m.session.lastErr())
		m.teardownLocked(ctx)
	}
	if m.session == nil {
		dev, err := m.open(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		m.device = dev
		m.session = startCaptureSession(dev, m.frameInterval, m.logger)
		m.logger.Infof("camera opened")
	}
	m.refs++
	return &CameraLease{m: m}, nil
}

func (m *CameraManager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 {
		return
	}
	m.refs--
	if m.refs > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.teardownLocked(ctx)
	m.logger.Infof("camera closed")
}

func (m *CameraManager) teardownLocked(ctx context.Context) {
	if m.session != nil {
		m.session.stop()
		m.session = nil
	}
	if m.device != nil {
		if err := m.device.Close(ctx); err != nil {
			m.logger.Warnf("closing camera device: %v", err)
		}
		m.device = nil
	}
}

// State reports the reference count and active consumers.
func (m *CameraManager) State() CameraState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CameraState{
		Refs:       m.refs,
		Open:       m.session != nil,
		Streams:    int(m.streams.Load()),
		Recordings: int(m.recordings.Load()),
	}
}

func (m *CameraManager) currentSession() (*captureSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNoDevice
	}
	return m.session, nil
}

// StreamLiveFrames returns a lazy sequence of the latest JPEG frames. It blocks between
// frames, may skip frames under load, and ends when ctx is done or the device closes.
// Ranging over it again starts from the newest frame.
func (m *CameraManager) StreamLiveFrames(ctx context.Context) (iter.Seq[[]byte], error) {
	s, err := m.currentSession()
	if err != nil {
		return nil, err
	}
	return func(yield func([]byte) bool) {
		m.streams.Add(1)
		defer m.streams.Add(-1)
		var last uint64
		for {
			f, err := s.next(ctx, last)
			if err != nil {
				return
			}
			last = f.seq
			if !yield(f.data) {
				return
			}
		}
	}, nil
}

// RecordToFile appends every newly captured frame to an MJPEG file at path until ctx is
// cancelled. It returns nil on cancellation and an error if the device fails.
func (m *CameraManager) RecordToFile(ctx context.Context, path string) error {
	s, err := m.currentSession()
	if err != nil {
		return err
	}
	m.recordings.Add(1)
	defer m.recordings.Add(-1)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating recording file: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<20)

	var (
		last    uint64
		frames  int
		loopErr error
	)
	for {
		fr, err := s.next(ctx, last)
		if err != nil {
			if ctx.Err() == nil {
				loopErr = fmt.Errorf("recording interrupted: %w", err)
			}
			break
		}
		last = fr.seq
		if _, err := w.Write(fr.data); err != nil {
			loopErr = fmt.Errorf("writing frame: %w", err)
			break
		}
		frames++
	}
	if err := w.Flush(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("flushing recording: %w", err)
	}
	if err := f.Close(); err != nil && loopErr == nil {
		loopErr = fmt.Errorf("closing recording: %w", err)
	}
	m.logger.Debugf("recorded %d frames to %s", frames, path)
	return loopErr
}

type frame struct {
	seq  uint64
	data []byte
}

// captureSession is one open period of the device: a single producer goroutine publishing
// frames by atomic swap, and a broadcast channel closed on every publish.
type captureSession struct {
	latest atomic.Pointer[frame]

	notifyMu sync.Mutex
	notify   chan struct{}

	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

func startCaptureSession(dev frameDevice, interval time.Duration, logger logging.Logger) *captureSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &captureSession{
		notify: make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.produce(ctx, dev, interval, logger)
	return s
}

func (s *captureSession) produce(ctx context.Context, dev frameDevice, interval time.Duration, logger logging.Logger) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			s.setError(errCaptureStopped)
			return
		case <-ticker.C:
		}

		data, err := dev.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setError(errCaptureStopped)
				return
			}
			consecutiveErrors++
			logger.Warnf("failed to read camera frame (%d/%d): %v", consecutiveErrors, maxFrameErrors, err)
			if consecutiveErrors >= maxFrameErrors {
				s.setError(fmt.Errorf("camera device failed: %w", err))
				return
			}
			continue
		}
		consecutiveErrors = 0
		seq++
		s.publish(&frame{seq: seq, data: data})
	}
}

func (s *captureSession) publish(f *frame) {
	s.latest.Store(f)
	s.notifyMu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.notifyMu.Unlock()
}

func (s *captureSession) changed() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notify
}

// next blocks until a frame newer than seq is published.
func (s *captureSession) next(ctx context.Context, seq uint64) (*frame, error) {
	for {
		// Take the wakeup channel before checking, so a publish in between is not missed.
		ch := s.changed()
		if f := s.latest.Load(); f != nil && f.seq != seq {
			return f, nil
		}
		select {
		case <-ch:
		case <-s.done:
			return nil, s.lastErr()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *captureSession) stop() {
	s.cancel()
	<-s.done
}

func (s *captureSession) failed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *captureSession) setError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *captureSession) lastErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
