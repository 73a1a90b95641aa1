package holdtestrig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"
)

// fakeFFmpeg stands in for the ffmpeg binary: it writes the last argument as the output
// file, or fails when told to.
type fakeFFmpeg struct {
	mu    sync.Mutex
	calls [][]string
	fail  bool
	block chan struct{}
}

func (f *fakeFFmpeg) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	fail, block := f.fail, f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(args) == 1 && args[0] == "-version" {
		return []byte("ffmpeg version test"), nil
	}
	if fail {
		return []byte("Invalid data found when processing input"), errors.New("exit status 1")
	}
	return nil, os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644)
}

func writeIntermediate(t *testing.T, dir string) (string, string) {
	t.Helper()
	src := filepath.Join(dir, "A1_20240101_120000_1.mjpeg")
	test.That(t, os.WriteFile(src, fakeJPEG(1), 0o644), test.ShouldBeNil)
	return src, filepath.Join(dir, "A1_20240101_120000_1.mp4")
}

func waitForJob(t *testing.T, tr *Transcoder, runID int64) JobStatus {
	t.Helper()
	var js JobStatus
	waitFor(t, 5*time.Second, "transcode job to finish", func() bool {
		var ok bool
		js, ok = tr.JobStatus(runID)
		return ok && (js.State == JobDone || js.State == JobFailed)
	})
	return js
}

func TestTranscoderSuccessRemovesIntermediate(t *testing.T) {
	ff := &fakeFFmpeg{}
	tr := newTranscoder(1, 15, ff.run, logging.NewTestLogger(t))
	defer tr.Close()

	src, dst := writeIntermediate(t, t.TempDir())
	job, err := tr.Submit(context.Background(), TranscodeJob{RunID: 1, Source: src, Target: dst})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, job.ID, test.ShouldNotBeEmpty)

	js := waitForJob(t, tr, 1)
	test.That(t, js.State, test.ShouldEqual, JobDone)

	_, err = os.Stat(dst)
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(src)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

	ff.mu.Lock()
	args := ff.calls[0]
	ff.mu.Unlock()
	test.That(t, args, test.ShouldResemble, []string{
		"ffmpeg", "-loglevel", "error", "-f", "mjpeg", "-framerate", "15",
		"-i", src, "-c:v", "copy", "-y", dst,
	})

	waitFor(t, time.Second, "pool to go idle", func() bool { return tr.Status().State == "idle" })
	test.That(t, tr.Status().Message, test.ShouldContainSubstring, "Converted")
}

func TestTranscoderFailureRetainsIntermediate(t *testing.T) {
	ff := &fakeFFmpeg{fail: true}
	tr := newTranscoder(1, 15, ff.run, logging.NewTestLogger(t))
	defer tr.Close()

	src, dst := writeIntermediate(t, t.TempDir())
	_, err := tr.Submit(context.Background(), TranscodeJob{RunID: 7, Source: src, Target: dst})
	test.That(t, err, test.ShouldBeNil)

	js := waitForJob(t, tr, 7)
	test.That(t, js.State, test.ShouldEqual, JobFailed)
	test.That(t, js.Message, test.ShouldContainSubstring, "ffmpeg error")

	_, err = os.Stat(src)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tr.Status().Message, test.ShouldContainSubstring, src)
}

func TestTranscoderReportsRunningState(t *testing.T) {
	ff := &fakeFFmpeg{block: make(chan struct{})}
	tr := newTranscoder(1, 15, ff.run, logging.NewTestLogger(t))
	defer tr.Close()

	src, dst := writeIntermediate(t, t.TempDir())
	_, err := tr.Submit(context.Background(), TranscodeJob{RunID: 3, Source: src, Target: dst})
	test.That(t, err, test.ShouldBeNil)

	waitFor(t, 2*time.Second, "job to start", func() bool { return tr.Status().State == "running" })
	test.That(t, tr.Status().Active, test.ShouldEqual, 1)

	close(ff.block)
	js := waitForJob(t, tr, 3)
	test.That(t, js.State, test.ShouldEqual, JobDone)
}

func TestTranscoderClosed(t *testing.T) {
	tr := newTranscoder(1, 15, (&fakeFFmpeg{}).run, logging.NewTestLogger(t))
	tr.Close()

	_, err := tr.Submit(context.Background(), TranscodeJob{RunID: 1, Source: "a.mjpeg", Target: "a.mp4"})
	test.That(t, err, test.ShouldBeError, ErrTranscoderClosed)
}

func TestTranscoderValidate(t *testing.T) {
	tr := newTranscoder(1, 15, (&fakeFFmpeg{}).run, logging.NewTestLogger(t))
	defer tr.Close()
	test.That(t, tr.Validate(context.Background()), test.ShouldBeNil)

	missing := newTranscoder(1, 15, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("executable file not found in $PATH")
	}, logging.NewTestLogger(t))
	defer missing.Close()
	test.That(t, missing.Validate(context.Background()), test.ShouldNotBeNil)
}

func TestTranscoderCancel(t *testing.T) {
	t.Run("running job", func(t *testing.T) {
		ff := &fakeFFmpeg{block: make(chan struct{})}
		defer close(ff.block)
		tr := newTranscoder(1, 15, ff.run, logging.NewTestLogger(t))
		defer tr.Close()

		src, dst := writeIntermediate(t, t.TempDir())
		_, err := tr.Submit(context.Background(), TranscodeJob{RunID: 4, Source: src, Target: dst})
		test.That(t, err, test.ShouldBeNil)
		waitFor(t, 2*time.Second, "job to start", func() bool {
			js, ok := tr.JobStatus(4)
			return ok && js.State == JobRunning
		})

		tr.Cancel(4)
		js, ok := tr.JobStatus(4)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, js.State, test.ShouldEqual, JobCancelled)
		test.That(t, js.Finished.IsZero(), test.ShouldBeFalse)
		for _, p := range []string{src, dst} {
			_, err := os.Stat(p)
			test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
		}
	})

	t.Run("queued job is skipped", func(t *testing.T) {
		ff := &fakeFFmpeg{block: make(chan struct{})}
		tr := newTranscoder(1, 15, ff.run, logging.NewTestLogger(t))
		defer tr.Close()

		dir := t.TempDir()
		src, dst := writeIntermediate(t, dir)
		_, err := tr.Submit(context.Background(), TranscodeJob{RunID: 5, Source: src, Target: dst})
		test.That(t, err, test.ShouldBeNil)
		waitFor(t, 2*time.Second, "first job to start", func() bool { return tr.Status().State == "running" })

		queuedDst := filepath.Join(dir, "B2_20240101_120000_6.mp4")
		_, err = tr.Submit(context.Background(), TranscodeJob{RunID: 6, Source: src, Target: queuedDst})
		test.That(t, err, test.ShouldBeNil)
		tr.Cancel(6)

		close(ff.block)
		test.That(t, waitForJob(t, tr, 5).State, test.ShouldEqual, JobDone)
		waitFor(t, time.Second, "pool to go idle", func() bool { return tr.Status().State == "idle" })

		js, _ := tr.JobStatus(6)
		test.That(t, js.State, test.ShouldEqual, JobCancelled)
		_, err = os.Stat(queuedDst)
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
		ff.mu.Lock()
		defer ff.mu.Unlock()
		test.That(t, ff.calls, test.ShouldHaveLength, 1)
	})

	t.Run("unknown run is ignored", func(t *testing.T) {
		tr := newTranscoder(1, 15, (&fakeFFmpeg{}).run, logging.NewTestLogger(t))
		defer tr.Close()
		tr.Cancel(99)
		_, ok := tr.JobStatus(99)
		test.That(t, ok, test.ShouldBeFalse)
	})
}

func TestTranscoderSubmitRacingClose(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 50; i++ {
		tr := newTranscoder(1, 15, (&fakeFFmpeg{}).run, logging.NewTestLogger(t))
		runID := int64(i)
		job := TranscodeJob{
			RunID:  runID,
			Source: filepath.Join(dir, "missing.mjpeg"),
			Target: filepath.Join(dir, "out.mp4"),
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Submit(context.Background(), job)
		}()
		tr.Close()
		wg.Wait()

		if js, ok := tr.JobStatus(runID); ok {
			test.That(t, js.State, test.ShouldNotEqual, JobQueued)
		}
	}
}

func TestTranscoderPrunesOldJobs(t *testing.T) {
	tr := newTranscoder(1, 15, (&fakeFFmpeg{}).run, logging.NewTestLogger(t))
	defer tr.Close()

	tr.mu.Lock()
	tr.jobs[1] = JobStatus{State: JobDone, Finished: time.Now().Add(-2 * finishedJobRetention)}
	tr.jobs[2] = JobStatus{State: JobFailed, Finished: time.Now().Add(-time.Minute)}
	tr.mu.Unlock()

	src, dst := writeIntermediate(t, t.TempDir())
	_, err := tr.Submit(context.Background(), TranscodeJob{RunID: 3, Source: src, Target: dst})
	test.That(t, err, test.ShouldBeNil)

	_, ok := tr.JobStatus(1)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = tr.JobStatus(2)
	test.That(t, ok, test.ShouldBeTrue)
	waitForJob(t, tr, 3)
}
