package holdtestrig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	rutils "go.viam.com/rdk/utils"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// frameDevice is an opened camera producing JPEG-encoded frames.
type frameDevice interface {
	NextFrame(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// deviceOpener opens the camera hardware. It is called on the first Acquire after the
// device has been closed.
type deviceOpener func(ctx context.Context) (frameDevice, error)

// viamCameraDevice reads frames from a configured Viam camera component.
type viamCameraDevice struct {
	cam camera.Camera
}

func newViamCameraOpener(cam camera.Camera) deviceOpener {
	return func(ctx context.Context) (frameDevice, error) {
		// Probe once so an unplugged camera fails the Acquire rather than the first frame.
		if _, _, err := cam.Image(ctx, rutils.MimeTypeJPEG, nil); err != nil {
			return nil, fmt.Errorf("probing camera %q: %w", cam.Name().ShortName(), err)
		}
		return &viamCameraDevice{cam: cam}, nil
	}
}

func (d *viamCameraDevice) NextFrame(ctx context.Context) ([]byte, error) {
	data, _, err := d.cam.Image(ctx, rutils.MimeTypeJPEG, nil)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (d *viamCameraDevice) Close(context.Context) error {
	return nil
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ffmpegDevice captures a V4L2 device through an ffmpeg subprocess emitting an MJPEG
// image pipe, and splits the pipe back into JPEG frames.
type ffmpegDevice struct {
	logger logging.Logger
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newFFmpegOpener(devicePath string, width, height, fps int, logger logging.Logger) deviceOpener {
	return func(ctx context.Context) (frameDevice, error) {
		procCtx, cancel := context.WithCancel(context.Background())
		cmd := exec.CommandContext(procCtx,
			"ffmpeg",
			"-loglevel", "error",
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", width, height),
			"-framerate", strconv.Itoa(fps),
			"-i", devicePath,
			"-f", "image2pipe",
			"-c:v", "mjpeg",
			"-q:v", "3",
			"-",
		)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("creating ffmpeg stdout pipe: %w", err)
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			cancel()
			return nil, fmt.Errorf("starting ffmpeg for %s: %w", devicePath, err)
		}

		d := &ffmpegDevice{
			logger: logger,
			cancel: cancel,
			frames: make(chan []byte, 1),
			done:   make(chan struct{}),
		}
		go func() {
			defer close(d.done)
			readErr := splitJPEGStream(procCtx, stdout, d.offer)
			waitErr := cmd.Wait()
			if procCtx.Err() != nil {
				return
			}
			d.mu.Lock()
			defer d.mu.Unlock()
			switch {
			case readErr != nil:
				d.err = readErr
			case waitErr != nil:
				d.err = fmt.Errorf("ffmpeg exited: %w (stderr: %s)", waitErr, stderr.String())
			default:
				d.err = io.EOF
			}
		}()
		return d, nil
	}
}

// offer keeps only the newest frame; a slow reader skips frames instead of stalling ffmpeg.
func (d *ffmpegDevice) offer(frame []byte) {
	select {
	case <-d.frames:
	default:
	}
	d.frames <- frame
}

func (d *ffmpegDevice) NextFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-d.frames:
		return frame, nil
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.err == nil {
			return nil, errors.New("ffmpeg capture stopped")
		}
		return nil, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *ffmpegDevice) Close(ctx context.Context) error {
	d.cancel()
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// splitJPEGStream reads concatenated JPEG images from r and calls emit once per complete
// image, delimited by the SOI and EOI markers.
func splitJPEGStream(ctx context.Context, r io.Reader, emit func([]byte)) error {
	buf := make([]byte, 256*1024)
	var pending bytes.Buffer
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			for {
				data := pending.Bytes()
				start := bytes.Index(data, jpegSOI)
				if start == -1 {
					// Keep a trailing 0xFF: it may be the first half of the next SOI.
					keep := len(data) > 0 && data[len(data)-1] == 0xFF
					pending.Reset()
					if keep {
						pending.WriteByte(0xFF)
					}
					break
				}
				end := bytes.Index(data[start+2:], jpegEOI)
				if end == -1 {
					if start > 0 {
						rest := append([]byte(nil), data[start:]...)
						pending.Reset()
						pending.Write(rest)
					}
					break
				}
				end += start + 2 + len(jpegEOI)
				frame := make([]byte, end-start)
				copy(frame, data[start:end])
				emit(frame)
				rest := append([]byte(nil), data[end:]...)
				pending.Reset()
				pending.Write(rest)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading frame stream: %w", err)
		}
	}
}

// mockDevice renders synthetic frames with the current time, for rigs without a camera.
type mockDevice struct {
	width, height int
	frame         int
}

func newMockOpener(width, height int) deviceOpener {
	return func(context.Context) (frameDevice, error) {
		return &mockDevice{width: width, height: height}, nil
	}
}

func (d *mockDevice) NextFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.frame++
	img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	// A bar sweeping across the frame makes dropped frames visible in the preview.
	barX := (d.frame * 8) % d.width
	draw.Draw(img, image.Rect(barX, d.height-12, barX+24, d.height), image.NewUniform(color.RGBA{0, 160, 255, 255}), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(d.width/2-70, d.height/2),
	}
	drawer.DrawString(time.Now().Format("2006-01-02 15:04:05"))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encoding mock frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *mockDevice) Close(context.Context) error {
	return nil
}
