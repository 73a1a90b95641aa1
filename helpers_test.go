package holdtestrig

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fakeJPEG(n int) []byte {
	return []byte{0xFF, 0xD8, byte(n), byte(n >> 8), 0xFF, 0xD9}
}

// fakeDevice produces tiny JPEG-framed payloads and can be told to start failing.
type fakeDevice struct {
	mu        sync.Mutex
	frames    int
	failAfter int
	closed    atomic.Bool
}

func (d *fakeDevice) NextFrame(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames++
	if d.failAfter > 0 && d.frames > d.failAfter {
		return nil, errors.New("device unplugged")
	}
	return fakeJPEG(d.frames), nil
}

func (d *fakeDevice) Close(context.Context) error {
	d.closed.Store(true)
	return nil
}

type fakeOpener struct {
	mu        sync.Mutex
	devices   []*fakeDevice
	err       error
	failAfter int
}

func (o *fakeOpener) open(ctx context.Context) (frameDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	d := &fakeDevice{failAfter: o.failAfter}
	o.devices = append(o.devices, d)
	return d, nil
}

func (o *fakeOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.devices)
}

func (o *fakeOpener) last() *fakeDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.devices) == 0 {
		return nil
	}
	return o.devices[len(o.devices)-1]
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
