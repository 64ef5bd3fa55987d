package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeDevice struct {
	mu      sync.Mutex
	started bool
	stopped bool
	closed  bool
	value   float32
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *fakeDevice) Read(samples []float32) (int, error) {
	d.mu.Lock()
	value := d.value
	d.mu.Unlock()
	for i := range samples {
		samples[i] = value
	}
	// Pace reads so the frame loop does not spin.
	time.Sleep(time.Millisecond)
	return len(samples), nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func TestCaptureDeliversFixedFrames(t *testing.T) {
	device := &fakeDevice{value: 0.5}
	c := NewCapture(device, 24000, 50*time.Millisecond, nil)
	if err := c.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer c.End()

	frames := make(chan []byte, 4)
	if err := c.Record(func(pcm []byte) {
		select {
		case frames <- pcm:
		default:
		}
	}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	select {
	case frame := <-frames:
		want := 24000 * 50 / 1000 * 2
		if len(frame) != want {
			t.Fatalf("frame=%d bytes, want %d", len(frame), want)
		}
		sample := int16(uint16(frame[0]) | uint16(frame[1])<<8)
		if sample <= 0 {
			t.Fatalf("sample=%d, want positive for 0.5 input", sample)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame delivered")
	}
}

func TestCaptureSingleActiveStream(t *testing.T) {
	device := &fakeDevice{}
	c := NewCapture(device, 24000, 50*time.Millisecond, nil)
	if err := c.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer c.End()

	if err := c.Record(func([]byte) {}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := c.Record(func([]byte) {}); err != ErrCaptureActive {
		t.Fatalf("err=%v, want %v", err, ErrCaptureActive)
	}
	c.Pause()
	if c.Recording() {
		t.Fatalf("still recording after pause")
	}
	if err := c.Record(func([]byte) {}); err != nil {
		t.Fatalf("record after pause failed: %v", err)
	}
}

// stallErrDevice blocks its first Read until released, then fails it. Later
// reads deliver silence at a steady pace.
type stallErrDevice struct {
	mu       sync.Mutex
	first    bool
	entered  chan struct{}
	released chan struct{}
}

func newStallErrDevice() *stallErrDevice {
	return &stallErrDevice{
		first:    true,
		entered:  make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (d *stallErrDevice) Start() error { return nil }

func (d *stallErrDevice) Read(samples []float32) (int, error) {
	d.mu.Lock()
	isFirst := d.first
	d.first = false
	d.mu.Unlock()
	if isFirst {
		close(d.entered)
		<-d.released
		return 0, errFirstReadFailed
	}
	time.Sleep(time.Millisecond)
	for i := range samples {
		samples[i] = 0
	}
	return len(samples), nil
}

func (d *stallErrDevice) Stop() error  { return nil }
func (d *stallErrDevice) Close() error { return nil }

var errFirstReadFailed = errors.New("device read failed")

func TestStaleFrameLoopCannotStopNewStream(t *testing.T) {
	device := newStallErrDevice()
	c := NewCapture(device, 24000, 50*time.Millisecond, nil)
	if err := c.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	defer c.End()

	// First stream blocks inside the device read.
	if err := c.Record(func([]byte) {}); err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	<-device.entered
	c.Pause()

	// Second stream starts while the first loop is still pending.
	frames := make(chan []byte, 1)
	if err := c.Record(func(pcm []byte) {
		select {
		case frames <- pcm:
		default:
		}
	}); err != nil {
		t.Fatalf("second record failed: %v", err)
	}

	// The stale loop's read now fails; its shutdown must not touch stream 2.
	close(device.released)

	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatalf("second stream stopped delivering frames")
	}
	if !c.Recording() {
		t.Fatalf("second stream no longer recording after stale loop exit")
	}
}

func TestCaptureRecordRequiresBegin(t *testing.T) {
	c := NewCapture(&fakeDevice{}, 24000, 50*time.Millisecond, nil)
	if err := c.Record(func([]byte) {}); err != ErrDeviceNotAcquired {
		t.Fatalf("err=%v, want %v", err, ErrDeviceNotAcquired)
	}
}

func TestCaptureEndReleasesDevice(t *testing.T) {
	device := &fakeDevice{}
	c := NewCapture(device, 24000, 50*time.Millisecond, nil)
	if err := c.Begin(); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := c.End(); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if err := c.End(); err != nil {
		t.Fatalf("second end failed: %v", err)
	}

	device.mu.Lock()
	defer device.mu.Unlock()
	if !device.stopped || !device.closed {
		t.Fatalf("device stopped=%v closed=%v, want both true", device.stopped, device.closed)
	}
}

func TestConversionsRoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1.5, -1.5}
	ints := Float32SliceToInt16SliceInto(nil, samples)
	if ints[3] != 32767 || ints[4] != -32768 {
		t.Fatalf("clipping failed: %v", ints)
	}
	bytes := Int16SliceToBytesInto(nil, ints)
	floats := BytesToFloat64SliceInto(nil, bytes)
	if len(floats) != len(samples) {
		t.Fatalf("len=%d, want %d", len(floats), len(samples))
	}
	if floats[1] < 0.49 || floats[1] > 0.51 {
		t.Fatalf("floats[1]=%v, want ~0.5", floats[1])
	}
}
