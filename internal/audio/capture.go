package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Capture errors.
var (
	ErrDeviceNotAcquired = errors.New("audio: input device not acquired")
	ErrCaptureActive     = errors.New("audio: capture stream already active")
)

// Capture acquires the input device once and delivers fixed-duration mono
// PCM16 frames while recording. Pausing halts delivery without releasing the
// device; only one frame stream may be active at a time.
type Capture struct {
	device        Device
	sampleRate    int
	frameDuration time.Duration
	logger        *zap.Logger

	mu        sync.Mutex
	began     bool
	recording bool
	stop      chan struct{}
}

// NewCapture executes the newCapture function.
func NewCapture(device Device, sampleRate int, frameDuration time.Duration, logger *zap.Logger) *Capture {
	return &Capture{
		device:        device,
		sampleRate:    sampleRate,
		frameDuration: frameDuration,
		logger:        logger,
	}
}

// Begin acquires the input device. Failure is reported to the caller and
// leaves the pipeline unstarted.
func (c *Capture) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.began {
		return nil
	}
	if c.device == nil {
		return ErrDeviceNotAcquired
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("acquire input device: %w", err)
	}
	c.began = true
	return nil
}

// Record delivers PCM16 frames to onFrame at frame cadence until Pause or End.
func (c *Capture) Record(onFrame func(pcm []byte)) error {
	c.mu.Lock()
	if !c.began {
		c.mu.Unlock()
		return ErrDeviceNotAcquired
	}
	if c.recording {
		c.mu.Unlock()
		return ErrCaptureActive
	}
	stop := make(chan struct{})
	c.stop = stop
	c.recording = true
	c.mu.Unlock()

	go c.frameLoop(stop, onFrame)
	return nil
}

// Pause halts frame delivery without releasing the device.
func (c *Capture) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return
	}
	close(c.stop)
	c.stop = nil
	c.recording = false
}

// End releases the device. Safe to call repeatedly.
func (c *Capture) End() error {
	c.Pause()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.began {
		return nil
	}
	c.began = false
	if err := c.device.Stop(); err != nil {
		if c.logger != nil {
			c.logger.Warn("input device stop failed", zap.Error(err))
		}
	}
	return c.device.Close()
}

// stopStream halts delivery only if stop is still the active stream. A frame
// loop outliving its own Pause must never stop a newer stream.
func (c *Capture) stopStream(stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != stop {
		return
	}
	close(c.stop)
	c.stop = nil
	c.recording = false
}

// Recording reports whether a frame stream is active.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

func (c *Capture) frameLoop(stop chan struct{}, onFrame func(pcm []byte)) {
	frameSamples := c.sampleRate * int(c.frameDuration.Milliseconds()) / 1000
	if frameSamples <= 0 {
		frameSamples = c.sampleRate / 20
	}
	frame := make([]float32, frameSamples)
	var int16Buf []int16
	var pcmBuf []byte

	for {
		filled := 0
		for filled < frameSamples {
			select {
			case <-stop:
				return
			default:
			}
			n, err := c.device.Read(frame[filled:])
			if err != nil {
				if c.logger != nil {
					c.logger.Warn("input device read failed", zap.Error(err))
				}
				c.stopStream(stop)
				return
			}
			filled += n
		}

		select {
		case <-stop:
			return
		default:
		}
		int16Buf = Float32SliceToInt16SliceInto(int16Buf, frame)
		pcmBuf = Int16SliceToBytesInto(pcmBuf, int16Buf)
		out := make([]byte, len(pcmBuf))
		copy(out, pcmBuf)
		onFrame(out)
	}
}
