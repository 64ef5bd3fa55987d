package audio

import (
	"fmt"
	"sync"

	"github.com/MarkKremer/microphone/v2"
	"github.com/gopxl/beep/v2"
)

var initOnce sync.Once

// Device is a mono input source delivering float32 samples in -1..1.
// Implementations must keep Read blocking until samples are available.
type Device interface {
	Start() error
	Read(samples []float32) (int, error)
	Stop() error
	Close() error
}

type micDevice struct {
	stream *microphone.Streamer
	buf    [][2]float64
}

// OpenMicrophone acquires the default input device at the given sample rate.
func OpenMicrophone(sampleRate int) (Device, error) {
	var initErr error
	initOnce.Do(func() { initErr = microphone.Init() })
	if initErr != nil {
		return nil, fmt.Errorf("init audio subsystem: %w", initErr)
	}
	stream, _, err := microphone.OpenDefaultStream(beep.SampleRate(sampleRate), 1)
	if err != nil {
		return nil, fmt.Errorf("open input device: %w", err)
	}
	return &micDevice{stream: stream}, nil
}

func (d *micDevice) Start() error {
	return d.stream.Start()
}

func (d *micDevice) Read(samples []float32) (int, error) {
	if cap(d.buf) < len(samples) {
		d.buf = make([][2]float64, len(samples))
	}
	frames := d.buf[:len(samples)]
	n, ok := d.stream.Stream(frames)
	if !ok {
		if err := d.stream.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("input device stream ended")
	}
	for i := 0; i < n; i++ {
		samples[i] = float32(frames[i][0])
	}
	return n, nil
}

func (d *micDevice) Stop() error {
	return d.stream.Stop()
}

func (d *micDevice) Close() error {
	return d.stream.Close()
}
