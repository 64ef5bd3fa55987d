package audio

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/smallnest/ringbuffer"
	"go.uber.org/zap"
)

const (
	trackBufferSeconds = 60
	spectrumWindow     = 1024

	// SpectrumBands is the number of magnitude bands in a frequency snapshot.
	SpectrumBands = 16
)

// ErrTrackInterrupted rejects appends to a track whose stop offset was
// already reported.
var ErrTrackInterrupted = errors.New("audio: track was interrupted")

type track struct {
	id       string
	buf      *ringbuffer.RingBuffer
	appended int // mono samples appended
	played   int // mono samples actually rendered
	finished bool
}

// Player buffers synthesized speech per response track and renders tracks in
// arrival order. It implements beep.Streamer; Connect attaches it to the
// default speaker. Underruns render silence and recover on the next append.
type Player struct {
	sampleRate int
	logger     *zap.Logger

	mu          sync.Mutex
	connected   bool
	queue       []*track
	byID        map[string]*track
	interrupted map[string]bool

	window    [spectrumWindow]float64
	windowPos int

	readBuf  []byte
	floatBuf []float64
}

// NewPlayer executes the newPlayer function.
func NewPlayer(sampleRate int, logger *zap.Logger) *Player {
	return &Player{
		sampleRate:  sampleRate,
		logger:      logger,
		byID:        make(map[string]*track),
		interrupted: make(map[string]bool),
	}
}

// Connect prepares the output sink and starts pulling from the player.
func (p *Player) Connect() error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = true
	p.mu.Unlock()

	sr := beep.SampleRate(p.sampleRate)
	if err := speaker.Init(sr, sr.N(200*time.Millisecond)); err != nil {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		return err
	}
	speaker.Play(p)
	return nil
}

// AddSamples appends PCM16 bytes to the named track, creating it on first
// delta. Appends to an interrupted track are rejected.
func (p *Player) AddSamples(trackID string, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.interrupted[trackID] {
		return ErrTrackInterrupted
	}
	t, ok := p.byID[trackID]
	if !ok {
		t = &track{
			id:  trackID,
			buf: ringbuffer.New(p.sampleRate * 2 * trackBufferSeconds).SetBlocking(false),
		}
		p.byID[trackID] = t
		p.queue = append(p.queue, t)
	}
	if _, err := t.buf.Write(pcm); err != nil {
		if p.logger != nil {
			p.logger.Warn("playback buffer full, dropping samples",
				zap.String("track_id", trackID),
				zap.Int("bytes", len(pcm)),
			)
		}
		return nil
	}
	t.appended += len(pcm) / 2
	return nil
}

// FinishTrack marks a track complete so it is destroyed once fully rendered.
func (p *Player) FinishTrack(trackID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.byID[trackID]; ok {
		t.finished = true
	}
}

// Interrupt stops the current track immediately and returns its id and the
// count of mono samples actually rendered. After Interrupt returns, no sample
// of that track will be played and further appends to it are rejected.
func (p *Player) Interrupt() (string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", 0
	}
	current := p.queue[0]
	for _, t := range p.queue {
		p.interrupted[t.id] = true
		t.buf.Reset()
		delete(p.byID, t.id)
	}
	p.queue = nil
	return current.id, current.played
}

// Reset drops every track and forgets interruption history.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.queue {
		t.buf.Reset()
	}
	p.queue = nil
	p.byID = make(map[string]*track)
	p.interrupted = make(map[string]bool)
}

// Playing reports whether a track currently has buffered samples.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.queue {
		if t.buf.Length() > 0 {
			return true
		}
	}
	return false
}

// Stream implements beep.Streamer. Mono track samples are duplicated to both
// output channels; gaps in supply render as silence so the stream never ends.
func (p *Player) Stream(samples [][2]float64) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	needed := len(samples) * 2
	if cap(p.readBuf) < needed {
		p.readBuf = make([]byte, needed)
	}
	buf := p.readBuf[:needed]

	read := 0
	for read < needed {
		t := p.currentTrackLocked()
		if t == nil {
			break
		}
		n, err := t.buf.Read(buf[read:])
		if n > 0 {
			t.played += n / 2
			read += n
			continue
		}
		if err != nil || t.buf.Length() == 0 {
			if t.finished {
				p.dropTrackLocked(t)
				continue
			}
			break
		}
	}

	rendered := read / 2
	p.floatBuf = BytesToFloat64SliceInto(p.floatBuf, buf[:read])
	for i := 0; i < len(samples); i++ {
		var value float64
		if i < rendered {
			value = p.floatBuf[i]
		}
		samples[i][0] = value
		samples[i][1] = value
		p.window[p.windowPos] = value
		p.windowPos = (p.windowPos + 1) % spectrumWindow
	}
	return len(samples), true
}

// Err implements beep.Streamer.
func (p *Player) Err() error { return nil }

// FrequencySnapshot returns magnitude-by-band data for the most recent audio
// window. It copies under the lock and computes outside it, so it is safe to
// call on every render tick.
func (p *Player) FrequencySnapshot() []float64 {
	var window [spectrumWindow]float64
	p.mu.Lock()
	pos := p.windowPos
	for i := 0; i < spectrumWindow; i++ {
		window[i] = p.window[(pos+i)%spectrumWindow]
	}
	p.mu.Unlock()

	bands := make([]float64, SpectrumBands)
	for k := 0; k < SpectrumBands; k++ {
		// Goertzel magnitude at each band center frequency.
		freq := (float64(k) + 0.5) / float64(SpectrumBands) * 0.5
		omega := 2 * math.Pi * freq
		coeff := 2 * math.Cos(omega)
		var s0, s1, s2 float64
		for _, v := range window {
			s0 = v + coeff*s1 - s2
			s2 = s1
			s1 = s0
		}
		power := s1*s1 + s2*s2 - coeff*s1*s2
		if power < 0 {
			power = 0
		}
		bands[k] = math.Sqrt(power) / spectrumWindow
	}
	return bands
}

func (p *Player) currentTrackLocked() *track {
	if len(p.queue) == 0 {
		return nil
	}
	return p.queue[0]
}

func (p *Player) dropTrackLocked(t *track) {
	delete(p.byID, t.id)
	if len(p.queue) > 0 && p.queue[0] == t {
		p.queue = p.queue[1:]
		return
	}
	for i, queued := range p.queue {
		if queued == t {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}
