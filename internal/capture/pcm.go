package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/secretari/capture-gateway/internal/audio"
)

// PCMRecorder is a Device that sinks caller-fed PCM16 audio into a
// timestamped file. The same audio frames the recognizer would have
// consumed are routed here when a session falls back to raw capture.
type PCMRecorder struct {
	dir string

	mu        sync.Mutex
	file      *os.File
	path      string
	recording bool
	meter     *audio.RingBuffer
	scratch   []byte
	lastPeak  int
}

// NewPCMRecorder creates a recorder writing under dir. meterBytes
// bounds how much recent audio is retained for amplitude polling.
func NewPCMRecorder(dir string, meterBytes int) *PCMRecorder {
	if meterBytes <= 0 {
		meterBytes = 8192
	}
	return &PCMRecorder{
		dir:     dir,
		meter:   audio.NewRingBuffer(meterBytes),
		scratch: make([]byte, meterBytes),
	}
}

func (r *PCMRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("recorder already started")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create capture directory: %w", err)
	}

	path := filepath.Join(r.dir, fmt.Sprintf("capture_%d.pcm", time.Now().UnixMilli()))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create capture file: %w", err)
	}

	r.file = file
	r.path = path
	r.recording = true
	r.lastPeak = 0
	r.meter.Clear()
	return nil
}

// WriteAudio appends a PCM16 chunk to the capture file and retains it
// for metering. Older unread meter data is discarded to make room.
func (r *PCMRecorder) WriteAudio(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording || r.file == nil {
		return fmt.Errorf("recorder is not started")
	}
	if _, err := r.file.Write(chunk); err != nil {
		return fmt.Errorf("failed to write capture file: %w", err)
	}

	for r.meter.Space() < len(chunk) && !r.meter.IsEmpty() {
		evict := len(chunk) - r.meter.Space()
		evict += evict % 2 // Keep samples aligned
		if evict > len(r.scratch) {
			evict = len(r.scratch)
		}
		r.meter.Read(r.scratch[:evict])
	}
	r.meter.Write(chunk)
	return nil
}

// Amplitude returns the peak sample over the audio received since the
// previous poll. With no new audio it repeats the last peak.
func (r *PCMRecorder) Amplitude() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return 0, fmt.Errorf("recorder is not started")
	}

	n := r.meter.Available()
	if n == 0 {
		return r.lastPeak, nil
	}
	if n > len(r.scratch) {
		n = len(r.scratch)
	}
	read := r.meter.Read(r.scratch[:n])
	samples := audio.DecodePCM16(r.scratch[:read])
	r.lastPeak = audio.PeakAmplitude(samples)
	return r.lastPeak, nil
}

func (r *PCMRecorder) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return r.path, nil
	}
	r.recording = false

	file := r.file
	r.file = nil
	if file == nil {
		return r.path, nil
	}
	if err := file.Close(); err != nil {
		return r.path, fmt.Errorf("failed to close capture file: %w", err)
	}
	return r.path, nil
}

// Path returns the destination of the current or most recent recording
func (r *PCMRecorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}
