package audio

import "sync"

// Track is a live mono audio source.
type Track interface {
	// Latest copies the most recent samples, oldest first, into dst and
	// returns how many were written.
	Latest(dst []float64) int
}

// TrackBuffer is a Track fed with PCM16LE chunks. It keeps a fixed window of the
// most recent samples. Safe for concurrent use.
type TrackBuffer struct {
	mu         sync.Mutex
	data       []float64
	writePos   int
	filled     int
	sampleRate int
	scratch    []float64
}

// NewTrackBuffer creates a buffer holding up to size samples.
func NewTrackBuffer(size, sampleRate int) *TrackBuffer {
	if size <= 0 {
		size = 4096
	}
	return &TrackBuffer{
		data:       make([]float64, size),
		sampleRate: sampleRate,
	}
}

// Write appends PCM16LE audio.
func (b *TrackBuffer) Write(pcm []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.scratch = DecodePCM16LE(pcm, b.scratch[:0])
	b.writeLocked(b.scratch)
}

// WriteSamples appends already decoded samples.
func (b *TrackBuffer) WriteSamples(samples []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeLocked(samples)
}

func (b *TrackBuffer) writeLocked(samples []float64) {
	size := len(b.data)
	if len(samples) > size {
		samples = samples[len(samples)-size:]
	}
	for _, s := range samples {
		b.data[b.writePos] = s
		b.writePos = (b.writePos + 1) % size
	}
	b.filled = min(b.filled+len(samples), size)
}

// Latest implements Track.
func (b *TrackBuffer) Latest(dst []float64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(dst), b.filled)
	size := len(b.data)
	start := (b.writePos - n + size) % size
	for i := 0; i < n; i++ {
		dst[i] = b.data[(start+i)%size]
	}
	return n
}

// SetSampleRate records the sample rate announced by the producer.
func (b *TrackBuffer) SetSampleRate(rate int) {
	b.mu.Lock()
	b.sampleRate = rate
	b.mu.Unlock()
}

// SampleRate returns the announced sample rate, 0 if unknown.
func (b *TrackBuffer) SampleRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sampleRate
}

// Filled returns the number of buffered samples.
func (b *TrackBuffer) Filled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filled
}

// Clear drops all buffered samples.
func (b *TrackBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.data)
	b.writePos = 0
	b.filled = 0
}
