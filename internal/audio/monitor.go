package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
)

// DefaultFrameInterval approximates one display frame.
const DefaultFrameInterval = time.Second / 60

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Threshold     float64
	FrameInterval time.Duration
	FFTSize       int
	Smoothing     float64

	// NewAnalyser overrides analyser construction. Returning nil means analysis
	// is unavailable and the monitor reports silence.
	NewAnalyser func() *Analyser
	Now         func() time.Time
}

// Monitor samples a Track once per frame and reports AudioSamples to a callback.
type Monitor struct {
	cfg      MonitorConfig
	onSample func(domain.AudioSample)
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. onSample is called from the sampling goroutine.
func NewMonitor(cfg MonitorConfig, onSample func(domain.AudioSample), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if cfg.FFTSize == 0 {
		cfg.FFTSize = FFTSize
	}
	if cfg.Smoothing == 0 {
		cfg.Smoothing = SmoothingTimeConstant
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = domain.DefaultSpeakingThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewAnalyser == nil {
		size, smoothing := cfg.FFTSize, cfg.Smoothing
		cfg.NewAnalyser = func() *Analyser { return NewAnalyser(size, smoothing) }
	}
	if onSample == nil {
		onSample = func(domain.AudioSample) {}
	}
	return &Monitor{cfg: cfg, onSample: onSample, logger: logger}
}

// Start begins sampling track, replacing any running loop. A nil track, or an
// unavailable analyser, reports a single silent sample instead.
func (m *Monitor) Start(ctx context.Context, track Track) {
	m.Stop()

	if track == nil {
		m.emit(m.silent())
		return
	}
	analyser := m.cfg.NewAnalyser()
	if analyser == nil {
		m.logger.Warn("Audio analysis unavailable, reporting silence")
		m.emit(m.silent())
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(loopCtx, track, analyser, done)
}

// Stop cancels the sampling loop, waits for it to exit and reports silence.
// No samples are emitted after Stop returns until the next Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.emit(m.silent())
}

func (m *Monitor) run(ctx context.Context, track Track, analyser *Analyser, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.FrameInterval)
	defer ticker.Stop()

	samples := make([]float64, analyser.Size())
	var bins []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n := track.Latest(samples)
		bins = analyser.ByteFrequencyData(samples[:n], bins)

		// Cancellation may race with the tick; never report after it.
		if ctx.Err() != nil {
			return
		}
		m.emit(domain.NewAudioSample(Level(bins), m.cfg.Threshold, m.cfg.Now()))
	}
}

func (m *Monitor) silent() domain.AudioSample {
	return domain.NewAudioSample(0, m.cfg.Threshold, m.cfg.Now())
}

func (m *Monitor) emit(s domain.AudioSample) {
	m.onSample(s)
}
