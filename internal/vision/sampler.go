package vision

import (
	"context"
	"sync"
	"time"
)

// DefaultSampleRate is the detector polling frequency in frames per
// second. Landmark producers may push faster; only the newest frame per
// tick is processed.
const DefaultSampleRate = 10

// Sampler decouples frame arrival from frame processing: producers push
// frames at camera rate with Offer, the sampler feeds the detector at a
// fixed rate from Run and reports speaking transitions through a
// callback.
type Sampler struct {
	detector *Detector
	interval time.Duration
	onChange func(speaking bool)

	mu       sync.Mutex
	latest   Frame
	offerSeq uint64
	takenSeq uint64
}

// NewSampler creates a sampler over the detector. fps values below 1
// fall back to DefaultSampleRate. onChange may be nil; it is invoked
// from the Run goroutine on every speaking edge.
func NewSampler(detector *Detector, fps int, onChange func(speaking bool)) *Sampler {
	if fps < 1 {
		fps = DefaultSampleRate
	}
	return &Sampler{
		detector: detector,
		interval: time.Second / time.Duration(fps),
		onChange: onChange,
	}
}

// Offer replaces the pending frame. Safe from any goroutine.
func (s *Sampler) Offer(f Frame) {
	s.mu.Lock()
	s.latest = f
	s.offerSeq++
	s.mu.Unlock()
}

// Run processes the newest pending frame once per tick until the
// context is canceled. Ticks without a new frame are skipped so a
// stalled camera does not replay its last frame into the baseline.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := s.detector.Snapshot().Speaking
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, ok := s.take()
			if !ok {
				continue
			}
			state := s.detector.Process(frame)
			if state.Speaking != last {
				last = state.Speaking
				if s.onChange != nil {
					s.onChange(state.Speaking)
				}
			}
		}
	}
}

func (s *Sampler) take() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offerSeq == s.takenSeq {
		return Frame{}, false
	}
	s.takenSeq = s.offerSeq
	return s.latest, true
}
