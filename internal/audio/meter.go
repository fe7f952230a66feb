// Package audio provides input level metering over raw PCM chunks. The
// turn orchestrator reads the meter when it has to judge whether a
// barely-there transcript was speech or background noise.
package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// Level computes the RMS level of little-endian 16-bit mono PCM on a
// 0..100 scale, where 100 is a full-scale signal. A trailing odd byte
// is ignored.
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n*2; i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	level := rms / 327.68
	if level > 100 {
		level = 100
	}
	return level
}

// DefaultMeterAlpha is the weight of the newest chunk in the smoothed
// meter level.
const DefaultMeterAlpha = 0.5

// Meter tracks a smoothed input level across chunks. Safe for
// concurrent use.
type Meter struct {
	alpha float64

	mu     sync.Mutex
	level  float64
	primed bool
}

// NewMeter creates a meter. Alpha values outside (0, 1] fall back to
// DefaultMeterAlpha.
func NewMeter(alpha float64) *Meter {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultMeterAlpha
	}
	return &Meter{alpha: alpha}
}

// Update folds one PCM chunk into the meter and returns the new level.
func (m *Meter) Update(pcm []byte) float64 {
	l := Level(pcm)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.primed {
		m.level = l
		m.primed = true
	} else {
		m.level = m.alpha*l + (1-m.alpha)*m.level
	}
	return m.level
}

// Level returns the current smoothed level.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Reset clears the meter between sessions.
func (m *Meter) Reset() {
	m.mu.Lock()
	m.level = 0
	m.primed = false
	m.mu.Unlock()
}
