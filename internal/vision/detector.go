// Package vision implements the visual speech-activity detector: a
// signal-processing pipeline over per-frame facial landmarks that keeps
// an adaptive lip-ratio baseline and derives a debounced speaking or
// silent decision that stays stable under head motion and pose changes.
package vision

import (
	"math"
	"sync"

	"github.com/trolyvn/troly/server/internal/flow"
)

// Point is a normalized landmark coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Frame carries the facial landmarks of at most one face for one video
// frame. Coordinates are normalized to the source image. Eye points are
// optional; a zero eye span falls back to the mouth width as the scale
// reference.
type Frame struct {
	UpperLip      Point `json:"upper_lip"`
	LowerLip      Point `json:"lower_lip"`
	MouthLeft     Point `json:"mouth_left"`
	MouthRight    Point `json:"mouth_right"`
	LeftEyeOuter  Point `json:"left_eye_outer"`
	RightEyeOuter Point `json:"right_eye_outer"`
}

// Config tunes the detection pipeline. Zero fields take the defaults
// below; the values are empirical, not derived from an acoustic model.
type Config struct {
	// SmoothingAlpha weighs the newest raw ratio in the exponential
	// smoother. High enough to preserve peaks, low enough to kill jitter.
	SmoothingAlpha float64
	// WarmupSamples is the number of frames averaged into the initial
	// baseline before the detector reports ready.
	WarmupSamples int
	// BaselineDrift is the weight of the slow exponential average that
	// follows pose and lighting changes while the user is silent.
	BaselineDrift float64
	// SpeakMultiplier and ReleaseMultiplier scale the baseline into the
	// entry and exit thresholds. Release must stay below speak so the
	// decision has hysteresis.
	SpeakMultiplier   float64
	ReleaseMultiplier float64
	// MinMargin is the minimum absolute ratio excess over the baseline
	// required to call a frame candidate speech.
	MinMargin float64
	// ScaleGateRatio is the reference-width fraction below which the face
	// counts as turned away or moved back; the speak threshold is then
	// tightened proportionally, at most by ScaleGateMaxBoost.
	ScaleGateRatio    float64
	ScaleGateMaxBoost float64
	// MotionThreshold is the per-frame mouth-center displacement
	// (normalized by eye width) above which MotionBoost is added to the
	// speak threshold.
	MotionThreshold float64
	MotionBoost     float64
	// MinFramesSpeaking and MinFramesSilent debounce the two edges.
	MinFramesSpeaking int
	MinFramesSilent   int
	// TraceFrames records a diagnostic event for every processed frame.
	// Edge and warmup milestones are recorded regardless.
	TraceFrames bool
}

const (
	defaultSmoothingAlpha    = 0.65
	defaultWarmupSamples     = 30
	defaultBaselineDrift     = 0.02
	defaultSpeakMultiplier   = 1.35
	defaultReleaseMultiplier = 1.15
	defaultMinMargin         = 0.025
	defaultScaleGateRatio    = 0.85
	defaultScaleGateMaxBoost = 0.10
	defaultMotionThreshold   = 0.05
	defaultMotionBoost       = 0.05
	defaultMinFramesSpeaking = 3
	defaultMinFramesSilent   = 8

	// minMouthWidth guards the ratio against a degenerate zero-width
	// mouth; narrower frames are skipped outright.
	minMouthWidth = 1e-6
)

// DefaultConfig returns the tuned default configuration.
func DefaultConfig() Config {
	return Config{
		SmoothingAlpha:    defaultSmoothingAlpha,
		WarmupSamples:     defaultWarmupSamples,
		BaselineDrift:     defaultBaselineDrift,
		SpeakMultiplier:   defaultSpeakMultiplier,
		ReleaseMultiplier: defaultReleaseMultiplier,
		MinMargin:         defaultMinMargin,
		ScaleGateRatio:    defaultScaleGateRatio,
		ScaleGateMaxBoost: defaultScaleGateMaxBoost,
		MotionThreshold:   defaultMotionThreshold,
		MotionBoost:       defaultMotionBoost,
		MinFramesSpeaking: defaultMinFramesSpeaking,
		MinFramesSilent:   defaultMinFramesSilent,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		c.SmoothingAlpha = d.SmoothingAlpha
	}
	if c.WarmupSamples <= 0 {
		c.WarmupSamples = d.WarmupSamples
	}
	if c.BaselineDrift <= 0 || c.BaselineDrift >= 1 {
		c.BaselineDrift = d.BaselineDrift
	}
	if c.SpeakMultiplier <= 1 {
		c.SpeakMultiplier = d.SpeakMultiplier
	}
	if c.ReleaseMultiplier <= 0 {
		c.ReleaseMultiplier = d.ReleaseMultiplier
	}
	if c.MinMargin < 0 {
		c.MinMargin = d.MinMargin
	}
	if c.ScaleGateRatio <= 0 || c.ScaleGateRatio >= 1 {
		c.ScaleGateRatio = d.ScaleGateRatio
	}
	if c.ScaleGateMaxBoost <= 0 {
		c.ScaleGateMaxBoost = d.ScaleGateMaxBoost
	}
	if c.MotionThreshold <= 0 {
		c.MotionThreshold = d.MotionThreshold
	}
	if c.MotionBoost <= 0 {
		c.MotionBoost = d.MotionBoost
	}
	if c.MinFramesSpeaking <= 0 {
		c.MinFramesSpeaking = d.MinFramesSpeaking
	}
	if c.MinFramesSilent <= 0 {
		c.MinFramesSilent = d.MinFramesSilent
	}
	return c
}

// State is the externally visible detector output.
type State struct {
	Ready    bool    `json:"ready"`
	Speaking bool    `json:"speaking"`
	Ratio    float64 `json:"ratio"`
	Baseline float64 `json:"baseline"`
}

// Detector turns landmark frames into a debounced speaking decision.
// Process is not reentrant; drive it from one goroutine (the Sampler).
// Snapshot and Reset are safe from any goroutine.
type Detector struct {
	cfg  Config
	flow *flow.Recorder

	mu            sync.Mutex
	smoothed      float64
	hasSmoothed   bool
	baseline      float64
	hasBaseline   bool
	warmupRatios  []float64
	warmupWidths  []float64
	warmupEyes    []float64
	refMouthWidth float64
	refEyeWidth   float64
	speaking      bool
	consecSpeak   int
	consecSilent  int
	prevCenter    Point
	hasPrevCenter bool
}

const flowScope = "detector"

// NewDetector creates a detector. The recorder may be nil.
func NewDetector(cfg Config, recorder *flow.Recorder) *Detector {
	return &Detector{
		cfg:  cfg.withDefaults(),
		flow: recorder,
	}
}

// Process runs one landmark frame through the pipeline and returns the
// updated state.
func (d *Detector) Process(f Frame) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	gap := dist(f.UpperLip, f.LowerLip)
	width := dist(f.MouthLeft, f.MouthRight)
	if width < minMouthWidth {
		return d.state()
	}
	eye := dist(f.LeftEyeOuter, f.RightEyeOuter)
	if eye < minMouthWidth {
		eye = width
	}

	raw := gap / width
	if !d.hasSmoothed {
		d.smoothed = raw
		d.hasSmoothed = true
	} else {
		a := d.cfg.SmoothingAlpha
		d.smoothed = a*raw + (1-a)*d.smoothed
	}

	if !d.hasBaseline {
		d.warmup(width, eye)
		return d.state()
	}

	// While silent, let the baseline and reference widths follow slow
	// pose and lighting changes.
	if !d.speaking {
		w := d.cfg.BaselineDrift
		d.baseline = (1-w)*d.baseline + w*raw
		d.refMouthWidth = (1-w)*d.refMouthWidth + w*width
		d.refEyeWidth = (1-w)*d.refEyeWidth + w*eye
	}

	speakThreshold := d.baseline * d.cfg.SpeakMultiplier
	releaseThreshold := d.baseline * d.cfg.ReleaseMultiplier

	// Scale gate: a face that shrank relative to its reference has turned
	// away or moved back; demand proportionally more mouth opening.
	scale := math.Min(width/d.refMouthWidth, eye/d.refEyeWidth)
	if scale < d.cfg.ScaleGateRatio {
		tighten := math.Min(d.cfg.ScaleGateRatio-scale, d.cfg.ScaleGateMaxBoost)
		speakThreshold *= 1 + tighten
	}

	// Motion gate: a mouth center that jumped between frames is head
	// movement, not articulation.
	center := midpoint(f.MouthLeft, f.MouthRight)
	if d.hasPrevCenter {
		motion := dist(center, d.prevCenter) / eye
		if motion > d.cfg.MotionThreshold {
			speakThreshold *= 1 + d.cfg.MotionBoost
		}
	}
	d.prevCenter = center
	d.hasPrevCenter = true

	candidate := d.smoothed > speakThreshold && d.smoothed-d.baseline >= d.cfg.MinMargin

	if candidate {
		d.consecSpeak++
		d.consecSilent = 0
		if !d.speaking && d.consecSpeak >= d.cfg.MinFramesSpeaking {
			d.speaking = true
			d.flow.Record(flowScope, "speak_on", map[string]interface{}{
				"ratio":     round3(d.smoothed),
				"threshold": round3(speakThreshold),
				"baseline":  round3(d.baseline),
			})
		}
	} else {
		d.consecSpeak = 0
		if d.speaking {
			if d.smoothed < releaseThreshold {
				d.consecSilent++
				if d.consecSilent >= d.cfg.MinFramesSilent {
					d.speaking = false
					d.flow.Record(flowScope, "speak_off", map[string]interface{}{
						"ratio":    round3(d.smoothed),
						"release":  round3(releaseThreshold),
						"baseline": round3(d.baseline),
					})
				}
			} else {
				// Above release: the lull has to restart.
				d.consecSilent = 0
			}
		}
	}

	if d.cfg.TraceFrames {
		d.flow.Record(flowScope, "frame", map[string]interface{}{
			"ratio":     round3(d.smoothed),
			"threshold": round3(speakThreshold),
			"baseline":  round3(d.baseline),
			"speaking":  d.speaking,
		})
	}

	return d.state()
}

func (d *Detector) warmup(width, eye float64) {
	d.warmupRatios = append(d.warmupRatios, d.smoothed)
	d.warmupWidths = append(d.warmupWidths, width)
	d.warmupEyes = append(d.warmupEyes, eye)

	if d.cfg.TraceFrames {
		d.flow.Record(flowScope, "warmup", map[string]interface{}{
			"samples": len(d.warmupRatios),
			"needed":  d.cfg.WarmupSamples,
		})
	}

	if len(d.warmupRatios) < d.cfg.WarmupSamples {
		return
	}

	d.baseline = mean(d.warmupRatios)
	d.refMouthWidth = mean(d.warmupWidths)
	d.refEyeWidth = mean(d.warmupEyes)
	d.hasBaseline = true
	d.warmupRatios = nil
	d.warmupWidths = nil
	d.warmupEyes = nil

	d.flow.Record(flowScope, "baseline_lock", map[string]interface{}{
		"baseline":    round3(d.baseline),
		"mouth_width": round3(d.refMouthWidth),
		"eye_width":   round3(d.refEyeWidth),
	})
}

// Snapshot returns the current state without processing a frame.
func (d *Detector) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state()
}

// Reset clears all learned state. Used when detection restarts on a new
// camera stream.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.smoothed = 0
	d.hasSmoothed = false
	d.baseline = 0
	d.hasBaseline = false
	d.warmupRatios = nil
	d.warmupWidths = nil
	d.warmupEyes = nil
	d.refMouthWidth = 0
	d.refEyeWidth = 0
	d.speaking = false
	d.consecSpeak = 0
	d.consecSilent = 0
	d.hasPrevCenter = false

	d.flow.Record(flowScope, "reset", nil)
}

func (d *Detector) state() State {
	return State{
		Ready:    d.hasBaseline,
		Speaking: d.speaking,
		Ratio:    d.smoothed,
		Baseline: d.baseline,
	}
}

func dist(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func midpoint(a, b Point) Point {
	return Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
