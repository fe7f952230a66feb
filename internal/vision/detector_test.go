package vision

import (
	"strings"
	"testing"

	"github.com/trolyvn/troly/server/internal/flow"
)

// frameAt builds a landmark frame with the given lip ratio, mouth
// width, eye span, and horizontal offset.
func frameAt(ratio, width, eye, dx float64) Frame {
	gap := ratio * width
	cx := dx + width/2
	return Frame{
		UpperLip:      Point{X: cx, Y: 0.40 - gap/2},
		LowerLip:      Point{X: cx, Y: 0.40 + gap/2},
		MouthLeft:     Point{X: dx, Y: 0.40},
		MouthRight:    Point{X: dx + width, Y: 0.40},
		LeftEyeOuter:  Point{X: cx - eye/2, Y: 0.20},
		RightEyeOuter: Point{X: cx + eye/2, Y: 0.20},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WarmupSamples = 5
	cfg.MinFramesSpeaking = 2
	cfg.MinFramesSilent = 3
	return cfg
}

// warmUp feeds enough constant frames to lock the baseline at ratio.
func warmUp(t *testing.T, d *Detector, cfg Config, ratio, width, eye float64) {
	t.Helper()
	for i := 0; i < cfg.WarmupSamples; i++ {
		st := d.Process(frameAt(ratio, width, eye, 0))
		if i < cfg.WarmupSamples-1 && st.Ready {
			t.Fatalf("detector ready after %d of %d warmup frames", i+1, cfg.WarmupSamples)
		}
	}
	st := d.Snapshot()
	if !st.Ready {
		t.Fatalf("detector not ready after %d warmup frames", cfg.WarmupSamples)
	}
}

func TestDetectorWarmupLocksBaseline(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg, nil)

	warmUp(t, d, cfg, 0.30, 0.30, 0.36)

	st := d.Snapshot()
	if st.Speaking {
		t.Error("speaking reported during warmup on constant frames")
	}
	// Constant input keeps the smoothed ratio equal to the raw ratio, so
	// the locked baseline is the warmup ratio itself.
	if st.Baseline < 0.299 || st.Baseline > 0.301 {
		t.Errorf("baseline = %.4f, want ~0.30", st.Baseline)
	}
}

func TestDetectorSpeakRequiresConsecutiveFrames(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg, nil)
	warmUp(t, d, cfg, 0.30, 0.30, 0.36)

	st := d.Process(frameAt(0.90, 0.30, 0.36, 0))
	if st.Speaking {
		t.Fatal("speaking after a single loud frame, want debounce")
	}
	st = d.Process(frameAt(0.90, 0.30, 0.36, 0))
	if !st.Speaking {
		t.Fatalf("not speaking after %d consecutive loud frames", cfg.MinFramesSpeaking)
	}
}

func TestDetectorHysteresisAndRelease(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg, nil)
	warmUp(t, d, cfg, 0.30, 0.30, 0.36)

	for i := 0; i < 3; i++ {
		d.Process(frameAt(0.90, 0.30, 0.36, 0))
	}
	if !d.Snapshot().Speaking {
		t.Fatal("precondition failed: detector not speaking")
	}

	// Two quiet frames are one short of the silent debounce.
	for i := 0; i < cfg.MinFramesSilent-1; i++ {
		if st := d.Process(frameAt(0.0, 0.30, 0.36, 0)); !st.Speaking {
			t.Fatalf("released after %d quiet frames, want %d", i+1, cfg.MinFramesSilent)
		}
	}

	// A loud frame in the middle of the lull restarts the count.
	if st := d.Process(frameAt(1.2, 0.30, 0.36, 0)); !st.Speaking {
		t.Fatal("released on a loud frame")
	}
	for i := 0; i < cfg.MinFramesSilent-1; i++ {
		if st := d.Process(frameAt(0.0, 0.30, 0.36, 0)); !st.Speaking {
			t.Fatalf("released after %d quiet frames of the second lull", i+1)
		}
	}
	if st := d.Process(frameAt(0.0, 0.30, 0.36, 0)); st.Speaking {
		t.Fatalf("still speaking after %d consecutive quiet frames", cfg.MinFramesSilent)
	}
}

func TestDetectorMinMarginBlocksTinyBaselines(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg, nil)
	// Near-closed mouth: multiplier alone would fire on noise.
	warmUp(t, d, cfg, 0.01, 0.30, 0.36)

	for i := 0; i < 10; i++ {
		if st := d.Process(frameAt(0.02, 0.30, 0.36, 0)); st.Speaking {
			t.Fatalf("speaking on frame %d with margin below minimum", i+1)
		}
	}
}

func TestDetectorScaleGateTightensThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MinFramesSpeaking = 1

	near := NewDetector(cfg, nil)
	far := NewDetector(cfg, nil)
	warmUp(t, near, cfg, 0.30, 0.30, 0.36)
	warmUp(t, far, cfg, 0.30, 0.30, 0.36)

	// Same lip ratio; the second face shrank to 70% of its reference.
	if st := near.Process(frameAt(0.50, 0.30, 0.36, 0)); !st.Speaking {
		t.Fatal("full-scale frame above threshold did not trigger")
	}
	if st := far.Process(frameAt(0.50, 0.21, 0.252, 0)); st.Speaking {
		t.Fatal("shrunken face triggered despite tightened threshold")
	}
}

func TestDetectorMotionGateTightensThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MinFramesSpeaking = 1
	cfg.MotionBoost = 0.20

	still := NewDetector(cfg, nil)
	moving := NewDetector(cfg, nil)
	warmUp(t, still, cfg, 0.30, 0.30, 0.36)
	warmUp(t, moving, cfg, 0.30, 0.30, 0.36)

	// One quiet frame seeds the previous mouth center.
	still.Process(frameAt(0.30, 0.30, 0.36, 0))
	moving.Process(frameAt(0.30, 0.30, 0.36, 0))

	if st := still.Process(frameAt(0.50, 0.30, 0.36, 0)); !st.Speaking {
		t.Fatal("stationary frame above threshold did not trigger")
	}
	if st := moving.Process(frameAt(0.50, 0.30, 0.36, 0.05)); st.Speaking {
		t.Fatal("displaced mouth triggered despite motion boost")
	}
}

func TestDetectorBaselineDriftsWhileSilent(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg, nil)
	warmUp(t, d, cfg, 0.30, 0.30, 0.36)

	for i := 0; i < 50; i++ {
		if st := d.Process(frameAt(0.32, 0.30, 0.36, 0)); st.Speaking {
			t.Fatalf("sub-threshold frame %d reported speaking", i+1)
		}
	}
	st := d.Snapshot()
	if st.Baseline <= 0.305 {
		t.Errorf("baseline = %.4f, want drifted toward 0.32", st.Baseline)
	}
	if st.Baseline >= 0.32 {
		t.Errorf("baseline = %.4f, overshot the raw ratio", st.Baseline)
	}
}

func TestDetectorEyeFallbackToMouthWidth(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg, nil)

	for i := 0; i < cfg.WarmupSamples; i++ {
		f := frameAt(0.30, 0.30, 0.36, 0)
		f.LeftEyeOuter = Point{}
		f.RightEyeOuter = Point{}
		d.Process(f)
	}
	if !d.Snapshot().Ready {
		t.Fatal("detector did not lock baseline without eye landmarks")
	}
}

func TestDetectorSkipsDegenerateFrames(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg, nil)
	warmUp(t, d, cfg, 0.30, 0.30, 0.36)
	before := d.Snapshot()

	st := d.Process(Frame{})
	if st != before {
		t.Errorf("degenerate frame changed state: %+v -> %+v", before, st)
	}
}

func TestDetectorReset(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg, nil)
	warmUp(t, d, cfg, 0.30, 0.30, 0.36)
	for i := 0; i < 3; i++ {
		d.Process(frameAt(0.90, 0.30, 0.36, 0))
	}

	d.Reset()
	st := d.Snapshot()
	if st.Ready || st.Speaking || st.Ratio != 0 || st.Baseline != 0 {
		t.Errorf("state after reset = %+v, want zero", st)
	}
}

func TestDetectorRecordsMilestones(t *testing.T) {
	cfg := testConfig()
	recorder := flow.NewRecorder(100)
	d := NewDetector(cfg, recorder)

	warmUp(t, d, cfg, 0.30, 0.30, 0.36)
	for i := 0; i < 3; i++ {
		d.Process(frameAt(0.90, 0.30, 0.36, 0))
	}
	for i := 0; i < cfg.MinFramesSilent+2; i++ {
		d.Process(frameAt(0.0, 0.30, 0.36, 0))
	}

	var labels []string
	for _, e := range recorder.Snapshot() {
		if e.Scope == "detector" {
			labels = append(labels, e.Label)
		}
	}
	joined := strings.Join(labels, ",")
	for _, want := range []string{"baseline_lock", "speak_on", "speak_off"} {
		if !strings.Contains(joined, want) {
			t.Errorf("flow labels %q missing %q", joined, want)
		}
	}
	// Per-frame tracing is off by default.
	if strings.Contains(joined, "frame") {
		t.Errorf("flow labels %q contain per-frame trace without TraceFrames", joined)
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SmoothingAlpha != 0.65 {
		t.Errorf("SmoothingAlpha = %v, want 0.65", cfg.SmoothingAlpha)
	}
	if cfg.WarmupSamples != 30 {
		t.Errorf("WarmupSamples = %v, want 30", cfg.WarmupSamples)
	}
	if cfg.ReleaseMultiplier >= cfg.SpeakMultiplier {
		t.Errorf("release multiplier %v not below speak multiplier %v",
			cfg.ReleaseMultiplier, cfg.SpeakMultiplier)
	}
	if cfg.ScaleGateRatio != 0.85 || cfg.ScaleGateMaxBoost != 0.10 {
		t.Errorf("scale gate = (%v, %v), want (0.85, 0.10)",
			cfg.ScaleGateRatio, cfg.ScaleGateMaxBoost)
	}
}
