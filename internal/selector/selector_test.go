package selector

import (
	"testing"
)

func newTestSelector() *Selector {
	return NewSelector(NewProfile(DefaultBaseThreshold, DefaultHistorySize))
}

func TestSelectBest_PrefersHighConfidence(t *testing.T) {
	s := newTestSelector()

	best, ok := s.SelectBest([]Candidate{
		{Text: "call John", Confidence: 0.9},
		{Text: "call Jon", Confidence: 0.55},
	})

	if !ok {
		t.Fatal("Expected a candidate to be accepted")
	}
	if best.Text != "call John" {
		t.Errorf("Expected 'call John', got '%s'", best.Text)
	}
}

func TestSelectBest_SingleLowConfidenceRejected(t *testing.T) {
	s := newTestSelector()

	// "uh" passes the length filter but 0.5 falls below the fresh
	// profile's adaptive threshold of 0.65
	_, ok := s.SelectBest([]Candidate{{Text: "uh", Confidence: 0.5}})
	if ok {
		t.Error("Expected no candidate to be accepted")
	}
}

func TestSelectBest_SingleSurvivorFloor(t *testing.T) {
	s := newTestSelector()

	// One accepted turn followed by a turn of repeated low-confidence
	// refuse keeps the acceptance rate at 0.5 while building a streak,
	// which drags the adaptive threshold down to 0.55
	if _, ok := s.SelectBest([]Candidate{{Text: "clear opening line", Confidence: 0.95}}); !ok {
		t.Fatal("Setup acceptance failed")
	}
	noisy := make([]Candidate, 5)
	for i := range noisy {
		noisy[i] = Candidate{Text: "static burst", Confidence: 0.2}
	}
	if _, ok := s.SelectBest(noisy); ok {
		t.Fatal("Setup rejection failed")
	}
	if got := s.Profile().Threshold(); got >= 0.6 {
		t.Fatalf("Setup threshold %f, want below 0.6", got)
	}

	// 0.57 clears the lowered filter threshold, but a lone survivor
	// still needs 0.6
	if _, ok := s.SelectBest([]Candidate{{Text: "faint phrase", Confidence: 0.57}}); ok {
		t.Error("Expected the single-survivor floor to reject confidence 0.57")
	}
}

func TestSelectBest_EmptyInput(t *testing.T) {
	s := newTestSelector()

	if _, ok := s.SelectBest(nil); ok {
		t.Error("Expected no acceptance for empty input")
	}
}

func TestSelectBest_LengthFilter(t *testing.T) {
	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"too short", "a", false},
		{"minimum length", "ok", true},
		{"too long", string(long), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSelector()
			_, ok := s.SelectBest([]Candidate{{Text: tt.text, Confidence: 0.95}})
			if ok != tt.want {
				t.Errorf("SelectBest(%q) accepted=%v, want %v", tt.text, ok, tt.want)
			}
		})
	}
}

func TestSelectBest_HighNoiseDemandsHighConfidence(t *testing.T) {
	p := NewProfile(DefaultBaseThreshold, DefaultHistorySize)
	for i := 0; i < 200; i++ {
		p.ObserveNoise(0.95)
	}
	if p.NoiseLevel() <= 0.7 {
		t.Fatalf("Noise setup failed, level %f", p.NoiseLevel())
	}
	s := NewSelector(p)

	// Noise > 0.6 raises the threshold to 0.8, which 0.79 fails
	if _, ok := s.SelectBest([]Candidate{{Text: "hello there", Confidence: 0.79}}); ok {
		t.Error("Expected rejection under heavy noise with sub-threshold confidence")
	}
	// The rejected turn raises the threshold further, to 0.9
	if _, ok := s.SelectBest([]Candidate{{Text: "hello there", Confidence: 0.95}}); !ok {
		t.Error("Expected acceptance with confidence 0.95 under heavy noise")
	}
}

func TestSelectBest_Deterministic(t *testing.T) {
	input := []Candidate{
		{Text: "turn on the lights", Confidence: 0.82},
		{Text: "turn off the lights", Confidence: 0.81},
		{Text: "turnips are light", Confidence: 0.75},
	}

	first, ok1 := newTestSelector().SelectBest(input)
	second, ok2 := newTestSelector().SelectBest(input)

	if ok1 != ok2 || first.Text != second.Text {
		t.Errorf("Selection not deterministic: (%q,%v) vs (%q,%v)", first.Text, ok1, second.Text, ok2)
	}
}

func TestSelectBest_MonotonicInConfidence(t *testing.T) {
	base := []Candidate{
		{Text: "send the report", Confidence: 0.75},
		{Text: "sand the retort", Confidence: 0.72},
	}

	s := newTestSelector()
	accepted, ok := s.SelectBest(base)
	if !ok {
		t.Fatal("Expected acceptance")
	}

	// Raising the accepted candidate's confidence must never flip it
	// to rejected
	for _, conf := range []float64{0.8, 0.9, 0.99} {
		raised := make([]Candidate, len(base))
		copy(raised, base)
		for i := range raised {
			if raised[i].Text == accepted.Text {
				raised[i].Confidence = conf
			}
		}
		got, ok := newTestSelector().SelectBest(raised)
		if !ok || got.Text != accepted.Text {
			t.Errorf("Confidence %f: expected %q accepted, got (%q,%v)", conf, accepted.Text, got.Text, ok)
		}
	}
}

func TestSelectBest_RepeatArtifactScoredDown(t *testing.T) {
	s := newTestSelector()

	if _, ok := s.SelectBest([]Candidate{{Text: "schedule a meeting tomorrow", Confidence: 0.9}}); !ok {
		t.Fatal("Setup acceptance failed")
	}

	// "a meeting" is a substring of the previous accepted text, so the
	// fresh multi-word phrase should win despite similar confidence
	best, ok := s.SelectBest([]Candidate{
		{Text: "a meeting", Confidence: 0.85},
		{Text: "with the team", Confidence: 0.84},
	})
	if !ok {
		t.Fatal("Expected acceptance")
	}
	if best.Text != "with the team" {
		t.Errorf("Expected repeat artifact to lose, got '%s'", best.Text)
	}
}

func TestSelectBest_LowConfidenceStreakTracked(t *testing.T) {
	s := newTestSelector()

	for i := 0; i < 3; i++ {
		if _, ok := s.SelectBest([]Candidate{{Text: "mumble mumble", Confidence: 0.1}}); ok {
			t.Fatal("Expected rejection")
		}
	}
	if got := s.Profile().ConsecutiveLowConfidence(); got != 3 {
		t.Errorf("Expected streak 3, got %d", got)
	}

	// An accepted candidate resets the streak
	if _, ok := s.SelectBest([]Candidate{{Text: "clear speech now", Confidence: 0.95}}); !ok {
		t.Fatal("Expected acceptance")
	}
	if got := s.Profile().ConsecutiveLowConfidence(); got != 0 {
		t.Errorf("Expected streak reset to 0, got %d", got)
	}
}
